package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"thingrpc/internal/client"
	"thingrpc/internal/jsonrpc"
	"thingrpc/internal/pairing"
	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

// app carries what every command needs.
type app struct {
	c      *client.Client
	out    io.Writer
	in     *bufio.Reader
	logger *slog.Logger
}

type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"vendors":     {"vendors", cmdVendors},
	"classes":     {"classes [vendorId]", cmdClasses},
	"things":      {"things", cmdThings},
	"thing":       {"thing <thingId>", cmdThing},
	"plugins":     {"plugins", cmdPlugins},
	"config":      {"config <pluginId> [key=value...]", cmdConfig},
	"add":         {"add <classId> <name> [key=value...]", cmdAdd},
	"pair":        {"pair [-pick n] [-name s] [-user u] [-secret s] <classId> [key=value...]", cmdPair},
	"remove":      {"remove [-cascade] <thingId>", cmdRemove},
	"state":       {"state <thingId> [stateTypeId]", cmdState},
	"execute":     {"execute <thingId> <action> [key=value...]", cmdExecute},
	"browse":      {"browse <thingId> [itemId]", cmdBrowse},
	"rules":       {"rules", cmdRules},
	"rule":        {"rule <ruleId>", cmdRule},
	"add-rule":    {"add-rule <file.json>", cmdAddRule},
	"remove-rule": {"remove-rule <ruleId>", cmdRemoveRule},
	"enable":      {"enable <ruleId>", cmdEnable},
	"disable":     {"disable <ruleId>", cmdDisable},
	"run":         {"run [-exit] <ruleId>", cmdRun},
	"find-rules":  {"find-rules <thingId>", cmdFindRules},
	"lookup":      {"lookup <mac>", cmdLookup},
	"monitor":     {"monitor [namespace...]", cmdMonitor},
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: thingctl [-config file] [-addr a] [-transport tcp|ws|serial] [-timeout d] <command> [args]")
	fmt.Fprintln(w, "commands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

var errUsage = errors.New("bad arguments")

func needArgs(args []string, min int) error {
	if len(args) < min {
		return errUsage
	}
	return nil
}

func thingErr(code types.ThingError) error {
	if code.OK() {
		return nil
	}
	return errors.New(client.FormatThingError(code))
}

func ruleErr(code types.RuleError) error {
	if code.OK() {
		return nil
	}
	return errors.New(client.FormatRuleError(code))
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func cmdVendors(ctx context.Context, a *app, _ []string) error {
	vendors, err := a.c.Vendors(ctx)
	if err != nil {
		return err
	}
	for _, row := range client.FormatVendors(vendors) {
		fmt.Fprintln(a.out, row)
	}
	return nil
}

func cmdClasses(ctx context.Context, a *app, args []string) error {
	var vendorID string
	if len(args) > 0 {
		vendorID = args[0]
	}
	classes, code, err := a.c.ThingClasses(ctx, vendorID)
	if err != nil {
		return err
	}
	if err := thingErr(code); err != nil {
		return err
	}
	for _, tc := range classes {
		methods := make([]string, 0, len(tc.CreateMethods))
		for _, m := range tc.CreateMethods {
			methods = append(methods, strings.TrimPrefix(string(m), "CreateMethod"))
		}
		fmt.Fprintf(a.out, "%s %s setup=%s create=%s\n", tc.ID, tc.Name,
			strings.TrimPrefix(string(tc.SetupMethod), "SetupMethod"), strings.Join(methods, ","))
	}
	return nil
}

func cmdThings(ctx context.Context, a *app, _ []string) error {
	things, err := a.c.Things(ctx)
	if err != nil {
		return err
	}
	for _, t := range things {
		fmt.Fprintf(a.out, "%s %q class=%s %s\n", t.ID, t.Name, t.ThingClassID,
			strings.TrimPrefix(string(t.SetupStatus), "ThingSetupStatus"))
	}
	return nil
}

func cmdThing(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	t, found, err := a.c.Thing(ctx, args[0])
	if err != nil {
		return err
	}
	if !found {
		return thingErr(types.ThingErrorThingNotFound)
	}
	fmt.Fprintf(a.out, "Thing %q (%s) class=%s\n", t.Name, t.ID, t.ThingClassID)
	printParams(a.out, "Params", t.Params)
	printParams(a.out, "Settings", t.Settings)
	if len(t.States) > 0 {
		fmt.Fprintln(a.out, "States:")
		for _, s := range t.States {
			fmt.Fprintf(a.out, "  %s = %v\n", s.StateTypeID, s.Value)
		}
	}
	return nil
}

func printParams(w io.Writer, title string, params types.ParamList) {
	if len(params) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, p := range params {
		fmt.Fprintf(w, "  %s = %v\n", p.ParamTypeID, p.Value)
	}
}

func cmdPlugins(ctx context.Context, a *app, _ []string) error {
	plugins, err := a.c.Plugins(ctx)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		fmt.Fprintf(a.out, "%s %s\n", p.ID, p.Name)
	}
	return nil
}

// cmdConfig prints a plugin's configuration, or changes it when params are
// given.
func cmdConfig(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	pluginID := args[0]
	if len(args) > 1 {
		plugins, err := a.c.Plugins(ctx)
		if err != nil {
			return err
		}
		var pts types.ParamTypes
		found := false
		for _, p := range plugins {
			if p.ID == pluginID {
				pts, found = p.ParamTypes, true
			}
		}
		if !found {
			return thingErr(types.ThingErrorPluginNotFound)
		}
		cfg, err := parseParams(args[1:], pts)
		if err != nil {
			return err
		}
		code, err := a.c.SetPluginConfig(ctx, pluginID, cfg)
		if err != nil {
			return err
		}
		if err := thingErr(code); err != nil {
			return err
		}
	}
	cfg, code, err := a.c.PluginConfig(ctx, pluginID)
	if err != nil {
		return err
	}
	if err := thingErr(code); err != nil {
		return err
	}
	for _, p := range cfg {
		fmt.Fprintf(a.out, "%s = %v\n", p.ParamTypeID, p.Value)
	}
	return nil
}

func lookupClass(ctx context.Context, a *app, id string) (types.ThingClass, error) {
	tc, found, err := a.c.ThingClass(ctx, id)
	if err != nil {
		return types.ThingClass{}, err
	}
	if !found {
		return types.ThingClass{}, thingErr(types.ThingErrorThingClassNotFound)
	}
	return tc, nil
}

func cmdAdd(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	tc, err := lookupClass(ctx, a, args[0])
	if err != nil {
		return err
	}
	params, err := parseParams(args[2:], tc.ParamTypes)
	if err != nil {
		return err
	}
	id, code, err := a.c.AddThing(ctx, tc.ID, args[1], params)
	if err != nil {
		return err
	}
	if err := thingErr(code); err != nil {
		return err
	}
	fmt.Fprintln(a.out, id)
	return nil
}

func cmdPair(ctx context.Context, a *app, args []string) error {
	fs := newFlags("pair")
	pick := fs.Int("pick", 0, "candidate index")
	name := fs.String("name", "", "thing name")
	user := fs.String("user", "", "username")
	secret := fs.String("secret", "", "password or pin")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := needArgs(fs.Args(), 1); err != nil {
		return err
	}
	tc, err := lookupClass(ctx, a, fs.Arg(0))
	if err != nil {
		return err
	}
	params, err := parseParams(fs.Args()[1:], tc.DiscoveryParamTypes)
	if err != nil {
		return err
	}

	m := pairing.New(a.c, tc, pairing.WithLogger(a.logger), pairing.WithObserver(func(from, to pairing.State) {
		a.logger.Debug("pairing", "from", from, "to", to)
	}))
	choose := func(_ context.Context, cands []pairing.Candidate) (pairing.Candidate, string, error) {
		for i, c := range cands {
			mark := ""
			if c.Existing {
				mark = " (configured)"
			}
			fmt.Fprintf(a.out, "[%d] %s %s%s\n", i, c.Title, c.Description, mark)
		}
		if *pick < 0 || *pick >= len(cands) {
			return pairing.Candidate{}, "", fmt.Errorf("candidate %d out of range", *pick)
		}
		return cands[*pick], *name, nil
	}
	confirm := func(_ context.Context, start pairing.PairingStart) (pairing.Credentials, error) {
		if start.DisplayMessage != "" {
			fmt.Fprintln(a.out, start.DisplayMessage)
		}
		creds := pairing.Credentials{Username: *user, Secret: *secret}
		var err error
		switch start.SetupMethod {
		case types.SetupMethodPushButton:
			fmt.Fprintln(a.out, "Press enter once done.")
			_, err = a.prompt("")
			return pairing.Credentials{}, err
		case types.SetupMethodUserAndPassword:
			if creds.Username == "" {
				if creds.Username, err = a.prompt("Username: "); err != nil {
					return creds, err
				}
			}
		}
		if creds.Secret == "" {
			if creds.Secret, err = a.prompt("Secret: "); err != nil {
				return creds, err
			}
		}
		return creds, nil
	}

	res, err := m.Run(ctx, params, choose, confirm)
	if err != nil {
		var de *pairing.DomainError
		if errors.As(err, &de) {
			return fmt.Errorf("%s: %s", de.Reason, client.FormatThingError(de.Code))
		}
		return err
	}
	if res.Existing {
		fmt.Fprintf(a.out, "%s (reconfigured)\n", res.ThingID)
		return nil
	}
	fmt.Fprintln(a.out, res.ThingID)
	return nil
}

func (a *app) prompt(label string) (string, error) {
	if label != "" {
		fmt.Fprint(a.out, label)
	}
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func cmdRemove(ctx context.Context, a *app, args []string) error {
	fs := newFlags("remove")
	cascade := fs.Bool("cascade", false, "update rules using the thing")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := needArgs(fs.Args(), 1); err != nil {
		return err
	}
	ruleIDs, code, err := a.c.RemoveThing(ctx, fs.Arg(0), *cascade)
	if err != nil {
		return err
	}
	if code == types.ThingErrorThingInRule {
		return fmt.Errorf("%s; used by rules %s (retry with -cascade)",
			client.FormatThingError(code), strings.Join(ruleIDs, ", "))
	}
	return thingErr(code)
}

func cmdState(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	if len(args) > 1 {
		v, code, err := a.c.StateValue(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if err := thingErr(code); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%v\n", v)
		return nil
	}
	values, code, err := a.c.StateValues(ctx, args[0])
	if err != nil {
		return err
	}
	if err := thingErr(code); err != nil {
		return err
	}
	for _, s := range values {
		fmt.Fprintf(a.out, "%s = %v\n", s.StateTypeID, s.Value)
	}
	return nil
}

func cmdExecute(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	t, found, err := a.c.Thing(ctx, args[0])
	if err != nil {
		return err
	}
	if !found {
		return thingErr(types.ThingErrorThingNotFound)
	}
	tc, err := lookupClass(ctx, a, t.ThingClassID)
	if err != nil {
		return err
	}
	at, ok := findActionType(tc, args[1])
	if !ok {
		return thingErr(types.ThingErrorActionTypeNotFound)
	}
	params, err := parseParams(args[2:], at.ParamTypes)
	if err != nil {
		return err
	}
	code, err := a.c.ExecuteAction(ctx, types.Action{ThingID: t.ID, ActionTypeID: at.ID, Params: params})
	if err != nil {
		return err
	}
	return thingErr(code)
}

func cmdBrowse(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	var itemID string
	if len(args) > 1 {
		itemID = args[1]
	}
	items, code, err := a.c.Browse(ctx, args[0], itemID)
	if err != nil {
		return err
	}
	if err := thingErr(code); err != nil {
		return err
	}
	for _, it := range items {
		var flags []string
		if it.Browsable {
			flags = append(flags, "browsable")
		}
		if it.Executable {
			flags = append(flags, "executable")
		}
		if it.Disabled {
			flags = append(flags, "disabled")
		}
		fmt.Fprintf(a.out, "%s %q %s\n", it.ID, it.DisplayName, strings.Join(flags, ","))
	}
	return nil
}

func cmdRules(ctx context.Context, a *app, _ []string) error {
	list, err := a.c.Rules(ctx)
	if err != nil {
		return err
	}
	for _, r := range list {
		status := "disabled"
		if r.Enabled {
			status = "enabled"
		}
		if r.Active {
			status += ",active"
		}
		fmt.Fprintf(a.out, "%s %q %s\n", r.ID, r.Name, status)
	}
	return nil
}

func cmdRule(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	r, code, err := a.c.Rule(ctx, args[0])
	if err != nil {
		return err
	}
	if err := ruleErr(code); err != nil {
		return err
	}
	fmt.Fprint(a.out, client.FormatRule(r))
	return nil
}

// classSnapshot resolves thing classes from one listing of things and
// classes, for validating rules before they are sent.
type classSnapshot struct {
	classes map[string]types.ThingClass
	things  map[string]string
}

func (s *classSnapshot) ThingClassOf(thingID string) (types.ThingClass, bool) {
	classID, ok := s.things[thingID]
	if !ok {
		return types.ThingClass{}, false
	}
	tc, ok := s.classes[classID]
	return tc, ok
}

func snapshot(ctx context.Context, c *client.Client) (*classSnapshot, error) {
	classes, _, err := c.ThingClasses(ctx, "")
	if err != nil {
		return nil, err
	}
	things, err := c.Things(ctx)
	if err != nil {
		return nil, err
	}
	s := &classSnapshot{classes: make(map[string]types.ThingClass), things: make(map[string]string)}
	for _, tc := range classes {
		s.classes[tc.ID] = tc
	}
	for _, t := range things {
		s.things[t.ID] = t.ThingClassID
	}
	return s, nil
}

func cmdAddRule(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read rule: %w", err)
	}
	var r rules.Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}
	cat, err := snapshot(ctx, a.c)
	if err != nil {
		return err
	}
	if err := rules.Validate(&r, cat); err != nil {
		return err
	}
	id, code, err := a.c.AddRule(ctx, &r)
	if err != nil {
		return err
	}
	if err := ruleErr(code); err != nil {
		return err
	}
	fmt.Fprintln(a.out, id)
	return nil
}

func ruleCmd(call func(*client.Client, context.Context, string) (types.RuleError, error)) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, args []string) error {
		if err := needArgs(args, 1); err != nil {
			return err
		}
		code, err := call(a.c, ctx, args[0])
		if err != nil {
			return err
		}
		return ruleErr(code)
	}
}

var (
	cmdRemoveRule = ruleCmd((*client.Client).RemoveRule)
	cmdEnable     = ruleCmd((*client.Client).EnableRule)
	cmdDisable    = ruleCmd((*client.Client).DisableRule)
)

func cmdRun(ctx context.Context, a *app, args []string) error {
	fs := newFlags("run")
	exit := fs.Bool("exit", false, "run the exit actions")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := needArgs(fs.Args(), 1); err != nil {
		return err
	}
	code, err := a.c.ExecuteActions(ctx, fs.Arg(0), *exit)
	if err != nil {
		return err
	}
	return ruleErr(code)
}

func cmdFindRules(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	ids, err := a.c.FindRules(ctx, args[0])
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(a.out, id)
	}
	return nil
}

func cmdLookup(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	vendor, found, err := a.c.LookupMac(ctx, args[0])
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no vendor for %s", args[0])
	}
	fmt.Fprintln(a.out, vendor)
	return nil
}

// cmdMonitor prints notifications until ctx ends or the connection drops.
func cmdMonitor(ctx context.Context, a *app, args []string) error {
	unsub := a.c.Conn().OnAnyNotification(func(n jsonrpc.Notification) {
		fmt.Fprintf(a.out, "%s %s\n", n.Method, n.Params)
	})
	defer unsub()
	if err := a.c.SetNotifications(ctx, true, args...); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-a.c.Conn().Done():
		return a.c.Conn().Err()
	}
}
