package client

import (
	"context"

	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

// RuleDescription is the short form of a rule returned by Rules.
type RuleDescription struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	Active     bool   `json:"active"`
	Executable bool   `json:"executable"`
}

type ruleReply struct {
	RuleError types.RuleError `json:"ruleError"`
}

func (r ruleReply) code() types.RuleError {
	if r.RuleError == "" {
		return types.RuleErrorNoError
	}
	return r.RuleError
}

// Rules lists every rule.
func (c *Client) Rules(ctx context.Context) ([]RuleDescription, error) {
	var reply struct {
		Rules []RuleDescription `json:"ruleDescriptions"`
	}
	if err := c.conn.Request(ctx, "Rules.GetRules", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Rules, nil
}

// Rule returns a rule with its descriptors and actions.
func (c *Client) Rule(ctx context.Context, id string) (*rules.Rule, types.RuleError, error) {
	var reply struct {
		ruleReply
		Rule *rules.Rule `json:"rule"`
	}
	if err := c.conn.Request(ctx, "Rules.GetRuleDetails", map[string]any{"ruleId": id}, &reply); err != nil {
		return nil, "", err
	}
	return reply.Rule, reply.code(), nil
}

// AddRule sends r. A single event descriptor goes out as eventDescriptor,
// several as eventDescriptorList.
func (c *Client) AddRule(ctx context.Context, r *rules.Rule) (string, types.RuleError, error) {
	req := map[string]any{
		"name":    r.Name,
		"enabled": r.Enabled,
		"actions": r.Actions,
	}
	switch len(r.EventDescriptors) {
	case 0:
	case 1:
		req["eventDescriptor"] = r.EventDescriptors[0]
	default:
		req["eventDescriptorList"] = r.EventDescriptors
	}
	if r.StateEvaluator != nil {
		req["stateEvaluator"] = r.StateEvaluator
	}
	if len(r.ExitActions) > 0 {
		req["exitActions"] = r.ExitActions
	}
	var reply struct {
		ruleReply
		RuleID string `json:"ruleId"`
	}
	if err := c.conn.Request(ctx, "Rules.AddRule", req, &reply); err != nil {
		return "", "", err
	}
	return reply.RuleID, reply.code(), nil
}

func (c *Client) ruleCall(ctx context.Context, method, id string) (types.RuleError, error) {
	var reply ruleReply
	if err := c.conn.Request(ctx, method, map[string]any{"ruleId": id}, &reply); err != nil {
		return "", err
	}
	return reply.code(), nil
}

func (c *Client) RemoveRule(ctx context.Context, id string) (types.RuleError, error) {
	return c.ruleCall(ctx, "Rules.RemoveRule", id)
}

func (c *Client) EnableRule(ctx context.Context, id string) (types.RuleError, error) {
	return c.ruleCall(ctx, "Rules.EnableRule", id)
}

func (c *Client) DisableRule(ctx context.Context, id string) (types.RuleError, error) {
	return c.ruleCall(ctx, "Rules.DisableRule", id)
}

// ExecuteActions runs the actions of a rule, or its exit actions.
func (c *Client) ExecuteActions(ctx context.Context, id string, exit bool) (types.RuleError, error) {
	if exit {
		return c.ruleCall(ctx, "Rules.ExecuteExitActions", id)
	}
	return c.ruleCall(ctx, "Rules.ExecuteActions", id)
}

// FindRules returns the ids of the rules using a thing.
func (c *Client) FindRules(ctx context.Context, thingID string) ([]string, error) {
	var reply struct {
		RuleIDs []string `json:"ruleIds"`
	}
	if err := c.conn.Request(ctx, "Rules.FindRules", map[string]any{"deviceId": thingID}, &reply); err != nil {
		return nil, err
	}
	return reply.RuleIDs, nil
}
