package client

import (
	"fmt"
	"strings"

	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

// FormatVendors renders one "name id" row per vendor.
func FormatVendors(vendors []types.Vendor) []string {
	rows := make([]string, 0, len(vendors))
	for _, v := range vendors {
		rows = append(rows, v.Name+" "+v.ID)
	}
	return rows
}

// FormatThingError renders a device error code. Unknown codes are shown as
// "unknown error" together with the raw code.
func FormatThingError(code types.ThingError) string {
	if !code.Known() {
		return fmt.Sprintf("unknown error (%s)", code)
	}
	return fmt.Sprintf("%s: %s", code, code.Hint())
}

// FormatRuleError renders a rule error code like FormatThingError.
func FormatRuleError(code types.RuleError) string {
	if !code.Known() {
		return fmt.Sprintf("unknown error (%s)", code)
	}
	return fmt.Sprintf("%s: %s", code, code.Hint())
}

// FormatEvaluator renders a state evaluator as an infix expression, e.g.
// "(sensor:temp > 21 AND lamp:power = true)".
func FormatEvaluator(se *rules.StateEvaluator) string {
	if se.Empty() {
		return ""
	}
	var parts []string
	if d := se.StateDescriptor; d != nil {
		parts = append(parts, fmt.Sprintf("%s:%s %s %v", d.ThingID, d.StateTypeID, d.Operator.Symbol(), d.Value))
	}
	for i := range se.ChildEvaluators {
		if s := FormatEvaluator(&se.ChildEvaluators[i]); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	join := " AND "
	if se.Operator == rules.StateOperatorOr {
		join = " OR "
	}
	return "(" + strings.Join(parts, join) + ")"
}

func formatAction(a rules.RuleAction) string {
	params := make([]string, 0, len(a.Params))
	for _, p := range a.Params {
		ref := p.ParamTypeID
		if ref == "" {
			ref = p.Name
		}
		if p.EventBased() {
			params = append(params, fmt.Sprintf("%s=<event %s.%s>", ref, p.EventTypeID, p.EventParamTypeID))
			continue
		}
		params = append(params, fmt.Sprintf("%s=%v", ref, p.Value))
	}
	return fmt.Sprintf("%s -> %s(%s)", a.ThingID, a.ActionTypeID, strings.Join(params, ", "))
}

// FormatRule renders a rule as a multi-line description.
func FormatRule(r *rules.Rule) string {
	var b strings.Builder
	status := "disabled"
	if r.Enabled {
		status = "enabled"
	}
	if r.Active {
		status += ", active"
	}
	fmt.Fprintf(&b, "Rule %q (%s) [%s]\n", r.Name, r.ID, status)

	if len(r.EventDescriptors) > 0 {
		b.WriteString("Events")
		if len(r.EventDescriptors) > 1 {
			b.WriteString(" " + r.Operator().Text())
		}
		b.WriteString(":\n")
		for _, d := range r.EventDescriptors {
			fmt.Fprintf(&b, "  %s:%s", d.ThingID, d.EventTypeID)
			for _, pd := range d.ParamDescriptors {
				ref := pd.ParamTypeID
				if ref == "" {
					ref = pd.Name
				}
				fmt.Fprintf(&b, " [%s %s %v]", ref, pd.Operator.Symbol(), pd.Value)
			}
			b.WriteString("\n")
		}
	}
	if !r.StateEvaluator.Empty() {
		fmt.Fprintf(&b, "States:\n  %s\n", FormatEvaluator(r.StateEvaluator))
	}
	b.WriteString("Actions:\n")
	for _, a := range r.Actions {
		fmt.Fprintf(&b, "  %s\n", formatAction(a))
	}
	if len(r.ExitActions) > 0 {
		b.WriteString("Exit actions:\n")
		for _, a := range r.ExitActions {
			fmt.Fprintf(&b, "  %s\n", formatAction(a))
		}
	}
	return b.String()
}
