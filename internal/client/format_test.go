package client

import (
	"strings"
	"testing"

	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

func TestFormatVendors(t *testing.T) {
	rows := FormatVendors([]types.Vendor{{ID: "v1", Name: "Acme"}})
	if len(rows) != 1 || rows[0] != "Acme v1" {
		t.Errorf("rows = %q", rows)
	}
	if rows := FormatVendors(nil); len(rows) != 0 {
		t.Errorf("empty = %q", rows)
	}
}

func TestFormatErrors(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{FormatThingError(types.ThingErrorThingNotFound), "ThingErrorThingNotFound: the device could not be found"},
		{FormatThingError("ThingErrorFromTheFuture"), "unknown error (ThingErrorFromTheFuture)"},
		{FormatRuleError(types.RuleErrorRuleNotFound), "RuleErrorRuleNotFound: the rule could not be found"},
		{FormatRuleError("RuleErrorBogus"), "unknown error (RuleErrorBogus)"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestFormatEvaluator(t *testing.T) {
	se := &rules.StateEvaluator{
		Operator: rules.StateOperatorOr,
		ChildEvaluators: []rules.StateEvaluator{
			{StateDescriptor: &rules.StateDescriptor{ThingID: "sensor", StateTypeID: "temp", Value: 21, Operator: rules.ValueOperatorGreater}},
			{StateDescriptor: &rules.StateDescriptor{ThingID: "lamp", StateTypeID: "power", Value: true, Operator: rules.ValueOperatorEquals}},
		},
	}
	if got, want := FormatEvaluator(se), "(sensor:temp > 21 OR lamp:power = true)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := FormatEvaluator(nil); got != "" {
		t.Errorf("nil evaluator = %q", got)
	}
}

func TestFormatRule(t *testing.T) {
	r := &rules.Rule{
		ID:      "r1",
		Name:    "door",
		Enabled: true,
		EventDescriptors: []rules.EventDescriptor{
			{ThingID: "door", EventTypeID: "opened"},
			{ThingID: "door", EventTypeID: "closed", ParamDescriptors: []rules.ParamDescriptor{
				{ParamTypeID: "force", Value: 3, Operator: rules.ValueOperatorLessOrEqual},
			}},
		},
		StateEvaluator: &rules.StateEvaluator{Operator: rules.StateOperatorOr},
		Actions: []rules.RuleAction{{
			ThingID: "lamp", ActionTypeID: "power",
			Params: []rules.RuleActionParam{{ParamTypeID: "power", EventTypeID: "opened", EventParamTypeID: "state"}},
		}},
	}
	out := FormatRule(r)
	for _, want := range []string{
		`Rule "door" (r1) [enabled]`,
		"Events (OR) | ONE of the events/states has to be true/emited.:",
		"door:closed [force <= 3]",
		"lamp -> power(power=<event opened.state>)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "States:") {
		t.Errorf("operator-only evaluator rendered as states:\n%s", out)
	}
}
