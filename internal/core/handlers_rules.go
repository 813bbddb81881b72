package core

import (
	"context"
	"errors"

	"thingrpc/internal/jsonrpc"
	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

// RulesHandler serves the Rules namespace.
type RulesHandler struct {
	rules *RuleService
}

func NewRulesHandler(rs *RuleService) *RulesHandler {
	return &RulesHandler{rules: rs}
}

func (h *RulesHandler) Name() string { return "Rules" }

func (h *RulesHandler) Methods() map[string]jsonrpc.Method {
	ruleID := map[string]any{"ruleId": "Uuid"}
	ruleError := map[string]any{"ruleError": "$ref:RuleError"}
	return map[string]jsonrpc.Method{
		"GetRules": {
			Fn:          h.getRules,
			Description: "Returns a short description of every rule.",
			Returns:     map[string]any{"ruleDescriptions": "$ref:RuleDescriptions"},
		},
		"GetRuleDetails": {
			Fn:          h.getRuleDetails,
			Description: "Returns a rule with its descriptors, evaluator and actions.",
			Params:      ruleID,
			Returns:     map[string]any{"ruleError": "$ref:RuleError", "o:rule": "$ref:Rule"},
		},
		"AddRule": {
			Fn:          h.addRule,
			Description: "Adds a rule. Use eventDescriptor for an event rule, eventDescriptorList with a stateEvaluator operator to combine several events.",
			Params: map[string]any{
				"o:name": "String", "o:enabled": "Bool",
				"o:eventDescriptor": "$ref:EventDescriptor", "o:eventDescriptorList": "$ref:EventDescriptors",
				"o:stateEvaluator": "$ref:StateEvaluator", "actions": "$ref:RuleActions", "o:exitActions": "$ref:RuleActions",
			},
			Returns: map[string]any{"ruleError": "$ref:RuleError", "o:ruleId": "Uuid"},
		},
		"RemoveRule": {
			Fn:          h.removeRule,
			Description: "Removes a rule.",
			Params:      ruleID,
			Returns:     ruleError,
		},
		"EnableRule": {
			Fn:          h.enableRule,
			Description: "Enables a rule.",
			Params:      ruleID,
			Returns:     ruleError,
		},
		"DisableRule": {
			Fn:          h.disableRule,
			Description: "Disables a rule.",
			Params:      ruleID,
			Returns:     ruleError,
		},
		"FindRules": {
			Fn:          h.findRules,
			Description: "Returns the ids of the rules that use a device.",
			Params:      map[string]any{"deviceId": "Uuid"},
			Returns:     map[string]any{"ruleIds": "UuidList"},
		},
		"ExecuteActions": {
			Fn:          h.executeActions,
			Description: "Executes the actions of a rule.",
			Params:      ruleID,
			Returns:     ruleError,
		},
		"ExecuteExitActions": {
			Fn:          h.executeExitActions,
			Description: "Executes the exit actions of a rule.",
			Params:      ruleID,
			Returns:     ruleError,
		},
	}
}

func (h *RulesHandler) Notifications() map[string]jsonrpc.NotificationDesc {
	return map[string]jsonrpc.NotificationDesc{
		"RuleAdded": {
			Description: "Emitted when a rule was added.",
			Params:      map[string]any{"rule": "$ref:Rule"},
		},
		"RuleRemoved": {
			Description: "Emitted when a rule was removed.",
			Params:      map[string]any{"ruleId": "Uuid"},
		},
		"RuleConfigurationChanged": {
			Description: "Emitted when a rule was changed.",
			Params:      map[string]any{"rule": "$ref:Rule"},
		},
		"RuleActiveChanged": {
			Description: "Emitted when a state rule became active or inactive.",
			Params:      map[string]any{"ruleId": "Uuid", "active": "Bool"},
		},
	}
}

func (h *RulesHandler) Types() map[string]any {
	t := make(map[string]any)
	t["RuleError"] = types.RuleErrors()
	t["ValueOperator"] = []rules.ValueOperator{
		rules.ValueOperatorEquals, rules.ValueOperatorNotEquals,
		rules.ValueOperatorLess, rules.ValueOperatorGreater,
		rules.ValueOperatorLessOrEqual, rules.ValueOperatorGreaterOrEqual,
	}
	t["StateOperator"] = []rules.StateOperator{rules.StateOperatorAnd, rules.StateOperatorOr}
	return t
}

// ruleDescription is the short form listed by GetRules.
type ruleDescription struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	Active     bool   `json:"active"`
	Executable bool   `json:"executable"`
}

func (h *RulesHandler) getRules(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	all := h.rules.Rules()
	out := make([]ruleDescription, 0, len(all))
	for _, r := range all {
		out = append(out, ruleDescription{ID: r.ID, Name: r.Name, Enabled: r.Enabled, Active: r.Active, Executable: r.Executable()})
	}
	return jsonrpc.NewReply(map[string]any{"ruleDescriptions": out})
}

func decodeRuleID(call *jsonrpc.Call) (string, *jsonrpc.Reply) {
	var req struct {
		RuleID string `json:"ruleId"`
	}
	if err := call.Decode(&req); err != nil {
		return "", jsonrpc.InvalidParams(err)
	}
	if req.RuleID == "" {
		return "", jsonrpc.NewReply(map[string]any{"ruleError": types.RuleErrorInvalidRuleId})
	}
	return req.RuleID, nil
}

func (h *RulesHandler) getRuleDetails(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	id, reply := decodeRuleID(call)
	if reply != nil {
		return reply
	}
	r, code := h.rules.Rule(id)
	if !code.OK() {
		return jsonrpc.NewReply(map[string]any{"ruleError": code})
	}
	return jsonrpc.NewReply(map[string]any{"ruleError": code, "rule": r})
}

type addRuleParams struct {
	Name                string                  `json:"name"`
	Enabled             *bool                   `json:"enabled"`
	EventDescriptor     *rules.EventDescriptor  `json:"eventDescriptor"`
	EventDescriptorList []rules.EventDescriptor `json:"eventDescriptorList"`
	StateEvaluator      *rules.StateEvaluator   `json:"stateEvaluator"`
	Actions             []rules.RuleAction      `json:"actions"`
	ExitActions         []rules.RuleAction      `json:"exitActions"`
}

func (p addRuleParams) rule() (*rules.Rule, error) {
	if p.EventDescriptor != nil && len(p.EventDescriptorList) > 0 {
		return nil, errors.New("eventDescriptor and eventDescriptorList are exclusive")
	}
	r := &rules.Rule{
		Name:             p.Name,
		Enabled:          p.Enabled == nil || *p.Enabled,
		EventDescriptors: p.EventDescriptorList,
		StateEvaluator:   p.StateEvaluator,
		Actions:          p.Actions,
		ExitActions:      p.ExitActions,
	}
	if p.EventDescriptor != nil {
		r.EventDescriptors = []rules.EventDescriptor{*p.EventDescriptor}
	}
	return r, nil
}

func (h *RulesHandler) addRule(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var p addRuleParams
	if err := call.Decode(&p); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	r, err := p.rule()
	if err != nil {
		return jsonrpc.NewReply(map[string]any{"ruleError": types.RuleErrorInvalidRuleFormat})
	}
	id, code := h.rules.Add(r)
	if !code.OK() {
		return jsonrpc.NewReply(map[string]any{"ruleError": code})
	}
	return jsonrpc.NewReply(map[string]any{"ruleError": code, "ruleId": id})
}

func (h *RulesHandler) removeRule(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	id, reply := decodeRuleID(call)
	if reply != nil {
		return reply
	}
	return jsonrpc.NewReply(map[string]any{"ruleError": h.rules.Remove(id)})
}

func (h *RulesHandler) enableRule(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	id, reply := decodeRuleID(call)
	if reply != nil {
		return reply
	}
	return jsonrpc.NewReply(map[string]any{"ruleError": h.rules.SetEnabled(id, true)})
}

func (h *RulesHandler) disableRule(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	id, reply := decodeRuleID(call)
	if reply != nil {
		return reply
	}
	return jsonrpc.NewReply(map[string]any{"ruleError": h.rules.SetEnabled(id, false)})
}

func (h *RulesHandler) findRules(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if err := require("deviceId", req.DeviceID); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return jsonrpc.NewReply(map[string]any{"ruleIds": h.rules.FindRules(req.DeviceID)})
}

func (h *RulesHandler) executeActions(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	id, reply := decodeRuleID(call)
	if reply != nil {
		return reply
	}
	return jsonrpc.NewReply(map[string]any{"ruleError": h.rules.ExecuteActions(id, false)})
}

func (h *RulesHandler) executeExitActions(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	id, reply := decodeRuleID(call)
	if reply != nil {
		return reply
	}
	return jsonrpc.NewReply(map[string]any{"ruleError": h.rules.ExecuteActions(id, true)})
}
