package web

import (
	"net/http"

	"thingrpc/internal/types"
)

type ruleSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	Active     bool   `json:"active"`
	Executable bool   `json:"executable"`
}

func (s *Server) handleAPIListRules(w http.ResponseWriter, r *http.Request) {
	list := s.rules.Rules()
	out := make([]ruleSummary, 0, len(list))
	for _, rule := range list {
		out = append(out, ruleSummary{
			ID:         rule.ID,
			Name:       rule.Name,
			Enabled:    rule.Enabled,
			Active:     rule.Active,
			Executable: rule.Executable(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetRule(w http.ResponseWriter, r *http.Request) {
	rule, code := s.rules.Rule(r.PathValue("id"))
	if !code.OK() {
		s.writeRuleError(w, code)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleAPIEnableRule(w http.ResponseWriter, r *http.Request) {
	s.writeRuleResult(w, s.rules.SetEnabled(r.PathValue("id"), true))
}

func (s *Server) handleAPIDisableRule(w http.ResponseWriter, r *http.Request) {
	s.writeRuleResult(w, s.rules.SetEnabled(r.PathValue("id"), false))
}

// handleAPIRunRule runs the actions of a rule, or its exit actions with
// ?exit=true.
func (s *Server) handleAPIRunRule(w http.ResponseWriter, r *http.Request) {
	exit := r.URL.Query().Get("exit") == "true"
	s.writeRuleResult(w, s.rules.ExecuteActions(r.PathValue("id"), exit))
}

func (s *Server) writeRuleResult(w http.ResponseWriter, code types.RuleError) {
	if !code.OK() {
		s.writeRuleError(w, code)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ruleError": code})
}

func (s *Server) writeRuleError(w http.ResponseWriter, code types.RuleError) {
	status := http.StatusUnprocessableEntity
	switch code {
	case types.RuleErrorRuleNotFound:
		status = http.StatusNotFound
	case types.RuleErrorInvalidRuleId:
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]any{"ruleError": code, "error": code.Hint()})
}
