package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"thingrpc/internal/metrics"
	"thingrpc/internal/rules"
	"thingrpc/internal/store"
	"thingrpc/internal/types"
)

// ruleActionTimeout bounds one action fired by a rule.
const ruleActionTimeout = 30 * time.Second

// ActionExecutor runs actions on things.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, a types.Action) Outcome
}

// ThingSource is what the rule service needs to know about things.
type ThingSource interface {
	rules.Catalog
	rules.StateSource
	ActionExecutor
}

// RuleService keeps the rule engine, its persistence and the execution of
// fired actions together.
type RuleService struct {
	engine  *rules.Engine
	things  ThingSource
	store   store.Store
	bus     *EventBus
	metrics *metrics.Protocol
	logger  *slog.Logger

	wg    sync.WaitGroup
	unsub []func()
}

// NewRuleService creates the service. metrics may be nil.
func NewRuleService(things ThingSource, st store.Store, bus *EventBus, m *metrics.Protocol, logger *slog.Logger) *RuleService {
	return &RuleService{
		engine:  rules.NewEngine(logger),
		things:  things,
		store:   st,
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "rules"),
	}
}

// Start restores the stored rules and subscribes to thing events.
func (s *RuleService) Start() error {
	stored, err := s.store.ListRules()
	if err != nil {
		return err
	}
	s.engine.Restore(stored)
	s.unsub = append(s.unsub,
		s.bus.On(EventEventTriggered, func(e Event) {
			if d, isEvent := e.Data.(EventTriggered); isEvent {
				s.execute(s.engine.Evaluate(d.Event, s.things))
			}
		}),
		s.bus.On(EventStateChanged, func(Event) {
			s.execute(s.engine.EvaluateStates(s.things))
		}),
	)
	return nil
}

// Stop unsubscribes and waits for running actions.
func (s *RuleService) Stop() {
	for _, u := range s.unsub {
		u()
	}
	s.unsub = nil
	s.wg.Wait()
}

// execute runs fired actions off the caller's goroutine; events arrive on
// integration workers that the actions may need.
func (s *RuleService) execute(firings []rules.Firing) {
	for _, f := range firings {
		if f.Exit || f.Active {
			s.activeChanged(f.RuleID, f.Active)
		}
		if len(f.Actions) == 0 {
			continue
		}
		s.wg.Add(1)
		go func(f rules.Firing) {
			defer s.wg.Done()
			s.runActions(f.RuleID, f.Actions)
		}(f)
	}
}

func (s *RuleService) runActions(ruleID string, actions []types.Action) {
	for _, a := range actions {
		ctx, cancel := context.WithTimeout(context.Background(), ruleActionTimeout)
		out := s.things.ExecuteAction(ctx, a)
		cancel()
		if out.OK() {
			s.metrics.RuleExecuted("ok")
			s.logger.Debug("rule action executed", "rule", ruleID, "thing", a.ThingID, "action", a.ActionTypeID)
			continue
		}
		s.metrics.RuleExecuted("failed")
		s.logger.Warn("rule action failed", "rule", ruleID, "thing", a.ThingID, "action", a.ActionTypeID, "code", out.Code, "msg", out.Message)
	}
}

func (s *RuleService) activeChanged(id string, active bool) {
	if r, found := s.engine.Get(id); found {
		s.save(r)
	}
	s.bus.Emit(Event{Type: EventRuleActiveChanged, Data: RuleActiveChanged{RuleID: id, Active: active}})
}

func (s *RuleService) save(r *rules.Rule) {
	if err := s.store.SaveRule(r); err != nil {
		s.logger.Error("save rule", "rule", r.ID, "err", err)
	}
}

// CascadeThingRemoval strips a removed thing out of every rule. Rules left
// without triggers or actions are removed. It runs only on an explicit
// cascade request; rules are never changed behind the user's back.
func (s *RuleService) CascadeThingRemoval(thingID string) {
	changed, removed := s.engine.RemoveThing(thingID)
	for _, id := range changed {
		if r, found := s.engine.Get(id); found {
			s.save(r)
			s.bus.Emit(Event{Type: EventRuleConfigChanged, Data: RuleChanged{Rule: r}})
		}
	}
	for _, id := range removed {
		s.deleteStored(id)
		s.bus.Emit(Event{Type: EventRuleRemoved, Data: RuleRemoved{RuleID: id}})
	}
}

func (s *RuleService) deleteStored(id string) {
	if err := s.store.DeleteRule(id); err != nil {
		s.logger.Error("delete rule", "rule", id, "err", err)
	}
}

// Rules returns every rule in insertion order.
func (s *RuleService) Rules() []*rules.Rule { return s.engine.Rules() }

// Rule returns one rule.
func (s *RuleService) Rule(id string) (*rules.Rule, types.RuleError) {
	r, found := s.engine.Get(id)
	if !found {
		return nil, types.RuleErrorRuleNotFound
	}
	return r, types.RuleErrorNoError
}

// FindRules returns the ids of the rules that use thingID.
func (s *RuleService) FindRules(thingID string) []string { return s.engine.FindRules(thingID) }

// Add validates and stores a rule. State rules are evaluated right away so
// a rule whose conditions already hold becomes active.
func (s *RuleService) Add(r *rules.Rule) (string, types.RuleError) {
	if err := rules.Validate(r, s.things); err != nil {
		s.logger.Info("rule rejected", "name", r.Name, "err", err)
		return "", rules.CodeOf(err)
	}
	id, err := s.engine.Add(r)
	if err != nil {
		return "", rules.CodeOf(err)
	}
	stored, _ := s.engine.Get(id)
	s.save(stored)
	s.bus.Emit(Event{Type: EventRuleAdded, Data: RuleChanged{Rule: stored}})
	s.execute(s.engine.EvaluateStates(s.things))
	return id, types.RuleErrorNoError
}

// Remove deletes a rule.
func (s *RuleService) Remove(id string) types.RuleError {
	if !s.engine.Remove(id) {
		return types.RuleErrorRuleNotFound
	}
	s.deleteStored(id)
	s.bus.Emit(Event{Type: EventRuleRemoved, Data: RuleRemoved{RuleID: id}})
	return types.RuleErrorNoError
}

// SetEnabled enables or disables a rule.
func (s *RuleService) SetEnabled(id string, enabled bool) types.RuleError {
	if !s.engine.SetEnabled(id, enabled) {
		return types.RuleErrorRuleNotFound
	}
	r, _ := s.engine.Get(id)
	s.save(r)
	s.bus.Emit(Event{Type: EventRuleConfigChanged, Data: RuleChanged{Rule: r}})
	if enabled {
		s.execute(s.engine.EvaluateStates(s.things))
	}
	return types.RuleErrorNoError
}

// ExecuteActions runs the actions, or the exit actions, of a rule by hand.
func (s *RuleService) ExecuteActions(id string, exit bool) types.RuleError {
	actions, code := s.engine.ActionsOf(id, exit)
	if !code.OK() {
		return code
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runActions(id, actions)
	}()
	return types.RuleErrorNoError
}
