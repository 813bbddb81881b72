// Package pairing drives a thing from discovery through optional pairing
// confirmation to a configured thing.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"thingrpc/internal/types"
)

var (
	// ErrValidation reports a request rejected before anything was sent.
	ErrValidation = errors.New("validation failed")
	// ErrIllegalTransition reports a call that does not fit the current state.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrAborted is returned by operations interrupted by Abort or ctx.
	ErrAborted = errors.New("pairing aborted")
	// ErrNoCandidate is returned by Run when discovery found nothing.
	ErrNoCandidate = errors.New("no candidate found")
)

// State is a step of the pairing flow.
type State int

const (
	Idle State = iota
	Discovering
	CandidateFound
	NoCandidate
	Committing
	AwaitingPairingStart
	AwaitingConfirmation
	Paired
	PairingFailed
	Done
	Aborted
)

var stateNames = [...]string{
	Idle:                 "Idle",
	Discovering:          "Discovering",
	CandidateFound:       "CandidateFound",
	NoCandidate:          "NoCandidate",
	Committing:           "Committing",
	AwaitingPairingStart: "AwaitingPairingStart",
	AwaitingConfirmation: "AwaitingConfirmation",
	Paired:               "Paired",
	PairingFailed:        "PairingFailed",
	Done:                 "Done",
	Aborted:              "Aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

var transitions = map[State][]State{
	Idle:                 {Discovering, Aborted},
	Discovering:          {CandidateFound, NoCandidate, Aborted},
	CandidateFound:       {Committing, AwaitingPairingStart, Aborted},
	Committing:           {Done, PairingFailed, Aborted},
	AwaitingPairingStart: {AwaitingConfirmation, PairingFailed, Aborted},
	AwaitingConfirmation: {Paired, PairingFailed, Aborted},
	Paired:               {Done},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Candidate is a discovered descriptor. Existing candidates are things that
// are already configured and keep their identity when committed.
type Candidate struct {
	types.ThingDescriptor
	Existing bool
}

// PairingStart is the answer to a pairing request.
type PairingStart struct {
	TransactionID  string
	DisplayMessage string
	SetupMethod    types.SetupMethod
	ThingError     types.ThingError
}

// Credentials carry what the user entered for confirmation. Both fields are
// empty for push-button pairing.
type Credentials struct {
	Username string
	Secret   string
}

// API is the remote side of the flow.
type API interface {
	Discover(ctx context.Context, thingClassID string, params types.ParamList) ([]types.ThingDescriptor, types.ThingError, error)
	AddDiscovered(ctx context.Context, thingClassID, descriptorID, name string) (string, types.ThingError, error)
	PairDevice(ctx context.Context, thingClassID, descriptorID, name string) (PairingStart, error)
	ConfirmPairing(ctx context.Context, transactionID, username, secret string) (string, types.ThingError, error)
}

// FailureReason tells the user whether to retry credentials or look at the
// hardware.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonAuthentication
	ReasonSetup
	ReasonOther
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAuthentication:
		return "authentication failure"
	case ReasonSetup:
		return "setup failure"
	default:
		return "other"
	}
}

func reasonOf(code types.ThingError) FailureReason {
	switch code {
	case types.ThingErrorNoError:
		return ReasonNone
	case types.ThingErrorAuthenticationFailure:
		return ReasonAuthentication
	case types.ThingErrorSetupFailed, types.ThingErrorHardwareFailure, types.ThingErrorHardwareNotAvailable:
		return ReasonSetup
	default:
		return ReasonOther
	}
}

// Result is the outcome of a finished flow.
type Result struct {
	ThingID  string
	Existing bool
	Code     types.ThingError
	Reason   FailureReason
	Message  string
}

// DomainError is a failure code answered by the server.
type DomainError struct {
	Op     string
	Code   types.ThingError
	Reason FailureReason
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Code, e.Code.Hint())
}

// Observer sees every transition.
type Observer func(from, to State)

type Option func(*Machine)

func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l.With("component", "pairing") }
}

// Machine runs one pairing flow for one thing class. It is not reusable.
type Machine struct {
	api      API
	class    types.ThingClass
	observer Observer
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	candidates []Candidate
	selected   Candidate
	name       string
	start      PairingStart
	result     Result
	opCancel   context.CancelFunc
}

// New creates a machine in Idle.
func New(api API, class types.ThingClass, opts ...Option) *Machine {
	m := &Machine{api: api, class: class, logger: slog.Default().With("component", "pairing")}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Candidates returns the discovery result.
func (m *Machine) Candidates() []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Candidate(nil), m.candidates...)
}

// Result returns the outcome so far.
func (m *Machine) Result() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// PairingStart returns the transaction of the pairing sub-flow.
func (m *Machine) PairingStart() PairingStart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start
}

func (m *Machine) transitionLocked(to State) (func(), error) {
	from := m.state
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.state = to
	m.logger.Debug("pairing transition", "class", m.class.ID, "from", from, "to", to)
	obs := m.observer
	return func() {
		if obs != nil {
			obs(from, to)
		}
	}, nil
}

// transition moves to `to` if the machine is in one of `from`.
func (m *Machine) transition(to State, from ...State) error {
	m.mu.Lock()
	if len(from) > 0 && !contains(from, m.state) {
		cur := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, to)
	}
	notify, err := m.transitionLocked(to)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	notify()
	return nil
}

func contains(list []State, s State) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// begin moves to `to` and returns a ctx for the remote call that Abort cancels.
func (m *Machine) begin(ctx context.Context, to State, from State) (context.Context, error) {
	opCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.state != from {
		cur := m.state
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, to)
	}
	notify, err := m.transitionLocked(to)
	if err != nil {
		m.mu.Unlock()
		cancel()
		return nil, err
	}
	m.opCancel = cancel
	m.mu.Unlock()
	notify()
	return opCtx, nil
}

// end finishes a remote call. It reports ErrAborted if Abort ran meanwhile,
// and aborts the flow if the call failed.
func (m *Machine) end(err error) error {
	m.mu.Lock()
	if m.opCancel != nil {
		m.opCancel()
		m.opCancel = nil
	}
	aborted := m.state == Aborted
	m.mu.Unlock()
	if aborted {
		return ErrAborted
	}
	if err != nil {
		m.Abort()
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return nil
}

// Discover asks for candidates. Params are validated against the class's
// discovery param types first; on failure nothing is sent and the machine
// stays Idle.
func (m *Machine) Discover(ctx context.Context, params types.ParamList) ([]Candidate, error) {
	if !m.class.Supports(types.CreateMethodDiscovery) {
		return nil, fmt.Errorf("%w: class %q does not support discovery", ErrValidation, m.class.Name)
	}
	validated, err := m.class.DiscoveryParamTypes.Validate(params, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	opCtx, err := m.begin(ctx, Discovering, Idle)
	if err != nil {
		return nil, err
	}
	descriptors, code, err := m.api.Discover(opCtx, m.class.ID, validated)
	if err := m.end(err); err != nil {
		return nil, err
	}

	if !code.OK() {
		m.mu.Lock()
		m.result = Result{Code: code, Reason: reasonOf(code)}
		m.mu.Unlock()
		if err := m.transition(NoCandidate); err != nil {
			return nil, err
		}
		return nil, &DomainError{Op: "discover", Code: code, Reason: reasonOf(code)}
	}

	candidates := make([]Candidate, 0, len(descriptors))
	for _, d := range descriptors {
		candidates = append(candidates, Candidate{ThingDescriptor: d, Existing: d.ThingID != ""})
	}
	m.mu.Lock()
	m.candidates = candidates
	m.mu.Unlock()

	if len(candidates) == 0 {
		return nil, m.transition(NoCandidate)
	}
	if err := m.transition(CandidateFound); err != nil {
		return nil, err
	}
	return candidates, nil
}

// Select picks one of the discovered candidates. An empty name defaults to
// the candidate's title.
func (m *Machine) Select(c Candidate, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != CandidateFound {
		return fmt.Errorf("%w: select in %s", ErrIllegalTransition, m.state)
	}
	for _, cand := range m.candidates {
		if cand.ID == c.ID {
			if name == "" {
				name = cand.Title
			}
			m.selected = cand
			m.name = name
			return nil
		}
	}
	return fmt.Errorf("%w: descriptor %q was not discovered", ErrValidation, c.ID)
}

// Commit adds the selected candidate. JustAdd classes finish in Done; other
// setup methods start pairing and wait in AwaitingConfirmation.
func (m *Machine) Commit(ctx context.Context) error {
	m.mu.Lock()
	sel, name := m.selected, m.name
	m.mu.Unlock()
	if sel.ID == "" {
		return fmt.Errorf("%w: no candidate selected", ErrValidation)
	}

	if m.class.SetupMethod == types.SetupMethodJustAdd || m.class.SetupMethod == "" {
		opCtx, err := m.begin(ctx, Committing, CandidateFound)
		if err != nil {
			return err
		}
		thingID, code, err := m.api.AddDiscovered(opCtx, m.class.ID, sel.ID, name)
		if err := m.end(err); err != nil {
			return err
		}
		return m.finish("add", thingID, code, "")
	}

	opCtx, err := m.begin(ctx, AwaitingPairingStart, CandidateFound)
	if err != nil {
		return err
	}
	start, err := m.api.PairDevice(opCtx, m.class.ID, sel.ID, name)
	if err := m.end(err); err != nil {
		return err
	}
	if start.ThingError != "" && !start.ThingError.OK() {
		return m.fail("pair", start.ThingError, start.DisplayMessage)
	}
	if start.SetupMethod == "" {
		start.SetupMethod = m.class.SetupMethod
	}
	m.mu.Lock()
	m.start = start
	m.mu.Unlock()
	return m.transition(AwaitingConfirmation)
}

// Confirm completes the pairing sub-flow with the user's credentials.
func (m *Machine) Confirm(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	if m.state != AwaitingConfirmation {
		cur := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: confirm in %s", ErrIllegalTransition, cur)
	}
	txn := m.start.TransactionID
	opCtx, cancel := context.WithCancel(ctx)
	m.opCancel = cancel
	m.mu.Unlock()

	thingID, code, err := m.api.ConfirmPairing(opCtx, txn, creds.Username, creds.Secret)
	if err := m.end(err); err != nil {
		return err
	}
	if !code.OK() {
		return m.fail("confirm pairing", code, "")
	}
	if err := m.transition(Paired); err != nil {
		return err
	}
	return m.finish("confirm pairing", thingID, code, "")
}

func (m *Machine) finish(op, thingID string, code types.ThingError, msg string) error {
	if !code.OK() {
		return m.fail(op, code, msg)
	}
	m.mu.Lock()
	m.result = Result{ThingID: thingID, Existing: m.selected.Existing, Code: code}
	m.mu.Unlock()
	return m.transition(Done)
}

func (m *Machine) fail(op string, code types.ThingError, msg string) error {
	reason := reasonOf(code)
	m.mu.Lock()
	m.result = Result{Code: code, Reason: reason, Message: msg}
	m.mu.Unlock()
	if err := m.transition(PairingFailed); err != nil {
		return err
	}
	m.logger.Info("pairing failed", "class", m.class.ID, "op", op, "code", code, "reason", reason)
	return &DomainError{Op: op, Code: code, Reason: reason}
}

// Abort ends the flow from any non-terminal state and cancels an in-flight
// remote call. It is a no-op in a terminal state.
func (m *Machine) Abort() {
	m.mu.Lock()
	if m.state.Terminal() || !CanTransition(m.state, Aborted) {
		m.mu.Unlock()
		return
	}
	if m.opCancel != nil {
		m.opCancel()
	}
	notify, _ := m.transitionLocked(Aborted)
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Chooser picks a candidate and a name for the new thing.
type Chooser func(ctx context.Context, candidates []Candidate) (Candidate, string, error)

// Confirmer obtains credentials for the pairing transaction. For push-button
// pairing it blocks until the user pressed the button.
type Confirmer func(ctx context.Context, start PairingStart) (Credentials, error)

// Run drives the whole flow. It returns the final Result; err is nil only
// when the machine reached Done.
func (m *Machine) Run(ctx context.Context, params types.ParamList, choose Chooser, confirm Confirmer) (Result, error) {
	candidates, err := m.Discover(ctx, params)
	if err != nil {
		return m.Result(), err
	}
	if len(candidates) == 0 {
		return m.Result(), ErrNoCandidate
	}

	cand, name, err := choose(ctx, candidates)
	if err != nil {
		m.Abort()
		return m.Result(), fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if err := m.Select(cand, name); err != nil {
		m.Abort()
		return m.Result(), err
	}
	if err := m.Commit(ctx); err != nil {
		return m.Result(), err
	}
	if m.State() == Done {
		return m.Result(), nil
	}

	creds, err := confirm(ctx, m.PairingStart())
	if err != nil {
		m.Abort()
		return m.Result(), fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if err := m.Confirm(ctx, creds); err != nil {
		return m.Result(), err
	}
	return m.Result(), nil
}
