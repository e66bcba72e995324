// Package workflow implements hierarchical state machines built from YAML
// definitions. States may nest a submachine or run orthogonal regions, and
// every level shares one set of extended variables.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/linkflow/flowguard/internal/machine"
)

var (
	ErrNotRunning       = errors.New("workflow: machine is not running")
	ErrUnknownState     = errors.New("workflow: unknown state")
	ErrEventNotAccepted = errors.New("workflow: event not accepted")
	ErrNilSnapshot      = errors.New("workflow: nil snapshot")
)

// Action runs when a transition fires. An error is returned to the sender
// after the transition has been applied.
type Action func(ctx context.Context, m *Machine) error

// Guard enables a transition when it returns true.
type Guard func(ctx context.Context, m *Machine) bool

type options struct {
	actions map[string]Action
	guards  map[string]Guard
	logger  *slog.Logger
}

// Option configures a Machine built by New.
type Option func(*options)

func WithAction(name string, a Action) Option {
	return func(o *options) { o.actions[name] = a }
}

func WithGuard(name string, g Guard) Option {
	return func(o *options) { o.guards[name] = g }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

type variables struct {
	mu sync.RWMutex
	m  map[string]any
}

type node struct {
	def     StateDef
	sub     *Machine
	regions []*Machine
}

func (n *node) kind() machine.Kind {
	switch {
	case n.sub != nil:
		return machine.KindSubmachine
	case len(n.regions) > 0:
		return machine.KindOrthogonal
	default:
		return machine.KindLeaf
	}
}

// Machine is one level of a hierarchical state machine. The machine returned
// by New is the root; nested levels are reached through its states.
type Machine struct {
	id       string
	instance uuid.UUID
	def      *Definition
	opts     *options
	vars     *variables
	root     bool
	logger   *slog.Logger
	nodes    map[string]*node

	mu         sync.RWMutex
	active     string
	running    bool
	remembered string
}

// New builds a stopped root machine for def. Every guard and action named by
// def must be supplied through opts.
func New(def *Definition, id string, opts ...Option) (*Machine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	o := &options{
		actions: make(map[string]Action),
		guards:  make(map[string]Guard),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	var refErr error
	def.walk(func(d *Definition) {
		for _, t := range d.Transitions {
			if t.Guard != "" && o.guards[t.Guard] == nil {
				refErr = errors.Join(refErr, fmt.Errorf("%w: %q", ErrUnknownGuard, t.Guard))
			}
			for _, a := range t.Actions {
				if o.actions[a] == nil {
					refErr = errors.Join(refErr, fmt.Errorf("%w: %q", ErrUnknownAction, a))
				}
			}
		}
	})
	if refErr != nil {
		return nil, refErr
	}

	m := build(def, id, o, &variables{m: make(map[string]any)})
	m.root = true
	return m, nil
}

func build(def *Definition, id string, o *options, vars *variables) *Machine {
	m := &Machine{
		id:       id,
		instance: uuid.New(),
		def:      def,
		opts:     o,
		vars:     vars,
		logger:   o.logger,
		nodes:    make(map[string]*node, len(def.States)),
	}
	for _, s := range def.States {
		n := &node{def: s}
		if s.Submachine != nil {
			n.sub = build(s.Submachine, s.ID, o, vars)
		}
		for _, r := range s.Regions {
			n.regions = append(n.regions, build(r, r.Name, o, vars))
		}
		m.nodes[s.ID] = n
	}
	return m
}

func (m *Machine) ID() string            { return m.id }
func (m *Machine) InstanceID() uuid.UUID { return m.instance }
func (m *Machine) Name() string          { return m.def.Name }

func (m *Machine) current() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.running
}

func (m *Machine) State() machine.State {
	active, _ := m.current()
	n := m.nodes[active]
	if n == nil {
		return machine.State{ID: active, Kind: machine.KindLeaf}
	}

	s := machine.State{ID: active, Kind: n.kind()}
	switch s.Kind {
	case machine.KindSubmachine:
		s.IDs = append([]string{active}, n.sub.idChain()...)
		s.Submachine = n.sub
	case machine.KindOrthogonal:
		s.Regions = make([]machine.Machine, len(n.regions))
		for i, r := range n.regions {
			s.Regions[i] = r
		}
	}
	return s
}

func (m *Machine) idChain() []string {
	active, _ := m.current()
	if active == "" {
		return nil
	}
	if n := m.nodes[active]; n != nil && n.sub != nil {
		return append([]string{active}, n.sub.idChain()...)
	}
	return []string{active}
}

// ActiveIDs returns the root-to-leaf chain of active state ids.
func (m *Machine) ActiveIDs() []string {
	return m.idChain()
}

func (m *Machine) States() []machine.State {
	var out []machine.State
	for _, sd := range m.def.States {
		n := m.nodes[sd.ID]
		s := machine.State{ID: sd.ID, Kind: n.kind()}
		// a nil *Machine must not become a non-nil interface
		if n.sub != nil {
			s.Submachine = n.sub
		}
		for _, r := range n.regions {
			s.Regions = append(s.Regions, r)
		}
		out = append(out, s)
		if n.sub != nil {
			out = append(out, n.sub.States()...)
		}
	}
	return out
}

func (m *Machine) Variables() map[string]any {
	m.vars.mu.RLock()
	defer m.vars.mu.RUnlock()
	return maps.Clone(m.vars.m)
}

func (m *Machine) Get(key string) (any, bool) {
	m.vars.mu.RLock()
	defer m.vars.mu.RUnlock()
	v, ok := m.vars.m[key]
	return v, ok
}

func (m *Machine) Set(key string, v any) {
	m.vars.mu.Lock()
	defer m.vars.mu.Unlock()
	m.vars.m[key] = v
}

// Int returns the integer variable key, accepting any Go integer type.
func (m *Machine) Int(key string) int64 {
	v, _ := m.Get(key)
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func (m *Machine) History() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remembered, m.def.History
}

func (m *Machine) setRemembered(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remembered = state
}

// Start runs the machine. A machine without an active state enters its
// initial state, or its remembered one when history is enabled.
func (m *Machine) Start(ctx context.Context) error {
	active, running := m.current()
	if running {
		return nil
	}
	if active == "" {
		m.enterDefault(ctx)
		return nil
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	n := m.nodes[active]
	if n == nil {
		return nil
	}
	if n.sub != nil {
		if err := n.sub.Start(ctx); err != nil {
			return err
		}
	}
	for _, r := range n.regions {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts the machine and everything below it, keeping the active
// configuration and history.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.running = false
	active := m.active
	m.mu.Unlock()

	for _, child := range m.children(active) {
		if err := child.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) children(state string) []*Machine {
	n := m.nodes[state]
	if n == nil {
		return nil
	}
	out := slices.Clone(n.regions)
	if n.sub != nil {
		out = append(out, n.sub)
	}
	return out
}

func (m *Machine) enterDefault(ctx context.Context) {
	m.mu.RLock()
	target := m.def.Initial
	if m.def.History && m.remembered != "" && m.nodes[m.remembered] != nil {
		target = m.remembered
	}
	m.mu.RUnlock()
	m.enter(ctx, target)
}

func (m *Machine) enter(ctx context.Context, target string) {
	m.mu.Lock()
	m.active = target
	m.running = true
	m.mu.Unlock()

	for _, child := range m.children(target) {
		child.enterDefault(ctx)
	}
}

func (m *Machine) exit() {
	active, _ := m.current()
	for _, child := range m.children(active) {
		child.exit()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.def.History {
		m.remembered = m.active
	}
	m.active = ""
	m.running = false
}

// clear deactivates m and its descendants without touching history.
func (m *Machine) clear() {
	m.mu.Lock()
	m.active = ""
	m.running = false
	m.mu.Unlock()

	for _, n := range m.nodes {
		if n.sub != nil {
			n.sub.clear()
		}
		for _, r := range n.regions {
			r.clear()
		}
	}
}

// Send dispatches event to the innermost active states first: the active
// submachine, then every active region, then this level's transitions. It
// reports whether any transition fired.
func (m *Machine) Send(ctx context.Context, event string) (bool, error) {
	active, running := m.current()
	if !running {
		return false, fmt.Errorf("%w: %s", ErrNotRunning, m.label())
	}

	if n := m.nodes[active]; n != nil {
		if n.sub != nil {
			handled, err := n.sub.Send(ctx, event)
			if handled || err != nil {
				return handled, err
			}
		}
		if len(n.regions) > 0 {
			var handled bool
			var errs error
			for _, r := range n.regions {
				h, err := r.Send(ctx, event)
				handled = handled || h
				errs = errors.Join(errs, err)
			}
			if handled || errs != nil {
				return handled, errs
			}
		}
	}

	for _, t := range m.def.Transitions {
		if t.Source != active || t.Event != event {
			continue
		}
		if t.Guard != "" && !m.opts.guards[t.Guard](ctx, m) {
			continue
		}
		return true, m.fire(ctx, t)
	}
	return false, nil
}

// Fire sends event and returns ErrEventNotAccepted when nothing handled it.
func (m *Machine) Fire(ctx context.Context, event string) error {
	handled, err := m.Send(ctx, event)
	if err != nil {
		return err
	}
	if !handled {
		return fmt.Errorf("%w: %q in %v", ErrEventNotAccepted, event, m.ActiveIDs())
	}
	return nil
}

func (m *Machine) fire(ctx context.Context, t TransitionDef) error {
	if t.Target != "" {
		active, _ := m.current()
		for _, child := range m.children(active) {
			child.exit()
		}
		m.enter(ctx, t.Target)
		m.logger.Debug("transition",
			slog.String("machine", m.label()),
			slog.String("event", t.Event),
			slog.String("from", t.Source),
			slog.String("to", t.Target),
		)
	}

	for _, name := range t.Actions {
		if err := m.opts.actions[name](ctx, m); err != nil {
			return fmt.Errorf("action %q on %q: %w", name, t.Event, err)
		}
	}
	return nil
}

// AvailableEvents returns the sorted events that would fire a transition
// from the current configuration.
func (m *Machine) AvailableEvents(ctx context.Context) []string {
	set := make(map[string]struct{})
	m.collectEvents(ctx, set)
	events := make([]string, 0, len(set))
	for e := range set {
		events = append(events, e)
	}
	slices.Sort(events)
	return events
}

func (m *Machine) collectEvents(ctx context.Context, set map[string]struct{}) {
	active, running := m.current()
	if !running {
		return
	}
	for _, child := range m.children(active) {
		child.collectEvents(ctx, set)
	}
	for _, t := range m.def.Transitions {
		if t.Source != active {
			continue
		}
		if t.Guard != "" && !m.opts.guards[t.Guard](ctx, m) {
			continue
		}
		set[t.Event] = struct{}{}
	}
}

func (m *Machine) label() string {
	if m.id != "" {
		return m.id
	}
	return m.def.Name
}

var _ machine.Machine = (*Machine)(nil)
