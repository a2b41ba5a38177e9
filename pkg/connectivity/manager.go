// Package connectivity decides when a node is connected to its peers.
//
// A Manager owns one client role and an optional server role. It starts as a
// client only. If no connection forms within the (jittered) discovery
// timeout, it also starts the server, so that of two nodes booting together
// one ends up serving and the other finds it. Every role start adds that
// role's weight to a quorum threshold; the node is connected while the sum of
// the roles' live connection counts reaches the threshold. Losing quorum
// stops all roles and starts the search again.
package connectivity

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"autolink/pkg/events"
	"autolink/pkg/observability"
	"autolink/pkg/role"
)

const (
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultRandFactor       = 0.25
)

// Quorum weights per started role. A node acting as client and server needs
// its own outbound connection plus two inbound ones.
const (
	clientWeight = 1
	serverWeight = 2
)

type Option func(*Manager)

func WithDiscoveryTimeout(d time.Duration) Option {
	return func(m *Manager) { m.baseTimeout = d }
}

// WithRandomFactor sets f so the effective timeout is drawn from
// [T*(1-f), T*(1+f)].
func WithRandomFactor(f float64) Option {
	return func(m *Manager) { m.randFactor = f }
}

// WithoutRandomization uses the discovery timeout as given.
func WithoutRandomization() Option {
	return func(m *Manager) { m.randomize = false }
}

// WithRand sets the source used for jitter.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rnd = r.Float64 }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager runs the connectivity state machine.
//
// StateChanged and DataReceived handlers run on internal goroutines and must
// not block. They may call State and Send but not Start or Stop.
type Manager struct {
	client role.Role
	server role.Role

	log         *zap.Logger
	metrics     *observability.Metrics
	baseTimeout time.Duration
	randFactor  float64
	randomize   bool
	rnd         func() float64
	timeout     time.Duration

	stateChanged events.Event[State]
	current      atomic.Int32

	// mu serializes trigger application and guards everything below it.
	mu        sync.Mutex
	state     State
	roleCtx   context.Context
	threshold int
	counts    map[string]int
	subs      map[role.Role]events.Subscription
	timer     *time.Timer
	timerGen  uint64
	stopDone  chan struct{}

	// emitMu is taken before mu is released so state notifications keep the
	// order of the transitions that caused them.
	emitMu sync.Mutex
}

// New builds a manager. server may be nil for a client-only node.
func New(client, server role.Role, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	m := &Manager{
		client:      client,
		server:      server,
		baseTimeout: DefaultDiscoveryTimeout,
		randFactor:  DefaultRandFactor,
		randomize:   true,
		rnd:         rand.Float64,
		counts:      map[string]int{role.ClientName: 0, role.ServerName: 0},
		subs:        make(map[role.Role]events.Subscription),
		roleCtx:     context.Background(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = zap.L().Named("connectivity")
	}
	m.timeout = m.baseTimeout
	if m.randomize {
		m.timeout = jitter(m.baseTimeout, m.randFactor, m.rnd)
	}
	m.log.Debug("discovery timeout", zap.Duration("timeout", m.timeout))
	return m, nil
}

// jitter draws uniformly from [base*(1-f), base*(1+f)].
func jitter(base time.Duration, f float64, rnd func() float64) time.Duration {
	lo := float64(base) * (1 - f)
	hi := float64(base) * (1 + f)
	return time.Duration(lo + rnd()*(hi-lo))
}

// DiscoveryTimeout returns the effective timeout after jitter.
func (m *Manager) DiscoveryTimeout() time.Duration { return m.timeout }

// State returns the current state.
func (m *Manager) State() State { return State(m.current.Load()) }

// StateChanged fires after every transition with the new state.
func (m *Manager) StateChanged() *events.Event[State] { return &m.stateChanged }

// DataReceived is the client's inbound payload event.
func (m *Manager) DataReceived() *events.Event[[]byte] { return m.client.DataReceived() }

// Start leaves Initialized and begins searching. It is ignored in any other
// state. Roles run until Stop; ctx only carries values to them.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state == Initialized {
		m.roleCtx = context.WithoutCancel(ctx)
	}
	m.fireAndUnlock(trigStart)
}

// Stop stops every role and waits until the manager is back in Initialized.
// It is safe to call at any time and from several goroutines. If ctx expires
// first, teardown continues in the background and ctx's error is returned.
func (m *Manager) Stop(ctx context.Context) error {
	for {
		m.mu.Lock()
		var done chan struct{}
		switch m.state {
		case Initialized:
			m.mu.Unlock()
			return nil
		case Searching, Connected:
			m.fireAndUnlock(trigStop)
			continue
		default:
			done = m.stopDone
			m.mu.Unlock()
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send queues payload on the client connection. Outside Connected it logs a
// warning and returns ErrNotConnected.
func (m *Manager) Send(payload []byte) error {
	if st := m.State(); st != Connected {
		m.log.Warn("must be connected to send data", zap.Stringer("state", st))
		return ErrNotConnected
	}
	return m.client.Send(payload)
}

// fireAndUnlock applies t with mu held, releases mu and then notifies
// subscribers if the state changed.
func (m *Manager) fireAndUnlock(t trigger) {
	from := m.state
	to, changed := m.applyLocked(t)
	if !changed {
		m.mu.Unlock()
		return
	}
	m.emitMu.Lock()
	m.mu.Unlock()
	m.log.Info("state changed", zap.Stringer("from", from), zap.Stringer("to", to), zap.Stringer("trigger", t))
	m.stateChanged.Emit(to)
	m.emitMu.Unlock()
}

func (m *Manager) applyLocked(t trigger) (State, bool) {
	from := m.state
	to, ok := next(t, from)
	if !ok {
		m.log.Debug("trigger ignored", zap.Stringer("trigger", t), zap.Stringer("state", from))
		return from, false
	}
	m.exitLocked(from)
	m.state = to
	m.current.Store(int32(to))
	m.metrics.ObserveTransition(from.String(), to.String())
	m.enterLocked(to)
	return to, true
}

func (m *Manager) enterLocked(s State) {
	switch s {
	case Searching:
		m.startRoleLocked(m.client, clientWeight)
		m.armTimerLocked()
	case Disconnecting, Stopping:
		done := make(chan struct{})
		m.stopDone = done
		go m.stopProcess(done)
	}
}

func (m *Manager) exitLocked(s State) {
	if s == Searching {
		m.disarmTimerLocked()
	}
}

func (m *Manager) armTimerLocked() {
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(m.timeout, func() { m.discoveryTimeout(gen) })
}

func (m *Manager) disarmTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) discoveryTimeout(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Searching || gen != m.timerGen {
		return
	}
	m.timer = nil
	if m.server == nil {
		m.log.Debug("discovery timeout, no server role to start")
		return
	}
	m.log.Info("discovery timeout, starting server", zap.Duration("timeout", m.timeout))
	m.startRoleLocked(m.server, serverWeight)
}

func (m *Manager) startRoleLocked(r role.Role, weight int) {
	if r == nil {
		return
	}
	name := r.Name()
	if r.IsRunning() {
		m.log.Debug("role already started", zap.String("role", name))
		return
	}
	m.counts[name] = 0
	m.threshold += weight
	m.subs[r] = r.ConnectionChanged().Subscribe(m.connectionChanged)
	if err := r.Start(m.roleCtx); err != nil {
		m.log.Error("role start failed", zap.String("role", name), zap.Error(err))
		r.ConnectionChanged().Unsubscribe(m.subs[r])
		delete(m.subs, r)
		m.threshold -= weight
		return
	}
	m.metrics.ObserveThreshold(m.threshold)
	m.log.Debug("role started", zap.String("role", name), zap.Int("threshold", m.threshold))
}

// stopProcess stops the client before the server so the node does not
// rediscover a server that is itself going away.
func (m *Manager) stopProcess(done chan struct{}) {
	m.stopRole(m.client)
	m.stopRole(m.server)

	m.mu.Lock()
	m.threshold = 0
	for k := range m.counts {
		m.counts[k] = 0
	}
	m.metrics.ObserveThreshold(0)
	m.stopDone = nil
	m.fireAndUnlock(trigStopped)
	close(done)
}

func (m *Manager) stopRole(r role.Role) {
	if r == nil {
		return
	}
	m.mu.Lock()
	sub, started := m.subs[r]
	ctx := m.roleCtx
	m.mu.Unlock()
	if !started {
		return
	}
	if err := r.Stop(ctx); err != nil {
		m.log.Error("role stop failed", zap.String("role", r.Name()), zap.Error(err))
	}
	m.mu.Lock()
	r.ConnectionChanged().Unsubscribe(sub)
	delete(m.subs, r)
	m.mu.Unlock()
	m.log.Debug("role stopped", zap.String("role", r.Name()))
}

// connectionChanged is the quorum test run on every role count update.
func (m *Manager) connectionChanged(c role.ConnectionCount) {
	m.mu.Lock()
	if m.threshold == 0 {
		err := &InvariantError{Role: c.Role, Count: c.Count, State: m.state}
		m.mu.Unlock()
		m.metrics.ObserveViolation()
		m.log.Error("connection count without threshold", zap.Error(err))
		panic(err)
	}
	m.counts[c.Role] = c.Count
	m.metrics.ObserveConnections(c.Role, c.Count)
	total := 0
	for _, n := range m.counts {
		total += n
	}
	m.log.Debug("connection changed",
		zap.String("role", c.Role), zap.Int("count", c.Count),
		zap.Int("total", total), zap.Int("threshold", m.threshold))

	switch {
	case total >= m.threshold && m.state != Connected:
		m.fireAndUnlock(trigConnected)
	case total < m.threshold && m.state == Connected:
		m.fireAndUnlock(trigDisconnected)
	default:
		m.mu.Unlock()
	}
}
