// Package network implements the connection manager: the set of live circuits, the current circuit,
// the message handler registry, silence sweeps and session-level logout.
//
// A Manager is an explicit, owned object; nothing in this package is global.
package network

import (
	"context"
	"errors"
	"maps"
	"net/netip"
	"os"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rflandau/lludp"
	"github.com/rflandau/lludp/circuit"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/metrics"
	"github.com/rs/zerolog"
)

// A Manager owns every circuit of one session.
// Construct with New and release with Close.
type Manager struct {
	log           *zerolog.Logger
	codec         *message.Codec
	metrics       *metrics.Metrics
	agentID       uuid.UUID
	sessionID     uuid.UUID
	circuitOpts   []circuit.Option
	sweepInterval time.Duration
	logoutTimeout time.Duration
	noBuiltins    bool

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
	defaults   []Handler

	hooksMu               sync.RWMutex
	onCircuitDisconnected []func(*circuit.Circuit, circuit.DisconnectReason)
	onDisconnected        []func(circuit.DisconnectReason, string)

	mu       sync.Mutex
	circuits map[netip.AddrPort]*circuit.Circuit
	current  *circuit.Circuit

	waitersMu sync.Mutex
	waiters   []*waiter

	online atomic.Bool // a circuit has connected since the last shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a manager with the built-in handlers registered and its silence sweep running.
func New(opts ...Option) *Manager {
	m := &Manager{
		sweepInterval: DefaultSweepInterval,
		logoutTimeout: DefaultLogoutTimeout,
		handlers:      make(map[string][]Handler),
		circuits:      make(map[netip.AddrPort]*circuit.Circuit),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("component", "network").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		m.log = &l
	}
	if m.codec == nil {
		m.codec = message.NewCodec(nil, message.WithLogger(m.log))
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	if !m.noBuiltins {
		m.registerBuiltins()
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.sweepInterval > 0 {
		go m.sweeper()
	}
	return m
}

//#region handlers

// A Handler processes inbound messages of the types it is registered for.
// Handlers run on the receiving circuit's goroutine; they must not block on further inbound traffic (use WaitFor from another goroutine).
type Handler interface {
	Handle(m *message.Message, c *circuit.Circuit)
}

// HandlerFunc adapts a function to a Handler.
// Function values cannot be compared, so a HandlerFunc can only be unregistered through the func returned by RegisterFunc.
type HandlerFunc func(m *message.Message, c *circuit.Circuit)

func (f HandlerFunc) Handle(m *message.Message, c *circuit.Circuit) { f(m, c) }

// sameHandler compares handlers where their dynamic types allow it.
func sameHandler(a, b Handler) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Register adds h to the handlers of the named message type.
// Registering the same (comparable) handler twice is a no-op.
func (m *Manager) Register(name string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if slices.ContainsFunc(m.handlers[name], func(x Handler) bool { return sameHandler(x, h) }) {
		return
	}
	m.handlers[name] = append(m.handlers[name], h)
}

// RegisterFunc registers f for the named message type and returns a function that unregisters it.
// The returned function is idempotent.
func (m *Manager) RegisterFunc(name string, f func(*message.Message, *circuit.Circuit)) (unregister func()) {
	h := &funcHandler{f: f}
	m.Register(name, h)
	return func() { m.Unregister(name, h) }
}

type funcHandler struct {
	f func(*message.Message, *circuit.Circuit)
}

func (h *funcHandler) Handle(msg *message.Message, c *circuit.Circuit) { h.f(msg, c) }

// Unregister removes h from the handlers of the named message type.
// Removing a handler or type that is not registered is a no-op.
func (m *Manager) Unregister(name string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	hs := m.handlers[name]
	i := slices.IndexFunc(hs, func(x Handler) bool { return sameHandler(x, h) })
	if i < 0 {
		m.log.Debug().Str("message", name).Msg("unregister of a handler that is not registered")
		return
	}
	hs = slices.Delete(slices.Clone(hs), i, i+1)
	if len(hs) == 0 {
		delete(m.handlers, name)
	} else {
		m.handlers[name] = hs
	}
}

// RegisterDefault adds a catch-all handler, called for every inbound message after its type's handlers.
func (m *Manager) RegisterDefault(h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if slices.ContainsFunc(m.defaults, func(x Handler) bool { return sameHandler(x, h) }) {
		return
	}
	m.defaults = append(m.defaults, h)
}

// UnregisterDefault removes a catch-all handler. Removing one that is not registered is a no-op.
func (m *Manager) UnregisterDefault(h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if i := slices.IndexFunc(m.defaults, func(x Handler) bool { return sameHandler(x, h) }); i >= 0 {
		m.defaults = slices.Delete(slices.Clone(m.defaults), i, i+1)
	}
}

// Handlers returns the number of handlers registered for the named type.
func (m *Manager) Handlers(name string) int {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	return len(m.handlers[name])
}

// dispatch is every circuit's Dispatcher. Handlers are snapshotted under a read lock and called without it,
// so handlers may register or unregister freely.
func (m *Manager) dispatch(msg *message.Message, c *circuit.Circuit) {
	m.handlersMu.RLock()
	hs := append(slices.Clone(m.handlers[msg.Name]), m.defaults...)
	m.handlersMu.RUnlock()

	for _, h := range hs {
		m.call(h, msg, c)
	}
	m.wake(msg, c)
}

func (m *Manager) call(h Handler, msg *message.Message, c *circuit.Circuit) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.HandlerPanics.Inc()
			m.log.Error().Interface("recovered", r).Str("message", msg.Name).Str("peer", c.Peer().String()).Msg("handler panicked")
		}
	}()
	h.Handle(msg, c)
}

//#endregion handlers

//#region notifications

// OnCircuitDisconnected adds a function called whenever a circuit of this manager disconnects.
func (m *Manager) OnCircuitDisconnected(f func(*circuit.Circuit, circuit.DisconnectReason)) {
	m.hooksMu.Lock()
	m.onCircuitDisconnected = append(m.onCircuitDisconnected, f)
	m.hooksMu.Unlock()
}

// OnDisconnected adds a function called once the whole session is down, with the reason and any message from the peer.
func (m *Manager) OnDisconnected(f func(circuit.DisconnectReason, string)) {
	m.hooksMu.Lock()
	m.onDisconnected = append(m.onDisconnected, f)
	m.hooksMu.Unlock()
}

//#endregion notifications

//#region circuits

// Current returns the current circuit, or nil.
func (m *Manager) Current() *circuit.Circuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Circuit returns the live circuit to peer, or nil.
func (m *Manager) Circuit(peer netip.AddrPort) *circuit.Circuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.circuits[peer]
}

// Circuits returns every live circuit.
func (m *Manager) Circuits() []*circuit.Circuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Collect(maps.Values(m.circuits))
}

// Connect opens a circuit to peer and presents code in a UseCircuitCode handshake.
// If makeCurrent, the previous current circuit is disconnected and the new one takes its place.
// On failure the circuit is torn down and (nil, err) returned; it is up to the caller whether that fails anything larger.
// Connecting to a peer that already has a live circuit returns that circuit.
func (m *Manager) Connect(ctx context.Context, peer netip.AddrPort, code uint32, makeCurrent bool) (*circuit.Circuit, error) {
	m.mu.Lock()
	if existing := m.circuits[peer]; existing != nil && existing.State() < circuit.Disconnecting {
		m.mu.Unlock()
		if makeCurrent {
			m.promote(existing)
		}
		return existing, nil
	}
	m.mu.Unlock()

	l := m.log.With().Str("peer", peer.String()).Uint32("code", code).Logger()
	opts := append(slices.Clone(m.circuitOpts),
		circuit.WithLogger(&l),
		circuit.WithCodec(m.codec),
		circuit.WithMetrics(m.metrics),
		circuit.WithDispatcher(m.dispatch),
		circuit.WithOnClose(m.circuitClosed),
	)
	c, err := circuit.New(peer, code, opts...)
	if err != nil {
		m.log.Warn().Err(err).Str("peer", peer.String()).Msg("failed to open circuit")
		return nil, err
	}
	m.mu.Lock()
	m.circuits[c.Peer()] = c
	m.mu.Unlock()

	hs := message.New(message.UseCircuitCode).Add("CircuitCode", message.Block{
		"Code": code, "SessionID": m.sessionID, "ID": m.agentID,
	})
	if err := c.Handshake(ctx, hs); err != nil {
		c.Close(circuit.NetworkTimeout) // no-op if the handshake already closed it
		m.log.Warn().Err(err).Str("peer", peer.String()).Msg("handshake failed")
		return nil, err
	}
	m.online.Store(true)
	if makeCurrent {
		m.promote(c)
	}
	m.log.Info().Func(c.Zerolog).Bool("current", makeCurrent).Msg("circuit connected")
	return c, nil
}

// promote makes c current, first disconnecting the circuit it replaces.
func (m *Manager) promote(c *circuit.Circuit) {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil && prev != c {
		m.Disconnect(prev, circuit.ClientInitiated)
	}
	m.mu.Lock()
	m.current = c
	m.mu.Unlock()
}

// Disconnect tears down c. The circuit-disconnected notification fires and c leaves the live set.
// Disconnecting the current circuit leaves the manager with no current circuit but does not end the session.
func (m *Manager) Disconnect(c *circuit.Circuit, reason circuit.DisconnectReason) {
	if !c.Close(reason) {
		m.log.Debug().Str("peer", c.Peer().String()).Msg("circuit already disconnected")
	}
}

// circuitClosed is every circuit's close hook.
func (m *Manager) circuitClosed(c *circuit.Circuit, reason circuit.DisconnectReason) {
	m.mu.Lock()
	if m.circuits[c.Peer()] == c {
		delete(m.circuits, c.Peer())
	}
	if m.current == c {
		m.current = nil
	}
	m.mu.Unlock()

	m.log.Info().Str("peer", c.Peer().String()).Str("reason", reason.String()).Msg("circuit disconnected")
	m.hooksMu.RLock()
	hooks := slices.Clone(m.onCircuitDisconnected)
	m.hooksMu.RUnlock()
	for _, f := range hooks {
		f(c, reason)
	}
}

// Shutdown disconnects every circuit, the current one last, then fires the session-disconnected notification
// (only if the session had connected since the last shutdown).
func (m *Manager) Shutdown(reason circuit.DisconnectReason, msg string) {
	m.mu.Lock()
	cur := m.current
	others := make([]*circuit.Circuit, 0, len(m.circuits))
	for _, c := range m.circuits {
		if c != cur {
			others = append(others, c)
		}
	}
	m.mu.Unlock()

	for _, c := range others {
		m.Disconnect(c, reason)
	}
	if cur != nil {
		m.Disconnect(cur, reason)
	}

	if !m.online.Swap(false) {
		return
	}
	m.log.Info().Str("reason", reason.String()).Str("message", msg).Msg("session disconnected")
	m.hooksMu.RLock()
	hooks := slices.Clone(m.onDisconnected)
	m.hooksMu.RUnlock()
	for _, f := range hooks {
		f(reason, msg)
	}
}

// Logout sends a reliable LogoutRequest on the current circuit and waits (up to the logout timeout or ctx) for LogoutReply,
// then shuts the session down as ClientInitiated. The session is shut down even if no reply arrives.
func (m *Manager) Logout(ctx context.Context) error {
	cur := m.Current()
	if cur == nil {
		return lludp.ErrNotConnected
	}
	req := message.New(message.LogoutRequest).Add("AgentData", message.Block{"AgentID": m.agentID, "SessionID": m.sessionID})

	w := m.expect(message.LogoutReply, func(_ *message.Message, c *circuit.Circuit) bool { return c == cur })
	_, sendErr := cur.Send(req, true)
	if sendErr == nil {
		wctx, cancel := context.WithTimeout(ctx, m.logoutTimeout)
		if _, err := m.await(wctx, w); err != nil {
			m.log.Warn().Err(err).Msg("no logout reply; disconnecting anyway")
		}
		cancel()
	} else {
		m.discard(w)
	}
	m.Shutdown(circuit.ClientInitiated, "")
	return sendErr
}

// Close stops the silence sweep and shuts the session down. The manager should not be reused.
func (m *Manager) Close() {
	m.cancel()
	m.Shutdown(circuit.ClientInitiated, "")
}

//#endregion circuits

//#region sweep

func (m *Manager) sweeper() {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Sweep marks every circuit as a disconnect candidate and disconnects those that were already marked at the previous sweep
// with no inbound traffic since. Losing the current circuit this way shuts down the session with NetworkTimeout.
// Normally driven by the sweep interval; exported for callers that drive their own clock.
func (m *Manager) Sweep() {
	for _, c := range m.Circuits() {
		if !c.MarkCandidate() {
			continue
		}
		m.log.Warn().Func(c.Zerolog).Time("last activity", c.LastActivity()).Msg("circuit silent for two sweeps")
		if c == m.Current() {
			m.Shutdown(circuit.NetworkTimeout, "")
			return
		}
		m.Disconnect(c, circuit.NetworkTimeout)
	}
}

//#endregion sweep

//#region waiting

// Received pairs an inbound message with the circuit it arrived on.
type Received struct {
	Message *message.Message
	Circuit *circuit.Circuit
}

type waiter struct {
	name  string
	match func(*message.Message, *circuit.Circuit) bool
	ch    chan Received
}

// WaitFor blocks until a message of the named type arrives (and satisfies match, if non-nil) or ctx is done.
// The receive path never blocks on a waiter; must not be called from a handler.
func (m *Manager) WaitFor(ctx context.Context, name string, match func(*message.Message, *circuit.Circuit) bool) (Received, error) {
	return m.await(ctx, m.expect(name, match))
}

// expect registers a waiter without blocking, so a caller can arm it before sending the request it answers.
func (m *Manager) expect(name string, match func(*message.Message, *circuit.Circuit) bool) *waiter {
	w := &waiter{name: name, match: match, ch: make(chan Received, 1)}
	m.waitersMu.Lock()
	m.waiters = append(m.waiters, w)
	m.waitersMu.Unlock()
	return w
}

func (m *Manager) await(ctx context.Context, w *waiter) (Received, error) {
	select {
	case r := <-w.ch:
		return r, nil
	case <-ctx.Done():
		m.discard(w)
		// a match may have landed between ctx firing and removal
		select {
		case r := <-w.ch:
			return r, nil
		default:
		}
		return Received{}, ctx.Err()
	}
}

func (m *Manager) discard(w *waiter) {
	m.waitersMu.Lock()
	if i := slices.Index(m.waiters, w); i >= 0 {
		m.waiters = slices.Delete(m.waiters, i, i+1)
	}
	m.waitersMu.Unlock()
}

// wake satisfies every waiter matching msg. Each waiter fires at most once.
func (m *Manager) wake(msg *message.Message, c *circuit.Circuit) {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()
	m.waiters = slices.DeleteFunc(m.waiters, func(w *waiter) bool {
		if w.name != msg.Name || (w.match != nil && !w.match(msg, c)) {
			return false
		}
		w.ch <- Received{Message: msg, Circuit: c} // buffered, never blocks
		return true
	})
}

//#endregion waiting

// ErrNoCurrent is returned by SendCurrent when there is no current circuit.
var ErrNoCurrent = errors.New("no current circuit")

// SendCurrent sends msg on the current circuit.
func (m *Manager) SendCurrent(msg *message.Message, reliable bool) (uint16, error) {
	c := m.Current()
	if c == nil {
		return 0, ErrNoCurrent
	}
	return c.Send(msg, reliable)
}

// Zerolog attaches the manager's circuits to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (m *Manager) Zerolog(ev *zerolog.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := zerolog.Arr()
	for ap := range m.circuits {
		a.Str(ap.String())
	}
	ev.Array("circuits", a)
	if m.current != nil {
		ev.Str("current", m.current.Peer().String())
	}
}
