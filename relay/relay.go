// Package relay implements a man-in-the-middle for circuits: it forwards packets between clients and sims,
// can inject, replace or drop packets in either direction, and renumbers everything so neither side notices.
//
// A Relay owns one sim-facing socket shared by every session and one client-facing socket per session.
// Clients are pointed at a session's client-facing address in place of the sim's.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rflandau/lludp"
	"github.com/rflandau/lludp/internal/misc"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/metrics"
	"github.com/rflandau/lludp/relay/expiring"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

//#region errors

var (
	ErrUnknownSim = errors.New("no session for sim")
	ErrClosed     = errors.New("relay is closed")
	ErrRunning    = errors.New("relay is already running")
)

func ErrBadSim(ap netip.AddrPort) error {
	return fmt.Errorf("sim address %v is not a valid address and port", ap)
}

//#endregion errors

//#region interceptors

// A Packet is a decoded message in flight, as handed to and returned by interceptors.
type Packet struct {
	Message  *message.Message
	Reliable bool
}

// An Interceptor inspects a packet travelling to or from sim.
// Returning p (modified or not) forwards it; returning a different Packet replaces it; returning nil drops it.
// The relay keeps both sides consistent: a dropped or no-longer-reliable packet is acknowledged to its sender on the receiver's behalf,
// and a newly reliable one is resent by the relay until acknowledged.
//
// Interceptors run on the receive path with the session locked; they must not call back into the relay.
type Interceptor func(sim netip.AddrPort, dir Direction, p *Packet) *Packet

// Interceptors is a registry of interceptors keyed by direction and message name.
// PacketAck is never intercepted.
type Interceptors struct {
	mu sync.RWMutex
	m  [2]map[string]Interceptor
}

// NewInterceptors returns an empty registry.
func NewInterceptors() *Interceptors {
	return &Interceptors{m: [2]map[string]Interceptor{make(map[string]Interceptor), make(map[string]Interceptor)}}
}

// Set installs fn for messages of the given name travelling in dir, replacing any prior interceptor.
// A nil fn removes it.
func (ic *Interceptors) Set(dir Direction, name string, fn Interceptor) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if fn == nil {
		delete(ic.m[dir], name)
		return
	}
	ic.m[dir][name] = fn
}

func (ic *Interceptors) lookup(dir Direction, t *message.Template) Interceptor {
	if t == nil {
		return nil
	}
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.m[dir][t.Name]
}

//#endregion interceptors

// link ties a session to its client-facing socket.
type link struct {
	session *Session
	conn    net.PacketConn
	listen  netip.AddrPort

	mu     sync.Mutex
	client netip.AddrPort // last address the client spoke from
}

func (l *link) setClient(ap netip.AddrPort) {
	l.mu.Lock()
	l.client = ap
	l.mu.Unlock()
}

func (l *link) clientAddr() netip.AddrPort {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *link) info() SessionInfo {
	info := l.session.Info()
	info.Listen = l.listen.String()
	if c := l.clientAddr(); c.IsValid() {
		info.Client = c.String()
	}
	return info
}

// A Relay forwards circuits between clients and sims.
// Construct with New, add sims with AddSim, then Run.
type Relay struct {
	log          *zerolog.Logger
	codec        *message.Codec
	metrics      *metrics.Metrics
	interceptors *Interceptors
	clientBind   netip.Addr

	gcInterval     time.Duration
	resendInterval time.Duration
	idleTimeout    time.Duration

	simConn  net.PacketConn
	local    netip.AddrPort
	sessions *expiring.Table[netip.AddrPort, *link] // keyed by sim

	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
	running atomic.Bool
	closed  atomic.Bool
}

// New binds the sim-facing socket on listen (any port on all interfaces if listen is the zero value).
func New(listen netip.AddrPort, opts ...Option) (*Relay, error) {
	r := &Relay{
		clientBind:     netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		gcInterval:     DefaultGCInterval,
		resendInterval: DefaultResendInterval,
		idleTimeout:    DefaultIdleTimeout,
		sessions:       expiring.New[netip.AddrPort, *link](),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"relay"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("relay", listen.String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		r.log = &l
	}
	if r.codec == nil {
		r.codec = message.NewCodec(nil, message.WithLogger(r.log))
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	if r.interceptors == nil {
		r.interceptors = NewInterceptors()
	}
	if r.gcInterval <= 0 {
		r.gcInterval = DefaultGCInterval
	}
	if r.resendInterval <= 0 {
		r.resendInterval = DefaultResendInterval
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = DefaultIdleTimeout
	}

	var base context.Context
	base, r.cancel = context.WithCancel(context.Background())
	r.eg, r.ctx = errgroup.WithContext(base)

	laddr := ":0"
	if listen.IsValid() {
		laddr = listen.String()
	}
	conn, err := (&net.ListenConfig{}).ListenPacket(r.ctx, network(listen.Addr()), laddr)
	if err != nil {
		r.cancel()
		return nil, err
	}
	r.simConn = conn
	r.local = misc.UnmapAddrPort(conn.LocalAddr().(*net.UDPAddr).AddrPort())
	r.log.Debug().Str("sim-facing", r.local.String()).Msg("relay created")
	return r, nil
}

func network(a netip.Addr) string {
	if a.IsValid() && a.Is6() && !a.Is4In6() {
		return "udp6"
	}
	return "udp4"
}

// LocalAddr returns the address of the sim-facing socket.
func (r *Relay) LocalAddr() netip.AddrPort { return r.local }

// Metrics returns the collectors the relay records into.
func (r *Relay) Metrics() *metrics.Metrics { return r.metrics }

// Codec returns the codec shared by the relay's sessions.
func (r *Relay) Codec() *message.Codec { return r.codec }

// Intercept installs fn for messages of the given name travelling in dir. A nil fn removes it.
func (r *Relay) Intercept(dir Direction, name string, fn Interceptor) {
	r.interceptors.Set(dir, name, fn)
}

//#region sessions

// AddSim opens a session for sim and returns the address clients should use in its place.
// Adding a sim that already has a session returns the existing address.
func (r *Relay) AddSim(sim netip.AddrPort) (netip.AddrPort, error) {
	sim = misc.UnmapAddrPort(sim)
	if !sim.IsValid() || sim.Port() == 0 {
		return netip.AddrPort{}, ErrBadSim(sim)
	}
	if r.closed.Load() {
		return netip.AddrPort{}, ErrClosed
	}
	if l, found := r.sessions.Load(sim); found {
		return l.listen, nil
	}

	conn, err := (&net.ListenConfig{}).ListenPacket(r.ctx, network(r.clientBind), netip.AddrPortFrom(r.clientBind, 0).String())
	if err != nil {
		return netip.AddrPort{}, err
	}
	sl := r.log.With().Str("sim", sim.String()).Logger()
	l := &link{
		conn:   conn,
		listen: misc.UnmapAddrPort(conn.LocalAddr().(*net.UDPAddr).AddrPort()),
		session: NewSession(sim,
			WithSessionLogger(&sl),
			WithSessionCodec(r.codec),
			WithSessionMetrics(r.metrics),
			WithSessionInterceptors(r.interceptors)),
	}

	var none *link
	if !r.sessions.CompareAndSwap(sim, none, l, r.idleTimeout, r.expired) {
		// lost a race with another AddSim
		conn.Close()
		if existing, found := r.sessions.Load(sim); found {
			return existing.listen, nil
		}
		return netip.AddrPort{}, ErrUnknownSim
	}
	r.metrics.RelaySessions.Inc()
	r.eg.Go(func() error {
		r.serveClient(l)
		return nil
	})
	sl.Info().Str("listen", l.listen.String()).Msg("session opened")
	return l.listen, nil
}

// RemoveSim closes sim's session. Returns false if there was none.
func (r *Relay) RemoveSim(sim netip.AddrPort) bool {
	sim = misc.UnmapAddrPort(sim)
	l, found := r.sessions.Load(sim)
	if !found || !r.sessions.Delete(sim) {
		return false
	}
	r.release(l)
	return true
}

// expired is the idle-timeout cleanup of a session.
func (r *Relay) expired(sim netip.AddrPort, l *link) {
	r.log.Info().Str("sim", sim.String()).Dur("idle", r.idleTimeout).Msg("session expired")
	r.release(l)
}

func (r *Relay) release(l *link) {
	if err := l.conn.Close(); err == nil {
		r.metrics.RelaySessions.Dec()
	}
}

func (r *Relay) links() []*link {
	var out []*link
	r.sessions.RangeLocked(func(_ netip.AddrPort, l *link) bool {
		out = append(out, l)
		return true
	})
	slices.SortFunc(out, func(a, b *link) int { return strings.Compare(a.session.Sim().String(), b.session.Sim().String()) })
	return out
}

// Session returns the session relaying to sim.
func (r *Relay) Session(sim netip.AddrPort) (*Session, bool) {
	l, found := r.sessions.Load(misc.UnmapAddrPort(sim))
	if !found {
		return nil, false
	}
	return l.session, true
}

// Info returns a snapshot of sim's session.
func (r *Relay) Info(sim netip.AddrPort) (SessionInfo, error) {
	l, found := r.sessions.Load(misc.UnmapAddrPort(sim))
	if !found {
		return SessionInfo{}, fmt.Errorf("%w %v", ErrUnknownSim, sim)
	}
	return l.info(), nil
}

// Sessions returns a snapshot of every session, ordered by sim address.
func (r *Relay) Sessions() []SessionInfo {
	ls := r.links()
	out := make([]SessionInfo, len(ls))
	for i, l := range ls {
		out[i] = l.info()
	}
	return out
}

// Inject synthesizes m toward the client (Incoming) or the sim (Outgoing) of sim's session.
// Incoming injections made before the client has spoken are held until it does; queued reports whether that happened.
func (r *Relay) Inject(sim netip.AddrPort, dir Direction, m *message.Message, reliable bool) (queued bool, err error) {
	l, found := r.sessions.Load(misc.UnmapAddrPort(sim))
	if !found {
		return false, fmt.Errorf("%w %v", ErrUnknownSim, sim)
	}
	dgs, err := l.session.Inject(dir, m, reliable)
	if err != nil {
		return false, err
	}
	r.emit(l, dgs)
	return len(dgs) == 0, nil
}

// GC runs an immediate garbage collection pass on sim's session.
func (r *Relay) GC(sim netip.AddrPort) (SessionInfo, error) {
	l, found := r.sessions.Load(misc.UnmapAddrPort(sim))
	if !found {
		return SessionInfo{}, fmt.Errorf("%w %v", ErrUnknownSim, sim)
	}
	l.session.GC()
	return l.info(), nil
}

//#endregion sessions

//#region running

// Run forwards traffic until ctx is cancelled or Close is called. It may be called only once.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	if r.closed.Load() {
		return ErrClosed
	}
	r.log.Info().Str("sim-facing", r.local.String()).Int("sessions", r.sessions.Len()).Msg("relaying")

	r.eg.Go(r.serveSims)
	r.eg.Go(func() error {
		r.maintain()
		return nil
	})
	go func() {
		select {
		case <-ctx.Done():
		case <-r.ctx.Done():
		}
		r.Close()
	}()
	return r.eg.Wait()
}

// Close stops the relay and releases every socket. Safe to call more than once.
func (r *Relay) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.cancel()
	r.simConn.Close()
	for _, l := range r.links() {
		if r.sessions.Delete(l.session.Sim()) {
			r.release(l)
		}
	}
	r.log.Info().Msg("relay closed")
}

func (r *Relay) serveSims() error {
	buf := make([]byte, lludp.MaxPacketSize)
	for {
		n, from, err := r.simConn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || r.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			r.log.Warn().Err(err).Msg("sim-facing read error")
			continue
		}
		ua, ok := from.(*net.UDPAddr)
		if !ok || n == 0 {
			continue
		}
		sim := misc.UnmapAddrPort(ua.AddrPort())
		l, found := r.sessions.Load(sim)
		if !found {
			r.log.Debug().Str("sender", sim.String()).Msg("dropping packet from unknown sim")
			continue
		}
		r.sessions.Refresh(sim, r.idleTimeout)
		r.emit(l, l.session.Forward(Incoming, buf[:n]))
	}
}

func (r *Relay) serveClient(l *link) {
	buf := make([]byte, lludp.MaxPacketSize)
	sim := l.session.Sim()
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || r.ctx.Err() != nil {
				return
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			r.log.Warn().Err(err).Str("sim", sim.String()).Msg("client-facing read error")
			continue
		}
		ua, ok := from.(*net.UDPAddr)
		if !ok || n == 0 {
			continue
		}
		l.setClient(misc.UnmapAddrPort(ua.AddrPort()))
		r.sessions.Refresh(sim, r.idleTimeout)
		r.emit(l, l.session.Forward(Outgoing, buf[:n]))
	}
}

// emit writes datagrams to whichever side they travel toward.
func (r *Relay) emit(l *link, dgs []Datagram) {
	for _, d := range dgs {
		var err error
		if d.Direction == Outgoing {
			_, err = r.simConn.WriteTo(d.Data, net.UDPAddrFromAddrPort(l.session.Sim()))
		} else {
			client := l.clientAddr()
			if !client.IsValid() {
				r.log.Debug().Str("sim", l.session.Sim().String()).Msg("no client yet; discarding incoming packet")
				continue
			}
			_, err = l.conn.WriteTo(d.Data, net.UDPAddrFromAddrPort(client))
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			r.log.Warn().Err(err).Str("direction", d.Direction.String()).Msg("write failed")
		}
	}
}

// maintain resends relay-owned reliable packets and garbage collects sessions until the relay closes.
func (r *Relay) maintain() {
	resend := time.NewTicker(r.resendInterval)
	defer resend.Stop()
	gc := time.NewTicker(r.gcInterval)
	defer gc.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-resend.C:
			for _, l := range r.links() {
				r.emit(l, l.session.Resend(now, r.resendInterval))
			}
		case <-gc.C:
			for _, l := range r.links() {
				l.session.GC()
			}
		}
	}
}

//#endregion running

// Zerolog attaches the relay's address and sessions to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (r *Relay) Zerolog(ev *zerolog.Event) {
	ev.Str("sim-facing", r.local.String())
	arr := zerolog.Arr()
	for _, l := range r.links() {
		arr.Str(l.session.Sim().String() + "<-" + l.listen.String())
	}
	ev.Array("sessions", arr)
}
