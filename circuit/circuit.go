// Package circuit implements a single reliable circuit to one peer over UDP.
//
// A Circuit owns its socket and two goroutines: a receive loop that decodes, deduplicates and dispatches inbound packets,
// and a maintenance loop that flushes owed ACKs and resends unacknowledged reliable packets.
// Sequence bookkeeping lives in a Tracker guarded by a single mutex.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rflandau/lludp"
	"github.com/rflandau/lludp/internal/misc"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/metrics"
	"github.com/rflandau/lludp/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

//#region types

// State is the lifecycle stage of a circuit.
type State int32

const (
	Handshaking State = iota
	Connected
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// DisconnectReason explains why a circuit (or a whole session) went down.
type DisconnectReason uint8

const (
	// ClientInitiated: we asked to leave.
	ClientInitiated DisconnectReason = iota
	// ServerInitiated: the peer closed the circuit or kicked us.
	ServerInitiated
	// NetworkTimeout: the peer went silent, never answered the handshake or the socket failed.
	NetworkTimeout
)

func (r DisconnectReason) String() string {
	switch r {
	case ClientInitiated:
		return "client initiated"
	case ServerInitiated:
		return "server initiated"
	case NetworkTimeout:
		return "network timeout"
	}
	return "unknown"
}

// A Dispatcher receives every decoded, non-duplicate inbound message.
type Dispatcher func(m *message.Message, c *Circuit)

// A Circuit is one reliable connection to one peer.
// Construct with New; the circuit is live (receiving and maintaining) as soon as New returns.
type Circuit struct {
	log     *zerolog.Logger
	code    uint32
	peer    netip.AddrPort
	peerUDP *net.UDPAddr
	local   netip.AddrPort
	conn    net.PacketConn
	codec   *message.Codec
	metrics *metrics.Metrics
	limiter *rate.Limiter

	dispatch Dispatcher
	onClose  func(*Circuit, DisconnectReason)

	tick             time.Duration
	resendTimeout    time.Duration
	handshakeTimeout time.Duration
	maxSeq           uint16
	recentCap        int
	maxAppendedAcks  int
	ackCeiling       int

	state       atomic.Int32
	reason      atomic.Uint32
	connectedCh chan struct{} // closed on the first inbound datagram
	doneCh      chan struct{} // closed once Disconnected
	ctx         context.Context
	cancel      context.CancelFunc
	created     time.Time

	sendMu sync.Mutex // serializes outbound; taken before mu
	mu     sync.Mutex // guards tr
	tr     *Tracker

	recvMu  sync.Mutex // serializes inbound processing
	scratch []byte     // zero-decoding buffer, guarded by recvMu

	lastActivity atomic.Int64 // unix nanoseconds
	candidate    atomic.Bool  // marked by the disconnect sweep, cleared by any inbound datagram

	stats struct {
		sent, received, resent, dropped, duplicates, acksSent atomic.Uint64
	}
}

//#endregion types

// New binds a socket for a circuit to peer and starts its receive and maintenance goroutines.
// The circuit starts out Handshaking; call Handshake to present the circuit code.
func New(peer netip.AddrPort, code uint32, opts ...Option) (*Circuit, error) {
	peer = misc.UnmapAddrPort(peer)
	if !peer.IsValid() || peer.Port() == 0 {
		return nil, ErrBadPeer(peer)
	}

	c := &Circuit{
		code:             code,
		peer:             peer,
		peerUDP:          net.UDPAddrFromAddrPort(peer),
		tick:             DefaultTick,
		resendTimeout:    DefaultResendTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		maxSeq:           DefaultMaxSequence,
		recentCap:        DefaultRecentInbound,
		maxAppendedAcks:  DefaultMaxAppendedAcks,
		ackCeiling:       DefaultAckCeiling,
		connectedCh:      make(chan struct{}),
		doneCh:           make(chan struct{}),
		scratch:          make([]byte, lludp.MaxPacketSize),
		created:          time.Now(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"circuit"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("circuit", strconv.FormatUint(uint64(code), 10)+"@"+peer.String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		c.log = &l
	}
	if c.codec == nil {
		c.codec = message.NewCodec(nil, message.WithLogger(c.log))
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	if c.dispatch == nil {
		c.dispatch = func(*message.Message, *Circuit) {}
	}
	if c.tick <= 0 {
		c.tick = DefaultTick
	}
	if c.maxAppendedAcks < 0 {
		c.maxAppendedAcks = 0
	}
	c.tr = NewTracker(c.maxSeq, c.recentCap)
	c.touch()

	c.ctx, c.cancel = context.WithCancel(context.Background())
	network, laddr := "udp4", ":0"
	if c.local.IsValid() {
		laddr = c.local.String()
	}
	if peer.Addr().Is6() {
		network = "udp6"
	}
	pconn, err := (&net.ListenConfig{}).ListenPacket(c.ctx, network, laddr)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.conn = pconn
	c.state.Store(int32(Handshaking))
	c.metrics.CircuitsOpen.Inc()

	go c.receive()
	go c.maintain()

	c.log.Debug().Func(c.Zerolog).Msg("circuit created")
	return c, nil
}

//#region getters

// Code returns the circuit code the circuit was created with.
func (c *Circuit) Code() uint32 { return c.code }

// Peer returns the remote address.
func (c *Circuit) Peer() netip.AddrPort { return c.peer }

// LocalAddr returns the address the circuit's socket is bound to.
func (c *Circuit) LocalAddr() netip.AddrPort {
	if ua, ok := c.conn.LocalAddr().(*net.UDPAddr); ok {
		return misc.UnmapAddrPort(ua.AddrPort())
	}
	return netip.AddrPort{}
}

// State returns the current lifecycle stage.
func (c *Circuit) State() State { return State(c.state.Load()) }

// Connected returns a channel closed once the peer has sent its first datagram.
func (c *Circuit) Connected() <-chan struct{} { return c.connectedCh }

// Done returns a channel closed once the circuit is Disconnected.
func (c *Circuit) Done() <-chan struct{} { return c.doneCh }

// Reason returns why the circuit disconnected. Only meaningful once Done is closed.
func (c *Circuit) Reason() DisconnectReason { return DisconnectReason(c.reason.Load()) }

// LastActivity returns when the last inbound datagram arrived (or when the circuit was created, if none has).
func (c *Circuit) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// Codec returns the codec the circuit encodes and decodes with.
func (c *Circuit) Codec() *message.Codec { return c.codec }

// Logger returns the circuit's logger.
func (c *Circuit) Logger() *zerolog.Logger { return c.log }

//#endregion getters

// Handshake reliably sends msg (typically UseCircuitCode) and waits for the peer's first datagram.
// If nothing arrives within the handshake timeout, the circuit is closed with NetworkTimeout and ErrHandshakeTimeout returned.
// Resends of msg continue in the background while waiting.
func (c *Circuit) Handshake(ctx context.Context, msg *message.Message) error {
	if _, err := c.Send(msg, true); err != nil {
		return err
	}
	timer := time.NewTimer(c.handshakeTimeout)
	defer timer.Stop()
	start := time.Now()
	select {
	case <-c.connectedCh:
		c.metrics.HandshakeSeconds.Observe(time.Since(start).Seconds())
		c.log.Info().Dur("took", time.Since(start)).Msg("circuit connected")
		return nil
	case <-timer.C:
		c.log.Warn().Dur("timeout", c.handshakeTimeout).Msg("peer never answered the handshake")
		c.Close(NetworkTimeout)
		return lludp.ErrHandshakeTimeout
	case <-ctx.Done():
		c.Close(ClientInitiated)
		return ctx.Err()
	case <-c.doneCh:
		return lludp.ErrNotConnected
	}
}

//#region send

// Send encodes m and writes it to the peer, returning the sequence number it was given.
// Reliable packets are tracked until acknowledged and resent with RESENT set.
// Reliable packets other than PacketAck and LogoutRequest carry up to the configured count of owed ACKs;
// owed ACKs past that count are first flushed in standalone PacketAcks.
// Sends after the circuit begins disconnecting fail with ErrNotConnected.
func (c *Circuit) Send(m *message.Message, reliable bool) (uint16, error) {
	if c.State() >= Disconnecting {
		return 0, lludp.ErrNotConnected
	}
	return c.send(m, reliable)
}

// send is Send without the state check, so Close can deliver its teardown notice.
func (c *Circuit) send(m *message.Message, reliable bool) (uint16, error) {
	tmpl, body, err := c.codec.Marshal(m)
	if err != nil {
		return 0, err
	}

	c.sendMu.Lock()
	var (
		preamble [][]byte // standalone ACK packets that must precede this one
		acks     []uint32
		flags    protocol.Flags
	)
	c.mu.Lock()
	if reliable {
		flags |= protocol.FlagReliable
		if tmpl.Name != message.PacketAck && tmpl.Name != message.LogoutRequest {
			for over := c.tr.PendingAcks() - c.maxAppendedAcks; over > 0; over = c.tr.PendingAcks() - c.maxAppendedAcks {
				batch := c.tr.TakeAcks(min(over, message.MaxAcksPerPacket))
				if pkt, err := c.packAcksLocked(batch); err == nil {
					preamble = append(preamble, pkt)
				} else {
					c.log.Error().Err(err).Msg("failed to build ACK packet")
				}
			}
			acks = c.tr.TakeAcks(c.maxAppendedAcks)
		}
	}
	seq := c.tr.NextOutgoing()
	pkt, err := protocol.Pack(&protocol.Frame{Header: tmpl.Header(flags, seq), Body: body, Acks: acks}, true)
	if err != nil {
		c.tr.Requeue(acks)
		c.mu.Unlock()
		c.sendMu.Unlock()
		return 0, err
	}
	if reliable && !c.tr.RegisterUnacked(seq, pkt, time.Now()) {
		c.log.Warn().Uint16("seq", seq).Msg("sequence number already awaiting an ACK; the sequence space has wrapped onto it")
	}
	c.mu.Unlock()

	for _, p := range preamble {
		if err = c.write(p); err != nil {
			break
		}
	}
	if err == nil {
		err = c.write(pkt)
	}
	c.sendMu.Unlock()

	if err != nil {
		return seq, c.writeFailed(err)
	}
	c.stats.sent.Add(1)
	c.stats.acksSent.Add(uint64(len(acks)))
	c.metrics.PacketsSent.WithLabelValues(strconv.FormatBool(reliable)).Inc()
	c.metrics.AcksSent.Add(float64(len(acks)))
	c.log.Debug().Str("message", tmpl.Name).Uint16("seq", seq).Bool("reliable", reliable).Int("appended acks", len(acks)).Msg("sent")
	return seq, nil
}

// packAcksLocked builds an unreliable PacketAck datagram. Caller must hold sendMu and mu.
func (c *Circuit) packAcksLocked(acks []uint32) ([]byte, error) {
	tmpl, body, err := c.codec.Marshal(message.Acks(acks...))
	if err != nil {
		return nil, err
	}
	c.stats.acksSent.Add(uint64(len(acks)))
	c.metrics.AcksSent.Add(float64(len(acks)))
	return protocol.Pack(&protocol.Frame{Header: tmpl.Header(0, c.tr.NextOutgoing()), Body: body}, false)
}

// write applies the throttle and writes b to the peer. Caller must hold sendMu.
// Cancelling c.ctx aborts a pending throttle wait; from then on writes go out unthrottled.
func (c *Circuit) write(b []byte) error {
	if c.limiter != nil && c.ctx.Err() == nil {
		if err := c.limiter.WaitN(c.ctx, len(b)); err != nil {
			return err
		}
	}
	n, err := c.conn.WriteTo(b, c.peerUDP)
	if err != nil {
		return err
	} else if n != len(b) {
		c.log.Warn().Int("written", n).Int("length", len(b)).Msg("short write")
	}
	c.metrics.BytesSent.Add(float64(n))
	return nil
}

// writeFailed handles a socket error on the send path: the circuit is torn down rather than retrying.
// Must be called without sendMu held.
func (c *Circuit) writeFailed(err error) error {
	if c.State() >= Disconnecting {
		return lludp.ErrNotConnected
	}
	c.log.Warn().Err(err).Msg("write failed, disconnecting")
	c.Close(NetworkTimeout)
	return fmt.Errorf("%w: %w", lludp.ErrNotConnected, err)
}

//#endregion send

//#region receive

// receive reads datagrams until the socket is closed.
func (c *Circuit) receive() {
	buf := make([]byte, lludp.MaxPacketSize)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			c.log.Warn().Err(err).Msg("packet read error")
			continue
		}
		if n == 0 {
			c.log.Debug().Msg("zero byte datagram received")
			continue
		}
		if ua, ok := from.(*net.UDPAddr); !ok || misc.UnmapAddrPort(ua.AddrPort()) != c.peer {
			c.log.Debug().Str("sender", from.String()).Msg("ignoring datagram from a stranger")
			continue
		}
		c.HandleDatagram(buf[:n])
	}
}

// HandleDatagram processes one inbound datagram from the peer.
// It never retains b. Malformed input is logged and dropped.
//
// Appended and PacketAck ACKs are applied first. Reliable packets are queued for acknowledgement only if their body decodes;
// duplicates are acknowledged again but not dispatched.
func (c *Circuit) HandleDatagram(b []byte) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.touch()
	c.stats.received.Add(1)
	c.metrics.PacketsReceived.Inc()
	c.metrics.BytesReceived.Add(float64(len(b)))
	if c.state.CompareAndSwap(int32(Handshaking), int32(Connected)) {
		close(c.connectedCh)
	}

	f, err := protocol.Unpack(b, c.scratch)
	if err != nil {
		c.drop("unpack", err, len(b))
		return
	}
	m, decErr := c.codec.Unmarshal(f.Header.Frequency, f.Header.ID, f.Body)

	var (
		dup     bool
		flush   [][]uint32
		reliable = f.Header.Flags.Has(protocol.FlagReliable)
	)
	c.mu.Lock()
	for _, a := range f.Acks {
		c.tr.Acknowledge(a)
	}
	if decErr == nil {
		if m.Name == message.PacketAck {
			for _, a := range message.AckIDs(m) {
				c.tr.Acknowledge(a)
			}
		}
		if reliable {
			c.tr.QueueAck(f.Header.Sequence)
			dup = c.tr.IsDuplicate(f.Header.Sequence)
			c.tr.RecordInbound(f.Header.Sequence)
		}
		if c.tr.PendingAcks() >= c.ackCeiling {
			for c.tr.PendingAcks() > 0 {
				flush = append(flush, c.tr.TakeAcks(message.MaxAcksPerPacket))
			}
		}
	}
	c.mu.Unlock()

	if decErr != nil {
		c.drop("decode", decErr, len(b))
		return
	}
	if len(flush) > 0 {
		c.metrics.AckCeilingHits.Inc()
		c.log.Error().Int("batches", len(flush)).Int("ceiling", c.ackCeiling).Msg("pending ACKs hit the ceiling; flushing now")
		c.sendAcks(flush)
	}
	if dup {
		c.stats.duplicates.Add(1)
		c.metrics.Duplicates.Inc()
		c.log.Debug().Uint16("seq", f.Header.Sequence).Str("message", m.Name).Msg("duplicate suppressed")
		return
	}
	if c.State() >= Disconnecting {
		return
	}
	c.deliver(m)
}

func (c *Circuit) drop(reason string, err error, length int) {
	c.stats.dropped.Add(1)
	c.metrics.Dropped.WithLabelValues(reason).Inc()
	c.log.Warn().Err(err).Int("length", length).Str("stage", reason).Msg("dropping datagram")
}

// deliver hands m to the dispatcher, containing any panic.
func (c *Circuit) deliver(m *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.HandlerPanics.Inc()
			c.log.Error().Interface("recovered", r).Str("message", m.Name).Msg("handler panicked")
		}
	}()
	c.dispatch(m, c)
}

func (c *Circuit) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.candidate.Store(false)
}

//#endregion receive

//#region maintenance

// maintain flushes owed ACKs and resends stale reliable packets every tick.
func (c *Circuit) maintain() {
	t := time.NewTicker(c.tick)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-t.C:
			c.FlushAcks()
			c.resendDue(now)
		}
	}
}

// FlushAcks sends every owed ACK in standalone PacketAck messages.
func (c *Circuit) FlushAcks() {
	var batches [][]uint32
	c.mu.Lock()
	for c.tr.PendingAcks() > 0 {
		batches = append(batches, c.tr.TakeAcks(message.MaxAcksPerPacket))
	}
	c.mu.Unlock()
	c.sendAcks(batches)
}

func (c *Circuit) sendAcks(batches [][]uint32) {
	for _, batch := range batches {
		if _, err := c.Send(message.Acks(batch...), false); err != nil {
			c.log.Debug().Err(err).Int("count", len(batch)).Msg("failed to send ACKs")
			return
		}
	}
}

// resendDue resends every reliable packet unacknowledged for longer than the resend timeout.
// Resends keep their sequence number and appended ACKs, and gain the RESENT flag.
func (c *Circuit) resendDue(now time.Time) {
	if c.State() >= Disconnecting {
		return
	}
	c.sendMu.Lock()
	c.mu.Lock()
	due := c.tr.DueForRetransmit(now, c.resendTimeout)
	pkts := make([][]byte, len(due))
	for i, p := range due {
		p.Packet[0] |= byte(protocol.FlagResent)
		pkts[i] = p.Packet
		c.tr.MarkResent(p.Seq, now)
	}
	c.mu.Unlock()

	var err error
	for i, pkt := range pkts {
		if c.ctx.Err() != nil {
			break
		}
		if err = c.write(pkt); err != nil {
			break
		}
		c.stats.resent.Add(1)
		c.metrics.Resends.Inc()
		c.log.Info().Uint16("seq", due[i].Seq).Int("attempt", due[i].Resends).Msg("resending")
	}
	c.sendMu.Unlock()
	if err != nil {
		c.writeFailed(err)
	}
}

//#endregion maintenance

// MarkCandidate flags the circuit as a disconnect candidate and reports whether it already was one.
// Any inbound datagram clears the flag. Used by idle sweeps: a circuit still flagged at the next sweep has been silent for a whole interval.
func (c *Circuit) MarkCandidate() (already bool) {
	return c.candidate.Swap(true)
}

// Close tears the circuit down. Returns false if it was already disconnecting or disconnected.
//
// On a ClientInitiated close of a connected circuit, an unreliable CloseCircuit notice is sent first.
// Close does not wait for in-flight handlers, so it is safe to call from one.
func (c *Circuit) Close(reason DisconnectReason) bool {
	var prior State
	for {
		prior = c.State()
		if prior >= Disconnecting {
			return false
		}
		if c.state.CompareAndSwap(int32(prior), int32(Disconnecting)) {
			break
		}
	}
	c.reason.Store(uint32(reason))
	c.log.Info().Str("reason", reason.String()).Str("from", prior.String()).Msg("disconnecting")

	// release any sender parked on the throttle so the notice below can take sendMu
	c.cancel()
	if reason == ClientInitiated && prior == Connected {
		if _, err := c.send(message.New(message.CloseCircuit), false); err != nil {
			c.log.Debug().Err(err).Msg("failed to send close notice")
		}
	}

	if err := c.conn.Close(); err != nil {
		c.log.Debug().Err(err).Msg("socket close")
	}
	c.mu.Lock()
	c.tr.Reset()
	c.mu.Unlock()

	c.state.Store(int32(Disconnected))
	c.metrics.CircuitsOpen.Dec()
	c.metrics.CircuitsClosed.WithLabelValues(reason.String()).Inc()
	close(c.doneCh)
	if c.onClose != nil {
		c.onClose(c, reason)
	}
	return true
}

// Stats is a point-in-time snapshot of a circuit.
type Stats struct {
	State        State
	Sequence     uint16 // last assigned outgoing sequence number
	Unacked      int
	PendingAcks  int
	Sent         uint64
	Received     uint64
	Resent       uint64
	Dropped      uint64
	Duplicates   uint64
	AcksSent     uint64
	LastActivity time.Time
}

// Stats returns a snapshot of the circuit's counters.
func (c *Circuit) Stats() Stats {
	c.mu.Lock()
	s := Stats{Sequence: c.tr.Sequence(), Unacked: c.tr.Unacked(), PendingAcks: c.tr.PendingAcks()}
	c.mu.Unlock()
	s.State = c.State()
	s.Sent = c.stats.sent.Load()
	s.Received = c.stats.received.Load()
	s.Resent = c.stats.resent.Load()
	s.Dropped = c.stats.dropped.Load()
	s.Duplicates = c.stats.duplicates.Load()
	s.AcksSent = c.stats.acksSent.Load()
	s.LastActivity = c.LastActivity()
	return s
}

// Zerolog attaches the circuit's identity and state to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (c *Circuit) Zerolog(ev *zerolog.Event) {
	ev.Uint32("code", c.code).
		Str("peer", c.peer.String()).
		Str("state", c.State().String()).
		Dur("age", time.Since(c.created))
	if c.conn != nil {
		ev.Str("local", c.LocalAddr().String())
	}
}

//#region errors

// ErrBadPeer returns an error stating that the given peer address cannot be dialed.
func ErrBadPeer(ap netip.AddrPort) error {
	return errors.New("peer address " + ap.String() + " is not a valid remote address")
}

//#endregion errors
