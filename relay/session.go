package relay

import (
	"fmt"
	"maps"
	"net/netip"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rflandau/lludp"
	"github.com/rflandau/lludp/message"
	"github.com/rflandau/lludp/metrics"
	"github.com/rflandau/lludp/protocol"
	"github.com/rs/zerolog"
)

//#region types

// Direction names which way a packet travels through the relay.
type Direction uint8

const (
	Incoming Direction = iota // sim -> client
	Outgoing                  // client -> sim
)

func (d Direction) String() string {
	if d == Incoming {
		return metrics.Incoming
	}
	return metrics.Outgoing
}

func (d Direction) opposite() Direction { return d ^ 1 }

// ParseDirection accepts "incoming"/"in" and "outgoing"/"out".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "incoming", "in":
		return Incoming, nil
	case "outgoing", "out":
		return Outgoing, nil
	}
	return 0, fmt.Errorf("unknown direction %q (want incoming or outgoing)", s)
}

// A Datagram is a packet the session wants written, in the direction it travels.
// Incoming datagrams go to the client; Outgoing datagrams go to the sim.
type Datagram struct {
	Direction Direction
	Data      []byte
}

// owned is a reliable packet the relay sent downstream and must see acknowledged.
type owned struct {
	data    []byte
	sent    time.Time
	resends int
	acked   bool
}

// ledger is the renumbering state of one direction.
// Sequence numbers held here are in the downstream (receiver's) numbering.
type ledger struct {
	seq        uint16            // highest sequence number sent downstream
	offset     uint16            // injections retired by GC
	injections []uint16          // sequence numbers allocated by the relay, ascending
	awaiting   map[uint16]*owned // reliable packets the relay owns, until GC retires their ACK
	seen       []uint16          // awaiting entries whose ACK arrived, oldest first

	// lengths of injections and seen at the previous GC; everything before them is retired at the next
	injPoint, seenPoint int

	forwarded, injected, dropped uint64
}

// advance records seq as sent downstream if it is newer than what has been seen so far.
func (l *ledger) advance(seq uint16) {
	if int16(seq-l.seq) > 0 {
		l.seq = seq
	}
}

type queued struct {
	msg      *message.Message
	reliable bool
}

// A Session is the relay's bookkeeping for one relayed circuit.
// It holds no sockets: Forward, Inject and Resend return the datagrams to write and the caller writes them.
//
// Every packet passing through in either direction is renumbered so that packets the relay injects (or drops)
// never show up as gaps or foreign ACKs on either side.
type Session struct {
	log          *zerolog.Logger
	sim          netip.AddrPort
	codec        *message.Codec
	metrics      *metrics.Metrics
	interceptors *Interceptors

	mu           sync.Mutex
	dirs         [2]ledger // indexed by Direction
	clientSeen   bool
	queue        []queued // incoming injections awaiting the client's first packet
	scratch      []byte
	created      time.Time
	lastActivity time.Time
}

// SessionOption function to set various options on a session.
type SessionOption func(*Session)

//#endregion types

//#region options

// WithSessionLogger replaces the session's default logger.
func WithSessionLogger(l *zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithSessionCodec sets the codec used to read PacketAcks and intercepted messages and to build injected ones.
// Messages missing from its schema are forwarded untouched apart from renumbering.
func WithSessionCodec(c *message.Codec) SessionOption {
	return func(s *Session) { s.codec = c }
}

// WithSessionMetrics records the session's forwarding in mt.
func WithSessionMetrics(mt *metrics.Metrics) SessionOption {
	return func(s *Session) { s.metrics = mt }
}

// WithSessionInterceptors consults ic for every message the codec understands.
func WithSessionInterceptors(ic *Interceptors) SessionOption {
	return func(s *Session) { s.interceptors = ic }
}

//#endregion options

// NewSession returns an empty session for the given sim.
func NewSession(sim netip.AddrPort, opts ...SessionOption) *Session {
	now := time.Now()
	s := &Session{
		sim:          sim,
		scratch:      make([]byte, lludp.MaxPacketSize),
		created:      now,
		lastActivity: now,
	}
	for i := range s.dirs {
		s.dirs[i].awaiting = make(map[uint16]*owned)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"sim"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("sim", sim.String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		s.log = &l
	}
	if s.codec == nil {
		s.codec = message.NewCodec(nil, message.WithLogger(s.log))
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.interceptors == nil {
		s.interceptors = NewInterceptors()
	}
	return s
}

// Sim returns the address of the sim this session relays to.
func (s *Session) Sim() netip.AddrPort { return s.sim }

//#region forwarding

// Forward renumbers a datagram received from one side and returns what must be written as a result.
// This is usually the packet itself in dir, possibly preceded by ACKs spoofed back to the sender (the opposite direction).
// Outgoing traffic from the client also releases any incoming injections queued before the client spoke.
//
// b is not retained.
func (s *Session) Forward(dir Direction, b []byte) []Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	out := s.forward(dir, b)

	if dir == Outgoing && !s.clientSeen {
		s.clientSeen = true
		for _, q := range s.queue {
			d, err := s.inject(Incoming, q.msg, q.reliable)
			if err != nil {
				s.log.Warn().Err(err).Str("message", q.msg.Name).Msg("failed to inject queued message")
				continue
			}
			out = append(out, d)
		}
		s.queue = nil
	}
	return out
}

// forward is the body of Forward. Caller must hold s.mu.
func (s *Session) forward(dir Direction, b []byte) []Datagram {
	ours := &s.dirs[dir]

	f, err := protocol.Unpack(b, s.scratch)
	if err != nil {
		seq, ok := protocol.SequenceOf(b)
		if !ok {
			s.log.Warn().Err(err).Str("direction", dir.String()).Msg("dropping unreadable datagram")
			ours.dropped++
			s.metrics.RelayDropped.WithLabelValues(dir.String()).Inc()
			return nil
		}
		// the sequence number is still readable, so the slot can be filled
		s.log.Warn().Err(err).Str("direction", dir.String()).Uint16("seq", seq).Msg("replacing malformed datagram")
		newSeq := s.modifySequence(dir, seq)
		ours.advance(newSeq)
		ours.dropped++
		s.metrics.RelayDropped.WithLabelValues(dir.String()).Inc()
		return s.replaceDropped(dir, newSeq, nil)
	}

	var (
		oldSeq   = f.Header.Sequence
		reliable = f.Header.Flags.Has(protocol.FlagReliable)
		tmpl, _  = s.codec.Schema().ByID(f.Header.Frequency, f.Header.ID)
		isAck    = tmpl != nil && tmpl.Name == message.PacketAck
		msg      *message.Message
		rebuilt  bool // body must be re-marshaled from msg
		out      []Datagram
	)

	// strip ACKs of packets the relay injected toward this packet's sender, then map the rest back to the sender's numbering
	if len(f.Acks) > 0 {
		f.Acks = s.checkAcks(dir, f.Acks)
		for i := range f.Acks {
			f.Acks[i] = s.modifyAck(dir, f.Acks[i])
		}
	}
	if isAck {
		if msg, err = s.codec.Unmarshal(f.Header.Frequency, f.Header.ID, f.Body); err != nil {
			s.log.Warn().Err(err).Msg("forwarding undecodable PacketAck unchanged")
			msg = nil
		} else {
			ids := s.checkAcks(dir, message.AckIDs(msg))
			for i := range ids {
				ids[i] = s.modifyAck(dir, ids[i])
			}
			msg = message.Acks(ids...)
			rebuilt = true
		}
	}

	f.Header.Sequence = s.modifySequence(dir, oldSeq)
	ours.advance(f.Header.Sequence)
	s.log.Debug().Str("direction", dir.String()).Uint16("from", oldSeq).Uint16("to", f.Header.Sequence).Msg("renumbered")

	if fn := s.interceptors.lookup(dir, tmpl); fn != nil && !isAck {
		if msg, err = s.codec.Unmarshal(f.Header.Frequency, f.Header.ID, f.Body); err != nil {
			s.log.Warn().Err(err).Str("message", tmpl.Name).Msg("cannot intercept undecodable message")
		} else {
			res, ok := s.intercept(fn, dir, &Packet{Message: msg.Clone(), Reliable: reliable})
			switch {
			case !ok:
				// a panicking interceptor leaves the packet alone
			case res == nil:
				if reliable {
					out = s.spoofAck(dir, oldSeq, out)
				}
				ours.dropped++
				s.metrics.RelayDropped.WithLabelValues(dir.String()).Inc()
				s.log.Debug().Str("direction", dir.String()).Str("message", tmpl.Name).Uint16("seq", f.Header.Sequence).Msg("interceptor dropped packet")
				return append(out, s.replaceDropped(dir, f.Header.Sequence, f.Acks)...)
			default:
				if reliable && !res.Reliable {
					out = s.spoofAck(dir, oldSeq, out)
					f.Header.Flags &^= protocol.FlagReliable
				} else if !reliable && res.Reliable {
					f.Header.Flags |= protocol.FlagReliable
				}
				msg, rebuilt = res.Message, true
			}
		}
	}

	var data []byte
	if !rebuilt && len(f.Acks) == 0 && !f.Header.Flags.Has(protocol.FlagAppendedAcks) {
		// nothing but the sequence number changed; keep the original bytes
		data = slices.Clone(b)
		protocol.SetSequence(data, f.Header.Sequence)
	} else {
		if rebuilt {
			t, body, err := s.codec.Marshal(msg)
			if err != nil {
				s.log.Error().Err(err).Str("message", msg.Name).Msg("failed to re-encode packet; dropping it")
				ours.dropped++
				s.metrics.RelayDropped.WithLabelValues(dir.String()).Inc()
				return append(out, s.replaceDropped(dir, f.Header.Sequence, f.Acks)...)
			}
			f.Header.Frequency, f.Header.ID, f.Body = t.Frequency, t.ID, body
		}
		zerocode := f.Header.Flags.Has(protocol.FlagZerocoded) || (tmpl != nil && tmpl.Zerocoded)
		if data, err = protocol.Pack(&f, zerocode); err != nil {
			s.log.Error().Err(err).Msg("failed to repack packet")
			return out
		}
	}

	// a packet the interceptor made reliable is the relay's to see acknowledged
	if !reliable && f.Header.Flags.Has(protocol.FlagReliable) {
		ours.awaiting[f.Header.Sequence] = &owned{data: slices.Clone(data), sent: time.Now()}
	}
	ours.forwarded++
	s.metrics.RelayForwarded.WithLabelValues(dir.String()).Inc()
	return append(out, Datagram{Direction: dir, Data: data})
}

// modifySequence maps a sender's sequence number into the downstream numbering of dir.
// Caller must hold s.mu.
func (s *Session) modifySequence(dir Direction, seq uint16) uint16 {
	l := &s.dirs[dir]
	n := seq + l.offset
	for _, inj := range l.injections {
		if n >= inj {
			n++
		}
	}
	return n
}

// modifyAck maps an ACK travelling in dir back into the numbering of the side it is addressed to.
// Caller must hold s.mu.
func (s *Session) modifyAck(dir Direction, ack uint32) uint32 {
	if ack > 0xFFFF {
		return ack
	}
	theirs := &s.dirs[dir.opposite()]
	// live injections sit above the retired offset, so undo them first
	a := uint16(ack)
	for i := len(theirs.injections) - 1; i >= 0; i-- {
		if a >= theirs.injections[i] {
			a--
		}
	}
	return uint32(a - theirs.offset)
}

// checkAcks removes ACKs of packets the relay sent toward this packet's sender.
// Those ACKs answer the relay, not the other side.
// Caller must hold s.mu.
func (s *Session) checkAcks(dir Direction, acks []uint32) []uint32 {
	theirs := &s.dirs[dir.opposite()]
	if len(theirs.awaiting) == 0 {
		return acks
	}
	kept := acks[:0]
	for _, a := range acks {
		if a <= 0xFFFF {
			if p, found := theirs.awaiting[uint16(a)]; found {
				if !p.acked {
					p.acked = true
					theirs.seen = append(theirs.seen, uint16(a))
				}
				continue
			}
		}
		kept = append(kept, a)
	}
	return kept
}

// spoofAck acknowledges seq to the sender of a packet travelling in dir.
func (s *Session) spoofAck(dir Direction, seq uint16, out []Datagram) []Datagram {
	d, err := s.inject(dir.opposite(), SpoofAck(seq), false)
	if err != nil {
		s.log.Error().Err(err).Uint16("seq", seq).Msg("failed to spoof ACK")
		return out
	}
	return append(out, d)
}

// replaceDropped fills the downstream slot of a dropped packet with a PacketAck carrying its appended ACKs.
func (s *Session) replaceDropped(dir Direction, seq uint16, acks []uint32) []Datagram {
	data, err := s.SeparateAck(seq, acks)
	if err != nil {
		s.log.Error().Err(err).Uint16("seq", seq).Msg("failed to build replacement PacketAck")
		return nil
	}
	return []Datagram{{Direction: dir, Data: data}}
}

// intercept calls fn, reporting false if it panicked.
func (s *Session) intercept(fn Interceptor, dir Direction, p *Packet) (res *Packet, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Any("panic", r).Str("message", p.Message.Name).Msg("interceptor panicked")
			ok = false
		}
	}()
	return fn(s.sim, dir, p), true
}

// SpoofAck builds a PacketAck acknowledging seq.
// Used when the relay swallows a reliable packet so its sender stops resending it.
func SpoofAck(seq uint16) *message.Message {
	return message.Acks(uint32(seq))
}

// SeparateAck builds a standalone PacketAck with the given sequence number that carries acks as its entries.
// A dropped packet is replaced by one of these so the downstream sequence space stays gap-free and the ACKs it carried still arrive.
func (s *Session) SeparateAck(seq uint16, acks []uint32) ([]byte, error) {
	if len(acks) > message.MaxAcksPerPacket {
		acks = acks[:message.MaxAcksPerPacket]
	}
	return s.codec.Encode(message.Acks(acks...), 0, seq)
}

//#endregion forwarding

//#region injection

// Inject synthesizes a packet travelling in dir and returns it for writing.
// The packet takes the next sequence number downstream; every later packet in dir is shifted up to make room,
// and ACKs coming back for later packets are shifted down again before the sender sees them.
//
// Incoming injections made before the client has sent anything are queued (returning nil) and released by its first packet.
func (s *Session) Inject(dir Direction, m *message.Message, reliable bool) ([]Datagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, _, err := s.codec.Marshal(m); err != nil {
		return nil, err
	}
	if dir == Incoming && !s.clientSeen {
		s.queue = append(s.queue, queued{msg: m, reliable: reliable})
		s.log.Debug().Str("message", m.Name).Msg("queued incoming injection until the client speaks")
		return nil, nil
	}
	d, err := s.inject(dir, m, reliable)
	if err != nil {
		return nil, err
	}
	return []Datagram{d}, nil
}

// inject allocates a sequence number in dir and encodes m with it. Caller must hold s.mu.
func (s *Session) inject(dir Direction, m *message.Message, reliable bool) (Datagram, error) {
	t, body, err := s.codec.Marshal(m)
	if err != nil {
		return Datagram{}, err
	}
	l := &s.dirs[dir]
	seq := l.seq + 1

	var flags protocol.Flags
	if reliable {
		flags |= protocol.FlagReliable
	}
	data, err := protocol.Pack(&protocol.Frame{Header: t.Header(flags, seq), Body: body}, t.Zerocoded)
	if err != nil {
		return Datagram{}, err
	}

	l.seq = seq
	l.injections = append(l.injections, seq)
	l.injected++
	if reliable {
		l.awaiting[seq] = &owned{data: slices.Clone(data), sent: time.Now()}
	}
	s.metrics.RelayInjected.WithLabelValues(dir.String()).Inc()
	s.log.Debug().Str("direction", dir.String()).Str("message", m.Name).Uint16("seq", seq).Bool("reliable", reliable).Msg("injected")
	return Datagram{Direction: dir, Data: data}, nil
}

// Resend returns every unacknowledged relay-owned reliable packet last sent at least interval ago, flagged RESENT.
func (s *Session) Resend(now time.Time, interval time.Duration) []Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Datagram
	for d := range s.dirs {
		l := &s.dirs[d]
		for _, seq := range slices.Sorted(maps.Keys(l.awaiting)) {
			p := l.awaiting[seq]
			if p.acked || now.Sub(p.sent) < interval {
				continue
			}
			p.data[0] |= byte(protocol.FlagResent)
			p.sent = now
			p.resends++
			s.metrics.RelayResends.Inc()
			s.log.Info().Str("direction", Direction(d).String()).Uint16("seq", seq).Int("attempt", p.resends).Msg("resending relay-owned packet")
			out = append(out, Datagram{Direction: Direction(d), Data: slices.Clone(p.data)})
		}
	}
	return out
}

// GC retires bookkeeping that has survived a full GC interval.
// Injection records present at the previous GC fold into the direction's offset,
// and acknowledged relay-owned packets seen before the previous GC are forgotten.
//
// Folding assumes no packet older than the retired injections is still in flight, hence the one interval grace.
func (s *Session) GC() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d := range s.dirs {
		l := &s.dirs[d]

		retire := min(l.injPoint, len(l.injections))
		l.injections = slices.Delete(l.injections, 0, retire)
		l.offset += uint16(retire)
		l.injPoint = len(l.injections)

		forget := min(l.seenPoint, len(l.seen))
		for _, seq := range l.seen[:forget] {
			delete(l.awaiting, seq)
		}
		l.seen = slices.Delete(l.seen, 0, forget)
		l.seenPoint = len(l.seen)

		if retire > 0 || forget > 0 {
			s.log.Debug().Str("direction", Direction(d).String()).Int("retired injections", retire).Int("forgotten acks", forget).Uint16("offset", l.offset).Msg("gc")
		}
	}
}

//#endregion injection

//#region info

// DirectionInfo is a snapshot of one direction's ledger.
type DirectionInfo struct {
	Sequence   uint16   `json:"sequence" doc:"highest sequence number sent downstream"`
	Offset     uint16   `json:"offset" doc:"injections folded in by garbage collection"`
	Injections []uint16 `json:"injections" doc:"live injected sequence numbers, ascending"`
	Awaiting   int      `json:"awaiting" doc:"relay-owned reliable packets not yet acknowledged"`
	Forwarded  uint64   `json:"forwarded"`
	Injected   uint64   `json:"injected"`
	Dropped    uint64   `json:"dropped"`
}

// SessionInfo is a snapshot of a session.
type SessionInfo struct {
	Sim          string        `json:"sim" example:"127.0.0.1:13000" doc:"address of the simulator"`
	Listen       string        `json:"listen,omitempty" example:"127.0.0.1:49152" doc:"address clients connect to in place of the simulator"`
	Client       string        `json:"client,omitempty" doc:"address of the client, once it has spoken"`
	Queued       int           `json:"queued" doc:"incoming injections waiting for the client's first packet"`
	Incoming     DirectionInfo `json:"incoming"`
	Outgoing     DirectionInfo `json:"outgoing"`
	Created      time.Time     `json:"created"`
	LastActivity time.Time     `json:"last-activity"`
}

// Info returns a snapshot of the session. Listen and Client are filled in by the Relay.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		Sim:          s.sim.String(),
		Queued:       len(s.queue),
		Created:      s.created,
		LastActivity: s.lastActivity,
	}
	for d, dst := range map[Direction]*DirectionInfo{Incoming: &info.Incoming, Outgoing: &info.Outgoing} {
		l := &s.dirs[d]
		awaiting := 0
		for _, p := range l.awaiting {
			if !p.acked {
				awaiting++
			}
		}
		*dst = DirectionInfo{
			Sequence:   l.seq,
			Offset:     l.offset,
			Injections: slices.Clone(l.injections),
			Awaiting:   awaiting,
			Forwarded:  l.forwarded,
			Injected:   l.injected,
			Dropped:    l.dropped,
		}
	}
	return info
}

// Zerolog attaches the session's ledgers to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (s *Session) Zerolog(ev *zerolog.Event) {
	info := s.Info()
	ev.Str("sim", info.Sim).Int("queued", info.Queued)
	for _, d := range []struct {
		name string
		di   DirectionInfo
	}{{"incoming", info.Incoming}, {"outgoing", info.Outgoing}} {
		ev.Dict(d.name, zerolog.Dict().
			Uint16("seq", d.di.Sequence).
			Uint16("offset", d.di.Offset).
			Int("injections", len(d.di.Injections)).
			Int("awaiting", d.di.Awaiting))
	}
}

//#endregion info
