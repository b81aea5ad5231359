// Package rtp terminates the telephony media leg: it receives µ-law RTP from
// the PBX on one UDP socket, tracks each remote endpoint as a [Client] and
// sends paced audio back from a second socket with per-client header state.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// DefaultInboundAddr is where the PBX delivers caller audio.
	DefaultInboundAddr = ":9999"

	// DefaultPayloadType is PCMU.
	DefaultPayloadType uint8 = 0

	// DefaultSamplesPerFrame is 20 ms at 8 kHz.
	DefaultSamplesPerFrame uint32 = 160

	DefaultStaleTimeout  = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second

	headerSize    = 12
	maxPacketSize = 1500
	eventBuffer   = 1024
)

// EventType discriminates [Event] values.
type EventType int

const (
	// EventClient announces a client seen for the first time.
	EventClient EventType = iota + 1
	// EventAudio carries the payload of one inbound packet.
	EventAudio
	// EventClientGone reports a client removed by the stale sweep.
	EventClientGone
)

func (t EventType) String() string {
	switch t {
	case EventClient:
		return "client"
	case EventAudio:
		return "audio"
	case EventClientGone:
		return "client_gone"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Event is emitted on [Transport.Events].
type Event struct {
	Type      EventType
	ClientKey string
	Client    *Client
	// Payload is owned by the receiver.
	Payload []byte
}

// Stats is a snapshot of transport counters.
type Stats struct {
	PacketsIn     uint64
	PacketsOut    uint64
	BytesIn       uint64
	BytesOut      uint64
	SendFailures  uint64
	Malformed     uint64
	DroppedEvents uint64
	Clients       int
}

// Option configures a [Transport].
type Option func(*Transport)

// WithInboundAddr sets the listen address for inbound RTP. The outbound
// socket binds to the same host one port below; port 0 binds both to
// ephemeral ports.
func WithInboundAddr(addr string) Option {
	return func(t *Transport) { t.inboundAddr = addr }
}

// WithPayloadType sets the payload type written on outbound packets.
func WithPayloadType(pt uint8) Option {
	return func(t *Transport) { t.payloadType = pt }
}

// WithSamplesPerFrame sets the timestamp increment per outbound packet.
func WithSamplesPerFrame(n uint32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.samplesPerFrame = n
		}
	}
}

// WithStaleTimeout sets how long a silent client survives before the sweep
// removes it.
func WithStaleTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.staleTimeout = d
		}
	}
}

// WithSweepInterval sets how often stale clients are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.sweepInterval = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// Transport owns the inbound and outbound UDP sockets and the client table.
// All exported methods are safe for concurrent use.
type Transport struct {
	inboundAddr     string
	payloadType     uint8
	samplesPerFrame uint32
	staleTimeout    time.Duration
	sweepInterval   time.Duration
	now             func() time.Time

	in  *net.UDPConn
	out *net.UDPConn

	mu      sync.RWMutex
	clients map[string]*Client

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once

	packetsIn, packetsOut   atomic.Uint64
	bytesIn, bytesOut       atomic.Uint64
	sendFailures, malformed atomic.Uint64
	droppedEvents           atomic.Uint64
}

// New creates a Transport. Sockets are not bound until [Transport.Listen].
func New(opts ...Option) *Transport {
	t := &Transport{
		inboundAddr:     DefaultInboundAddr,
		payloadType:     DefaultPayloadType,
		samplesPerFrame: DefaultSamplesPerFrame,
		staleTimeout:    DefaultStaleTimeout,
		sweepInterval:   DefaultSweepInterval,
		now:             time.Now,
		clients:         make(map[string]*Client),
		events:          make(chan Event, eventBuffer),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Listen binds both sockets and starts the receive and sweep goroutines. They
// stop when ctx is cancelled or [Transport.Close] is called.
func (t *Transport) Listen(ctx context.Context) error {
	inAddr, err := net.ResolveUDPAddr("udp", t.inboundAddr)
	if err != nil {
		return &TransportError{Op: "resolve", Addr: t.inboundAddr, Err: err}
	}
	in, err := net.ListenUDP("udp", inAddr)
	if err != nil {
		return &TransportError{Op: "bind inbound", Addr: t.inboundAddr, Err: err}
	}

	outAddr := &net.UDPAddr{IP: inAddr.IP, Zone: inAddr.Zone}
	if inAddr.Port > 0 {
		outAddr.Port = inAddr.Port - 1
	}
	out, err := net.ListenUDP("udp", outAddr)
	if err != nil {
		in.Close()
		return &TransportError{Op: "bind outbound", Addr: outAddr.String(), Err: err}
	}

	t.in, t.out = in, out
	slog.Info("rtp transport listening",
		"inbound", in.LocalAddr().String(),
		"outbound", out.LocalAddr().String(),
	)

	t.wg.Add(2)
	go t.readLoop()
	go t.sweepLoop()
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.done:
		}
	}()
	return nil
}

// LocalAddr returns the bound inbound address, or nil before Listen.
func (t *Transport) LocalAddr() net.Addr {
	if t.in == nil {
		return nil
	}
	return t.in.LocalAddr()
}

// OutboundAddr returns the bound outbound address, or nil before Listen.
func (t *Transport) OutboundAddr() net.Addr {
	if t.out == nil {
		return nil
	}
	return t.out.LocalAddr()
}

// Events returns the channel of transport events. The channel is never
// closed; consumers stop on their own context.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Client returns the client registered under key.
func (t *Transport) Client(key string) (*Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[key]
	return c, ok
}

// Clients returns the keys of all known clients.
func (t *Transport) Clients() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.clients))
	for k := range t.clients {
		keys = append(keys, k)
	}
	return keys
}

// RemoveClient forgets key. A later packet from the same address creates a
// new client with fresh outbound state. It reports whether key was known.
func (t *Transport) RemoveClient(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.clients[key]; !ok {
		return false
	}
	delete(t.clients, key)
	return true
}

// SendAudio sends payload to the client registered under clientKey using that
// client's own sequence, timestamp and SSRC. It returns false for unknown
// clients and on socket errors; failures are logged, never returned.
func (t *Transport) SendAudio(clientKey string, payload []byte) bool {
	c, ok := t.Client(clientKey)
	if !ok {
		t.sendFailures.Add(1)
		slog.Warn("rtp send skipped", "client_key", clientKey, "err", ErrUnknownClient)
		return false
	}
	if t.out == nil {
		t.sendFailures.Add(1)
		return false
	}

	pkt := rtp.Packet{
		Header:  c.nextHeader(t.payloadType, t.samplesPerFrame),
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.sendFailures.Add(1)
		slog.Error("rtp marshal failed", "client_key", clientKey, "err", err)
		return false
	}
	if _, err := t.out.WriteToUDP(data, c.addr); err != nil {
		t.sendFailures.Add(1)
		slog.Warn("rtp send failed", "client_key", clientKey,
			"err", &TransportError{Op: "send", Addr: clientKey, Err: err})
		return false
	}
	t.packetsOut.Add(1)
	t.bytesOut.Add(uint64(len(data)))
	return true
}

// SweepStale removes every client whose last packet is older than the stale
// timeout, emits [EventClientGone] for each and returns their keys.
func (t *Transport) SweepStale() []string {
	cutoff := t.now().Add(-t.staleTimeout)

	t.mu.Lock()
	var gone []*Client
	for key, c := range t.clients {
		if c.LastSeen().Before(cutoff) {
			delete(t.clients, key)
			gone = append(gone, c)
		}
	}
	t.mu.Unlock()

	keys := make([]string, 0, len(gone))
	for _, c := range gone {
		slog.Info("rtp client stale, removing", "client_key", c.key, "last_seen", c.LastSeen())
		t.emit(Event{Type: EventClientGone, ClientKey: c.key, Client: c}, true)
		keys = append(keys, c.key)
	}
	return keys
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	t.mu.RLock()
	n := len(t.clients)
	t.mu.RUnlock()
	return Stats{
		PacketsIn:     t.packetsIn.Load(),
		PacketsOut:    t.packetsOut.Load(),
		BytesIn:       t.bytesIn.Load(),
		BytesOut:      t.bytesOut.Load(),
		SendFailures:  t.sendFailures.Load(),
		Malformed:     t.malformed.Load(),
		DroppedEvents: t.droppedEvents.Load(),
		Clients:       n,
	}
}

// Close stops the background goroutines and closes both sockets. It is safe
// to call more than once and returns once both goroutines have exited.
func (t *Transport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.in != nil {
			if err := t.in.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if t.out != nil {
			if err := t.out.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		t.wg.Wait()
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("rtp: close: %w", err)
	}
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := t.in.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-t.done:
				return
			default:
			}
			slog.Warn("rtp read failed", "err", &TransportError{Op: "read", Err: err})
			continue
		}
		t.handlePacket(buf[:n], addr)
	}
}

// handlePacket parses one datagram and routes it to its client.
func (t *Transport) handlePacket(data []byte, addr *net.UDPAddr) {
	var pkt rtp.Packet
	if perr := parse(data, addr, &pkt); perr != nil {
		t.malformed.Add(1)
		slog.Debug("rtp packet dropped", "err", perr)
		return
	}

	now := t.now()
	key := addr.String()

	t.mu.Lock()
	c, known := t.clients[key]
	if !known {
		c = newClient(addr, now, randomOutbound())
		t.clients[key] = c
	}
	t.mu.Unlock()

	c.observe(&pkt.Header, now)
	t.packetsIn.Add(1)
	t.bytesIn.Add(uint64(len(data)))

	if !known {
		slog.Info("rtp client registered", "client_key", key, "ssrc", pkt.SSRC)
		t.emit(Event{Type: EventClient, ClientKey: key, Client: c}, true)
	}

	// pion aliases the read buffer, which is reused for the next datagram.
	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	t.emit(Event{Type: EventAudio, ClientKey: key, Client: c, Payload: payload}, false)
}

func parse(data []byte, addr *net.UDPAddr, pkt *rtp.Packet) *ProtocolError {
	if len(data) < headerSize {
		return &ProtocolError{Addr: addr.String(), Reason: fmt.Sprintf("short packet (%d bytes)", len(data))}
	}
	if v := data[0] >> 6; v != 2 {
		return &ProtocolError{Addr: addr.String(), Reason: fmt.Sprintf("unsupported version %d", v)}
	}
	if err := pkt.Unmarshal(data); err != nil {
		return &ProtocolError{Addr: addr.String(), Reason: "unmarshal", Err: err}
	}
	return nil
}

// emit delivers ev. Lifecycle events block until the consumer catches up or
// the transport closes; audio events are dropped when the buffer is full.
func (t *Transport) emit(ev Event, lifecycle bool) {
	if lifecycle {
		select {
		case t.events <- ev:
		case <-t.done:
		}
		return
	}
	select {
	case t.events <- ev:
	default:
		if t.droppedEvents.Add(1)%100 == 1 {
			slog.Warn("rtp event buffer full, dropping audio", "client_key", ev.ClientKey)
		}
	}
}

func (t *Transport) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.SweepStale()
		}
	}
}
