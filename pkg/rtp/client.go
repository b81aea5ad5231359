package rtp

import (
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// InboundState mirrors the header of the most recent packet received from a
// client. It is informational only.
type InboundState struct {
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	PayloadType uint8
}

// OutboundState is the header state of the stream we send back to a client.
// Every client owns its own state; nothing is shared between clients.
type OutboundState struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// randomOutbound seeds a fresh outbound stream. RFC 3550 asks for random
// initial sequence number, timestamp and SSRC.
func randomOutbound() OutboundState {
	return OutboundState{
		Sequence:  uint16(rand.Uint32()),
		Timestamp: rand.Uint32(),
		SSRC:      rand.Uint32(),
	}
}

// Client is one remote RTP endpoint, identified by its "address:port" key.
type Client struct {
	key  string
	addr *net.UDPAddr

	mu       sync.Mutex
	lastSeen time.Time
	inbound  InboundState
	outbound OutboundState
}

func newClient(addr *net.UDPAddr, seen time.Time, out OutboundState) *Client {
	return &Client{
		key:      addr.String(),
		addr:     addr,
		lastSeen: seen,
		outbound: out,
	}
}

// Key returns the client's "address:port" identity.
func (c *Client) Key() string { return c.key }

// Addr returns the UDP address audio is sent to.
func (c *Client) Addr() *net.UDPAddr { return c.addr }

// LastSeen returns the arrival time of the most recent inbound packet.
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Inbound returns a copy of the mirrored inbound header state.
func (c *Client) Inbound() InboundState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound
}

// Outbound returns a copy of the outbound header state. Sequence and
// Timestamp are those of the last packet sent (or the seed if none was).
func (c *Client) Outbound() OutboundState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound
}

func (c *Client) observe(h *rtp.Header, at time.Time) {
	c.mu.Lock()
	c.lastSeen = at
	c.inbound = InboundState{
		Sequence:    h.SequenceNumber,
		Timestamp:   h.Timestamp,
		SSRC:        h.SSRC,
		PayloadType: h.PayloadType,
	}
	c.mu.Unlock()
}

// nextHeader advances the outbound stream by one frame and returns the header
// for it. Sequence wraps modulo 2^16 and timestamp modulo 2^32.
func (c *Client) nextHeader(payloadType uint8, samplesPerFrame uint32) rtp.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound.Sequence++
	c.outbound.Timestamp += samplesPerFrame
	return rtp.Header{
		Version:        2,
		PayloadType:    payloadType,
		SequenceNumber: c.outbound.Sequence,
		Timestamp:      c.outbound.Timestamp,
		SSRC:           c.outbound.SSRC,
	}
}
