package rtp

import (
	"errors"
	"fmt"
)

// ErrUnknownClient is returned when audio is addressed to a client the
// transport has never seen or has already swept.
var ErrUnknownClient = errors.New("rtp: unknown client")

// TransportError reports a socket failure while binding, reading or sending.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("rtp: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rtp: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports an inbound datagram that is not a usable RTP packet.
// Such packets are dropped.
type ProtocolError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rtp: malformed packet from %s: %s: %v", e.Addr, e.Reason, e.Err)
	}
	return fmt.Sprintf("rtp: malformed packet from %s: %s", e.Addr, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
