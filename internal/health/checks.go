package health

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Transport reports whether the RTP socket is bound. addr returns nil until
// the transport is listening.
func Transport(addr func() net.Addr) Checker {
	return Checker{
		Name: "rtp",
		Check: func(context.Context) (string, error) {
			a := addr()
			if a == nil {
				return "", errors.New("rtp transport is not listening")
			}
			return "listening on " + a.String(), nil
		},
	}
}

// Connections reports the number of live calls. With limit > 0 the check
// fails once the bridge is at capacity so new calls go elsewhere.
func Connections(active func() int, limit int) Checker {
	return Checker{
		Name: "connections",
		Check: func(context.Context) (string, error) {
			n := active()
			if limit > 0 && n >= limit {
				return "", fmt.Errorf("%d active connections, limit %d", n, limit)
			}
			return fmt.Sprintf("%d active", n), nil
		},
	}
}
