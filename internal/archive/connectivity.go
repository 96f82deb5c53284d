package archive

import (
	"context"
	"net"
	"time"
)

// AlwaysOnline reports every network as available.
type AlwaysOnline struct{}

func (AlwaysOnline) IsOnline(context.Context, Network) bool { return true }

// DialCheck treats the host as online when a TCP connection to Address
// succeeds. It cannot tell metered from unmetered links, so both
// constraints get the same answer.
type DialCheck struct {
	Address string
	Timeout time.Duration
}

func (d DialCheck) IsOnline(ctx context.Context, _ Network) bool {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
