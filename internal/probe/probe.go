// Package probe checks whether a managed server answers on the network.
//
// Plain host names and IP addresses are probed with an ICMP echo request.
// Addresses of the form ssh://host[:port] are probed with an SSH key
// exchange, and tcp://host:port with a TCP connect.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single probe when the caller passes none.
const DefaultTimeout = 3 * time.Second

// Status is the outcome of a probe.
type Status int

const (
	StatusSuccess Status = iota
	StatusTimeout
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result describes one probe.
type Result struct {
	Status  Status
	Address string
	RTT     time.Duration
	Err     error
}

// OK reports whether the target answered.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Prober checks reachability of an address.
type Prober interface {
	Ping(ctx context.Context, address string, timeout time.Duration) Result
}

// Probe is the network Prober.
type Probe struct {
	// Privileged skips the unprivileged ICMP socket and uses a raw socket.
	Privileged bool
}

// New returns a network prober.
func New() *Probe {
	return &Probe{}
}

// Ping probes address and never returns without a Result.
func (p *Probe) Ping(ctx context.Context, address string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := Result{Address: address}
	start := time.Now()

	scheme, host, err := splitAddress(address)
	if err != nil {
		res.Status = StatusError
		res.Err = err
		return res
	}

	switch scheme {
	case "ssh":
		err = sshHandshake(ctx, host)
	case "tcp":
		err = tcpConnect(ctx, host)
	default:
		err = p.echo(ctx, host)
	}

	res.RTT = time.Since(start)
	switch {
	case err == nil:
		res.Status = StatusSuccess
	case isTimeout(err):
		res.Status = StatusTimeout
		res.Err = err
	default:
		res.Status = StatusError
		res.Err = err
	}
	return res
}

func splitAddress(address string) (scheme, host string, err error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", errors.New("probe: empty address")
	}
	if !strings.Contains(address, "://") {
		return "icmp", address, nil
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("probe: parse address %q: %w", address, err)
	}
	switch u.Scheme {
	case "ssh":
		host := u.Host
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "22")
		}
		return "ssh", host, nil
	case "tcp":
		if u.Port() == "" {
			return "", "", fmt.Errorf("probe: %q needs a port", address)
		}
		return "tcp", u.Host, nil
	case "icmp":
		return "icmp", u.Hostname(), nil
	default:
		return "", "", fmt.Errorf("probe: unsupported scheme %q", u.Scheme)
	}
}

func tcpConnect(ctx context.Context, hostport string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return err
	}
	return conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var errTimeout = errors.New("probe: no reply before deadline")
