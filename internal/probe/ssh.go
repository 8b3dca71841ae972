package probe

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// errHostKeySeen aborts the handshake once the server has presented a host
// key; at that point the daemon is known to be answering.
var errHostKeySeen = errors.New("probe: host key received")

// sshHandshake dials hostport and runs the SSH key exchange far enough to
// receive the server's host key. No authentication is attempted.
func sshHandshake(ctx context.Context, hostport string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	seen := false
	cfg := &ssh.ClientConfig{
		User: "devtray",
		HostKeyCallback: func(string, net.Addr, ssh.PublicKey) error {
			seen = true
			return errHostKeySeen
		},
		Timeout: time.Until(deadlineOr(ctx, 5*time.Second)),
	}

	_, _, _, err = ssh.NewClientConn(conn, hostport, cfg)
	if seen {
		return nil
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errTimeout
	}
	return err
}

func deadlineOr(ctx context.Context, d time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(d)
}
