package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// echo sends one ICMP echo request and waits for the matching reply.
func (p *Probe) echo(ctx context.Context, host string) error {
	ipAddr, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	var dst net.IP
	for _, a := range ipAddr {
		if v4 := a.IP.To4(); v4 != nil {
			dst = v4
			break
		}
	}
	if dst == nil {
		return fmt.Errorf("resolve %s: no IPv4 address", host)
	}

	conn, udp, err := p.listen()
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	id := os.Getpid() & 0xffff
	seq := int(time.Now().UnixNano() & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("devtray")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal echo: %w", err)
	}

	var target net.Addr = &net.IPAddr{IP: dst}
	if udp {
		target = &net.UDPAddr{IP: dst}
	}
	if _, err := conn.WriteTo(wb, target); err != nil {
		return fmt.Errorf("send echo: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			if ctx.Err() != nil {
				return errTimeout
			}
			return fmt.Errorf("read reply: %w", err)
		}
		if !samePeer(peer, dst) {
			continue
		}
		reply, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil {
			continue
		}
		switch reply.Type {
		case ipv4.ICMPTypeEchoReply:
			// Unprivileged sockets rewrite the identifier, so only the
			// sequence number is compared.
			if body, ok := reply.Body.(*icmp.Echo); ok && body.Seq == seq {
				return nil
			}
		case ipv4.ICMPTypeDestinationUnreachable:
			return fmt.Errorf("%s: destination unreachable", host)
		}
	}
}

// listen opens an unprivileged datagram ICMP socket, falling back to a raw
// socket when the platform refuses.
func (p *Probe) listen() (*icmp.PacketConn, bool, error) {
	if !p.Privileged {
		conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
		if err == nil {
			return conn, true, nil
		}
	}
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, false, fmt.Errorf("open icmp socket: %w", err)
	}
	return conn, false, nil
}

func samePeer(peer net.Addr, ip net.IP) bool {
	switch a := peer.(type) {
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	case *net.IPAddr:
		return a.IP.Equal(ip)
	default:
		return false
	}
}
