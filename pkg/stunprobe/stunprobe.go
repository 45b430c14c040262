// Package stunprobe is the concrete binding for the STUN collaborator the
// peer agent depends on (spec §6): given a UDP socket and a STUN server, it
// resolves the caller's public (ip, port); given a list of STUN servers, it
// classifies the local NAT as Common or Symmetric. It is a thin, swappable
// wrapper around github.com/pion/stun — the peer agent only depends on the
// Prober interface below, never on this package's internals.
package stunprobe

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"

	"github.com/arheim/signalmesh/pkg/nat"
)

// Prober is the narrow STUN interface the peer agent consumes. A fake may
// be substituted in tests.
type Prober interface {
	GetAddress(conn *net.UDPConn, server string) (nat.HostAddress, error)
	GetNATType(servers []string) (nat.NATType, error)
}

// Client is the default Prober, backed by pion/stun binding requests.
type Client struct {
	Timeout time.Duration
	Log     *logrus.Entry
}

// New returns a Client with a sane default request timeout.
func New(log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{Timeout: 5 * time.Second, Log: log}
}

// GetAddress performs a single STUN binding request over conn against
// server and returns the external address the server observed.
func (c *Client) GetAddress(conn *net.UDPConn, server string) (nat.HostAddress, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nat.HostAddress{}, fmt.Errorf("stunprobe: resolve %s: %w", server, err)
	}

	pc := &stunConn{conn: conn, remote: serverAddr, timeout: c.timeout()}
	client, err := stun.NewClient(pc)
	if err != nil {
		return nat.HostAddress{}, fmt.Errorf("stunprobe: new client: %w", err)
	}
	defer client.Close()

	var addr nat.HostAddress
	var doErr error
	err = client.Do(stun.MustBuild(stun.TransactionID(), stun.BindingRequest), func(ev stun.Event) {
		if ev.Error != nil {
			doErr = ev.Error
			return
		}
		var xor stun.XORMappedAddress
		if getErr := xor.GetFrom(ev.Message); getErr != nil {
			doErr = getErr
			return
		}
		addr = nat.HostAddress{IP: xor.IP.String(), Port: xor.Port}
	})
	if err != nil {
		return nat.HostAddress{}, fmt.Errorf("stunprobe: binding request to %s: %w", server, err)
	}
	if doErr != nil {
		return nat.HostAddress{}, fmt.Errorf("stunprobe: binding response from %s: %w", server, doErr)
	}

	c.Log.WithFields(logrus.Fields{"server": server, "public_addr": addr}).Info("resolved public address")
	return addr, nil
}

// GetNATType classifies the local NAT by comparing the external port a
// binding request observes against two distinct STUN servers: an
// unchanged port across servers means Common, a differing port means
// Symmetric. This mirrors the classic RFC 3489-style discriminator, pared
// down to the two classes this protocol distinguishes.
func (c *Client) GetNATType(servers []string) (nat.NATType, error) {
	if len(servers) < 2 {
		return nat.Unknown, fmt.Errorf("stunprobe: need at least 2 STUN servers to classify NAT type, got %d", len(servers))
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nat.Unknown, fmt.Errorf("stunprobe: bind probe socket: %w", err)
	}
	defer conn.Close()

	first, err := c.GetAddress(conn, servers[0])
	if err != nil {
		return nat.Unknown, err
	}
	second, err := c.GetAddress(conn, servers[1])
	if err != nil {
		return nat.Unknown, err
	}

	if first.Port != second.Port {
		c.Log.Info("NAT classified as symmetric: external port varies by destination")
		return nat.Symmetric, nil
	}
	c.Log.Info("NAT classified as common: external port stable across destinations")
	return nat.Common, nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Timeout
}

// stunConn adapts a *net.UDPConn fixed to a single remote STUN server into
// the Read/Write/Close connection pion/stun's Client expects.
type stunConn struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	timeout time.Duration
}

func (p *stunConn) Read(b []byte) (int, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
		return 0, err
	}
	n, _, err := p.conn.ReadFromUDP(b)
	return n, err
}

func (p *stunConn) Write(b []byte) (int, error) {
	return p.conn.WriteToUDP(b, p.remote)
}

func (p *stunConn) Close() error {
	return nil
}
