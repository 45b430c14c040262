// Package peer implements the peer agent (spec §4.2): it owns one UDP
// socket, discovers its own reachability via STUN, registers with the
// signal server, hole-punches to other peers (including the symmetric-NAT
// brute-force sweep), and demultiplexes inbound datagrams into control
// (HOLEPUNCH) versus user data.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arheim/signalmesh/pkg/msgstore"
	"github.com/arheim/signalmesh/pkg/nat"
	"github.com/arheim/signalmesh/pkg/notify"
	"github.com/arheim/signalmesh/pkg/stunprobe"
	"github.com/arheim/signalmesh/pkg/wire"
)

// defaultSweepRadius is how far on either side of a symmetric peer's
// advertised port the punch sweep searches (spec §4.2).
const defaultSweepRadius = 5000

// defaultSweepPacing is the delay between sends in the brute-force sweep,
// chosen to stay under typical NAT port-allocation rate limits.
const defaultSweepPacing = 1 * time.Millisecond

// Events delivered to in-process subscribers. Nickname is set for both
// event types; Payload only for DataReceived.
type Event = notify.Event

// Agent is the peer-side runtime. Build one with New.
type Agent struct {
	log    *logrus.Entry
	conn   *net.UDPConn
	info   nat.PeerInfo
	store  msgstore.Store
	hub    *notify.Hub
	events chan Event

	sendCh chan outboundPacket

	// sweepRadius and sweepPacing parameterize the symmetric-NAT
	// brute-force sweep (spec §4.2). They default to defaultSweepRadius
	// and defaultSweepPacing; tests shrink them to keep the sweep's
	// ~10-second real-time cost out of the unit test suite.
	sweepRadius int
	sweepPacing time.Duration

	signalAddr   *net.UDPAddr
	rendezvousCh chan []byte

	mu           sync.Mutex
	activePeers  map[string]net.UDPAddr // nickname -> address
	reverseIndex map[string]string      // "ip:port" -> nickname
}

type outboundPacket struct {
	payload []byte
	addr    *net.UDPAddr
}

// New binds a UDP socket on port (0 for an ephemeral port), probes the
// caller's public reachability via prober, and returns an Agent ready to
// Run. store and hub may be nil: a nil store falls back to an
// in-memory one, and a nil hub simply disables the WebSocket fan-out.
func New(nickname string, port int, stunServers []string, signalServerAddr string, prober stunprobe.Prober, store msgstore.Store, hub *notify.Hub, log *logrus.Entry) (*Agent, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if store == nil {
		store = msgstore.NewMemory()
	}
	if len(stunServers) == 0 {
		return nil, fmt.Errorf("peer: at least one STUN server is required")
	}

	signalAddr, err := net.ResolveUDPAddr("udp4", signalServerAddr)
	if err != nil {
		return nil, fmt.Errorf("peer: resolve signal server address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("peer: bind UDP socket: %w", err)
	}

	public, err := prober.GetAddress(conn, stunServers[0])
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: STUN address discovery failed: %w", err)
	}

	natType, err := prober.GetNATType(stunServers)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: STUN NAT classification failed: %w", err)
	}

	a := &Agent{
		log:  log.WithField("nickname", nickname),
		conn: conn,
		info: nat.PeerInfo{
			Nickname: nickname,
			Public:   public,
			NATType:  natType,
		},
		store:        store,
		hub:          hub,
		events:       make(chan Event, 256),
		sendCh:       make(chan outboundPacket, 256),
		sweepRadius:  defaultSweepRadius,
		sweepPacing:  defaultSweepPacing,
		signalAddr:   signalAddr,
		rendezvousCh: make(chan []byte, 16),
		activePeers:  make(map[string]net.UDPAddr),
		reverseIndex: make(map[string]string),
	}

	a.log.WithFields(logrus.Fields{
		"public_addr": fmt.Sprintf("%s:%d", public.IP, public.Port),
		"nat_type":    natType,
	}).Info("peer agent initialized")

	return a, nil
}

// Info returns the agent's own (immutable) self-description.
func (a *Agent) Info() nat.PeerInfo {
	return a.info
}

// Events returns the channel of peer_registered/data_received
// notifications for in-process subscribers.
func (a *Agent) Events() <-chan Event {
	return a.events
}

// Close releases the underlying socket.
func (a *Agent) Close() error {
	return a.conn.Close()
}

// Run starts the sender goroutine and the inbound read loop. It blocks
// until ctx is canceled or the socket fails.
func (a *Agent) Run(ctx context.Context) error {
	go a.senderLoop(ctx)

	buf := make([]byte, wire.BufferSize)
	go func() {
		<-ctx.Done()
		a.conn.Close()
	}()

	for {
		n, remote, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if n == 0 {
			continue
		}
		datagram := append([]byte(nil), buf[:n]...)
		a.handleInbound(datagram, remote)
	}
}

func (a *Agent) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-a.sendCh:
			if _, err := a.conn.WriteToUDP(pkt.payload, pkt.addr); err != nil {
				a.log.WithError(err).Warn("peer: send failed")
			}
		}
	}
}

// enqueue serializes a write through the single sender goroutine so the
// socket is never written to concurrently.
func (a *Agent) enqueue(payload []byte, addr *net.UDPAddr) {
	select {
	case a.sendCh <- outboundPacket{payload: payload, addr: addr}:
	default:
		a.log.Warn("peer: send queue full, dropping outbound datagram")
	}
}

func (a *Agent) handleInbound(datagram []byte, remote *net.UDPAddr) {
	if sameHost(remote, a.signalAddr) {
		a.handleRendezvousResponse(datagram)
		return
	}
	if wire.IsHolepunch(datagram) {
		a.handleHolepunch(datagram, remote)
		return
	}
	a.handleUserData(datagram, remote)
}

func (a *Agent) handleRendezvousResponse(datagram []byte) {
	select {
	case a.rendezvousCh <- datagram:
	default:
		a.log.Warn("peer: rendezvous response queue full, dropping datagram")
	}
}

func sameHost(x, y *net.UDPAddr) bool {
	return x.IP.Equal(y.IP) && x.Port == y.Port
}

func (a *Agent) handleHolepunch(datagram []byte, remote *net.UDPAddr) {
	nickname := wire.DecodeHolepunch(datagram)
	key := remote.String()

	a.mu.Lock()
	_, known := a.reverseIndex[key]
	if !known {
		a.activePeers[nickname] = *remote
		a.reverseIndex[key] = nickname
	}
	a.mu.Unlock()

	if known {
		// Duplicate HOLEPUNCH from a known address: idempotent no-op.
		return
	}

	a.log.WithFields(logrus.Fields{"peer": nickname, "addr": remote}).Info("peer activated")
	a.makeHolepunch(remote, false)
	a.emit(Event{Type: notify.PeerRegistered, Nickname: nickname})
}

func (a *Agent) handleUserData(payload []byte, remote *net.UDPAddr) {
	nickname := a.lookupNickname(remote)
	if err := a.store.Add(nickname, a.info.Nickname, payload); err != nil {
		a.log.WithError(err).Warn("peer: failed to record received message")
	}
	a.emit(Event{Type: notify.DataReceived, Nickname: nickname, Payload: payload})
}

func (a *Agent) emit(event Event) {
	select {
	case a.events <- event:
	default:
		a.log.Warn("peer: event subscriber too slow, dropping notification")
	}
	if a.hub != nil {
		a.hub.Broadcast(event)
	}
}

func (a *Agent) lookupNickname(addr *net.UDPAddr) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reverseIndex[addr.String()]
}

// makeHolepunch sends the HOLEPUNCH payload to address, either as a single
// normal datagram or, when brute is set, as a sweep across the port window
// around address's port (spec §4.2).
func (a *Agent) makeHolepunch(address *net.UDPAddr, brute bool) {
	payload := wire.EncodeHolepunch(a.info.Nickname)

	if !brute {
		a.enqueue(payload, address)
		return
	}

	go a.bruteSweep(payload, address)
}

// symmetricSweepPorts returns the candidate ports the brute-force sweep
// probes around targetPort, excluding selfPort, clamped to the valid port
// range.
func symmetricSweepPorts(targetPort, selfPort, radius int) []int {
	minPort := targetPort - radius
	if minPort < 0 {
		minPort = 0
	}
	maxPort := targetPort + radius
	if maxPort > 65535 {
		maxPort = 65535
	}

	ports := make([]int, 0, maxPort-minPort+1)
	for port := minPort; port <= maxPort; port++ {
		if port == selfPort {
			continue
		}
		ports = append(ports, port)
	}
	return ports
}

func (a *Agent) bruteSweep(payload []byte, address *net.UDPAddr) {
	ports := symmetricSweepPorts(address.Port, a.info.Public.Port, a.sweepRadius)

	ticker := time.NewTicker(a.sweepPacing)
	defer ticker.Stop()

	for _, port := range ports {
		<-ticker.C
		addr := &net.UDPAddr{IP: address.IP, Port: port}
		a.enqueue(payload, addr)
	}
}

// RegisterPeer dispatches hole-punching for a newly learned remote peer,
// per its advertised NAT type (spec §4.2): Common gets a single punch,
// Symmetric gets the brute-force sweep.
func (a *Agent) RegisterPeer(p nat.PeerInfo) {
	addr := &net.UDPAddr{IP: net.ParseIP(p.Public.IP), Port: p.Public.Port}
	switch p.NATType {
	case nat.Common:
		a.makeHolepunch(addr, false)
	case nat.Symmetric:
		a.makeHolepunch(addr, true)
	default:
		a.log.WithField("peer", p.Nickname).Warn("peer: unknown NAT type, skipping punch")
	}
}

// PingActivePeers sends a keep-alive HOLEPUNCH to every currently active
// peer, to keep their NAT mappings warm. It is a no-op if no peers are
// active.
func (a *Agent) PingActivePeers() {
	a.mu.Lock()
	addrs := make([]net.UDPAddr, 0, len(a.activePeers))
	for _, addr := range a.activePeers {
		addrs = append(addrs, addr)
	}
	a.mu.Unlock()

	for i := range addrs {
		a.makeHolepunch(&addrs[i], false)
	}
}

// SendData writes buf as a single UDP datagram to addr and records the
// exchange in the message store as from=self, to=the peer reachable at
// addr (the reverse-lookup policy decision recorded in DESIGN.md, fixing
// the ambiguous from/to the reference implementation recorded).
func (a *Agent) SendData(buf []byte, addr *net.UDPAddr) {
	a.enqueue(append([]byte(nil), buf...), addr)

	to := a.lookupNickname(addr)
	if err := a.store.Add(a.info.Nickname, to, buf); err != nil {
		a.log.WithError(err).Warn("peer: failed to record sent message")
	}
}

// ActivePeers returns a snapshot of nickname -> address for every
// currently active peer.
func (a *Agent) ActivePeers() map[string]net.UDPAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]net.UDPAddr, len(a.activePeers))
	for k, v := range a.activePeers {
		out[k] = v
	}
	return out
}
