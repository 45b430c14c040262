// Package signalserver implements the rendezvous half of the protocol
// (spec §4.1): a UDP endpoint that keeps a live nickname -> contact-frame
// mapping, serves ADD and GET requests, and evicts stale entries.
package signalserver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arheim/signalmesh/pkg/wire"
)

// IdleTimeout is how long a client record may go without a refreshing ADD
// before the sweep evicts it. It intentionally equals SweepInterval: a
// client that stops refreshing is gone within one sweep window.
const IdleTimeout = 30 * time.Second

// SweepInterval is how often the eviction sweep runs.
const SweepInterval = 30 * time.Second

// clientRecord is the server-side record for one registered nickname.
type clientRecord struct {
	frame    []byte
	lastSeen time.Time
}

// Stats is a read-only snapshot of server activity, exposed over the
// optional debug HTTP surface.
type Stats struct {
	ActiveClients    int       `json:"active_clients"`
	TotalAdds        uint64    `json:"total_adds"`
	TotalGets        uint64    `json:"total_gets"`
	LastSweepRemoved int       `json:"last_sweep_removed"`
	LastSweepAt      time.Time `json:"last_sweep_at"`
}

// Server is the rendezvous endpoint. The zero value is not usable; build
// one with New.
type Server struct {
	log            *logrus.Entry
	conn           *net.UDPConn
	workerPoolSize int

	mu      sync.RWMutex
	clients map[string]clientRecord

	statsMu sync.Mutex
	stats   Stats
}

// New binds a UDP socket at bindAddr:port and returns a Server ready to
// Run. workerPoolSize bounds how many ADD/GET requests are processed
// concurrently.
func New(bindAddr string, port int, workerPoolSize int, log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	addr := &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		log:            log,
		conn:           conn,
		workerPoolSize: workerPoolSize,
		clients:        make(map[string]clientRecord),
	}, nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the underlying socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Stats returns a snapshot of current server activity.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	active := len(s.clients)
	s.mu.RUnlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	snap := s.stats
	snap.ActiveClients = active
	return snap
}

// Run drives the acceptor loop and the sweeper goroutine until ctx is
// canceled. The acceptor dispatches ADD and GET requests into a bounded
// worker pool; unrecognized or malformed datagrams are silently dropped
// per the protocol's one-way-lossy error policy.
func (s *Server) Run(ctx context.Context) error {
	jobs := make(chan func(), s.workerPoolSize*4)
	var wg sync.WaitGroup
	for i := 0; i < s.workerPoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				job()
			}
		}()
	}

	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		s.sweepLoop(ctx)
	}()

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, wire.BufferSize)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				sweepWG.Wait()
				return nil
			default:
				s.log.WithError(err).Error("signalserver: fatal socket error")
				close(jobs)
				wg.Wait()
				sweepWG.Wait()
				return err
			}
		}
		if n == 0 {
			continue
		}

		datagram := append([]byte(nil), buf[:n]...)
		switch wire.Opcode(datagram[0]) {
		case wire.OpAdd:
			jobs <- func() { s.processAdd(datagram[1:]) }
		case wire.OpGet:
			jobs <- func() { s.processGet(remote) }
		default:
			// Unrecognized opcode: silently dropped (spec §4.1).
		}
	}
}

func (s *Server) processAdd(body []byte) {
	frame, nickname, err := wire.DecodeAdd(body)
	if err != nil {
		s.log.WithError(err).Debug("signalserver: dropped malformed ADD")
		return
	}

	s.mu.Lock()
	s.clients[nickname] = clientRecord{frame: append([]byte(nil), frame...), lastSeen: time.Now()}
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.TotalAdds++
	s.statsMu.Unlock()

	s.log.WithField("nickname", nickname).Info("added contact frame")
}

func (s *Server) processGet(remote *net.UDPAddr) {
	s.statsMu.Lock()
	s.stats.TotalGets++
	s.statsMu.Unlock()

	w := wire.NewFrameWriter(func(b []byte) error {
		_, err := s.conn.WriteToUDP(b, remote)
		return err
	})

	s.mu.RLock()
	for _, rec := range s.clients {
		if err := w.Put(rec.frame); err != nil {
			s.log.WithError(err).Warn("signalserver: send failed during GET")
		}
	}
	s.mu.RUnlock()

	if err := w.Flush(); err != nil {
		s.log.WithError(err).Warn("signalserver: send failed flushing GET")
	}
	if _, err := s.conn.WriteToUDP(wire.Terminator[:], remote); err != nil {
		s.log.WithError(err).Warn("signalserver: send failed writing GET terminator")
	}

	s.log.WithField("remote", remote).Debug("served GET")
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	now := time.Now()

	s.mu.Lock()
	var stale []string
	for nickname, rec := range s.clients {
		if now.Sub(rec.lastSeen) > IdleTimeout {
			stale = append(stale, nickname)
		}
	}
	for _, nickname := range stale {
		delete(s.clients, nickname)
	}
	remaining := len(s.clients)
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.LastSweepRemoved = len(stale)
	s.stats.LastSweepAt = now
	s.statsMu.Unlock()

	for _, nickname := range stale {
		s.log.WithField("nickname", nickname).Info("evicted idle client")
	}
	s.log.WithField("clients_online", remaining).Info("sweep complete")
}
