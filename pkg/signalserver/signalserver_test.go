package signalserver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arheim/signalmesh/pkg/wire"
)

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	srv, err := New("127.0.0.1", 0, 4, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	return srv, func() {
		cancel()
		srv.Close()
	}
}

func dialClient(t *testing.T, srv *Server) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, srv.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	return conn
}

func get(t *testing.T, conn *net.UDPConn) [][]byte {
	t.Helper()
	if _, err := conn.Write(wire.EncodeGet()); err != nil {
		t.Fatalf("write GET: %v", err)
	}

	var frames [][]byte
	buf := make([]byte, wire.BufferSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read GET response: %v", err)
		}
		if wire.IsTerminator(buf[:n]) {
			break
		}
		got, err := wire.DecodeFrames(buf[:n])
		if err != nil {
			t.Fatalf("DecodeFrames: %v", err)
		}
		frames = append(frames, got...)
	}
	return frames
}

func add(t *testing.T, conn *net.UDPConn, frame []byte) {
	t.Helper()
	buf, err := wire.EncodeAdd(frame)
	if err != nil {
		t.Fatalf("EncodeAdd: %v", err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write ADD: %v", err)
	}
	// ADD has no response; give the worker pool a moment to apply it.
	time.Sleep(50 * time.Millisecond)
}

// S1 — register/retrieve round trip.
func TestAddThenGetRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	client := dialClient(t, srv)
	defer client.Close()

	add(t, client, []byte("alice"))

	frames := get(t, client)
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte("alice")) {
		t.Fatalf("expected [alice], got %v", frames)
	}
}

// S2 — length validation: a zero-length ADD stores nothing.
func TestAddRejectsZeroLength(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	client := dialClient(t, srv)
	defer client.Close()

	if _, err := client.Write([]byte{byte(wire.OpAdd), 0x00, 0x00}); err != nil {
		t.Fatalf("write malformed ADD: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	frames := get(t, client)
	if len(frames) != 0 {
		t.Fatalf("expected no frames, got %v", frames)
	}
}

// Invariant 1 — ADD idempotence: re-adding the same frame doesn't change
// what GET returns.
func TestAddIdempotentForUnchangedFrame(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	client := dialClient(t, srv)
	defer client.Close()

	add(t, client, []byte("alice"))
	add(t, client, []byte("alice"))
	add(t, client, []byte("alice"))

	frames := get(t, client)
	if len(frames) != 1 {
		t.Fatalf("expected exactly one frame after repeated identical ADDs, got %d", len(frames))
	}
}

// S3 — packing across datagram boundaries: 400 five-byte frames produce
// multiple datagrams and round-trip intact.
func TestGetPacksAcrossDatagramBoundary(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	client := dialClient(t, srv)
	defer client.Close()

	want := make(map[string]bool, 400)
	for i := 0; i < 400; i++ {
		name := fmt.Sprintf("p%04d", i)
		want[name] = true
		if _, err := client.Write(mustEncodeAdd(t, []byte(name))); err != nil {
			t.Fatalf("write ADD %d: %v", i, err)
		}
	}
	time.Sleep(200 * time.Millisecond)

	frames := get(t, client)
	if len(frames) != 400 {
		t.Fatalf("expected 400 frames, got %d", len(frames))
	}
	got := make(map[string]bool, len(frames))
	for _, f := range frames {
		got[string(f)] = true
	}
	for name := range want {
		if !got[name] {
			t.Fatalf("missing frame %q in GET response", name)
		}
	}
}

func mustEncodeAdd(t *testing.T, frame []byte) []byte {
	t.Helper()
	buf, err := wire.EncodeAdd(frame)
	if err != nil {
		t.Fatalf("EncodeAdd: %v", err)
	}
	return buf
}

// Invariant 2 / S4 — eviction: a stale record is no longer returned by GET.
func TestSweepEvictsStaleRecord(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	client := dialClient(t, srv)
	defer client.Close()

	add(t, client, []byte("alice"))

	srv.mu.Lock()
	rec := srv.clients["alice"]
	rec.lastSeen = time.Now().Add(-2 * IdleTimeout)
	srv.clients["alice"] = rec
	srv.mu.Unlock()

	srv.sweep()

	frames := get(t, client)
	if len(frames) != 0 {
		t.Fatalf("expected record evicted, got %v", frames)
	}
}
