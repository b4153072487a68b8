package database

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuixiaotu/lbdm/internal/logging"
)

// echoForwarder hands out in-memory pipes whose far end echoes input.
type echoForwarder struct {
	mu      sync.Mutex
	targets []string
	ended   chan struct{}
	closed  bool
	failErr error
}

func (f *echoForwarder) Dial(network, addr string) (net.Conn, error) {
	f.mu.Lock()
	f.targets = append(f.targets, addr)
	failErr := f.failErr
	f.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	near, far := net.Pipe()
	go func() {
		io.Copy(far, far)
		far.Close()
		close(f.ended)
	}()
	return near, nil
}

func (f *echoForwarder) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestTunnelSplicesConnections(t *testing.T) {
	fwd := &echoForwarder{ended: make(chan struct{})}
	tunnel, err := newTunnel(fwd, "db.internal:5432", logging.Discard())
	if err != nil {
		t.Fatalf("newTunnel: %v", err)
	}
	defer tunnel.Close()

	conn, err := net.Dial("tcp", tunnel.Addr())
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("expected echo %q, got %q", "ping", buf)
	}

	// Closing the local side must tear down the forwarded side.
	conn.Close()
	select {
	case <-fwd.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded connection not closed after local close")
	}

	fwd.mu.Lock()
	targets := fwd.targets
	fwd.mu.Unlock()
	if len(targets) != 1 || targets[0] != "db.internal:5432" {
		t.Errorf("unexpected forward targets: %v", targets)
	}
}

func TestTunnelForwardFailureClosesLocal(t *testing.T) {
	fwd := &echoForwarder{ended: make(chan struct{}), failErr: errors.New("administratively prohibited")}
	tunnel, err := newTunnel(fwd, "db.internal:5432", logging.Discard())
	if err != nil {
		t.Fatalf("newTunnel: %v", err)
	}
	defer tunnel.Close()

	conn, err := net.Dial("tcp", tunnel.Addr())
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF after failed forward, got %v", err)
	}
}

func TestTunnelClose(t *testing.T) {
	fwd := &echoForwarder{ended: make(chan struct{})}
	tunnel, err := newTunnel(fwd, "db.internal:5432", logging.Discard())
	if err != nil {
		t.Fatalf("newTunnel: %v", err)
	}
	addr := tunnel.Addr()

	if err := tunnel.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tunnel.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	fwd.mu.Lock()
	closed := fwd.closed
	fwd.mu.Unlock()
	if !closed {
		t.Error("expected the ssh client to be closed")
	}
	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Error("expected the listener to be closed")
	}
}
