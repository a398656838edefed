package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsReadyTimeout = 8 * time.Second
	natsStopTimeout  = 5 * time.Second
)

// FreePort reserves a local TCP port and returns it to the caller.
// Params: none.
// Returns: free port number or error.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// NATSServer is a JetStream-enabled nats-server child process owned by one test.
type NATSServer struct {
	URL string

	cmd  *exec.Cmd
	once sync.Once
}

// StartNATS launches nats-server with JetStream in a temp store dir.
// The test is skipped when the binary is not installed; the server stops on test cleanup.
func StartNATS(tb testing.TB) *NATSServer {
	tb.Helper()

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}
	cmd := exec.Command("nats-server", "-js", "-a", "127.0.0.1", "-p", strconv.Itoa(port), "-sd", tb.TempDir())
	if err := cmd.Start(); err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}
	srv := &NATSServer{URL: "nats://127.0.0.1:" + strconv.Itoa(port), cmd: cmd}
	tb.Cleanup(srv.Stop)

	deadline := time.Now().Add(natsReadyTimeout)
	for {
		nc, err := nats.Connect(srv.URL)
		if err == nil {
			nc.Close()
			return srv
		}
		if time.Now().After(deadline) {
			tb.Fatalf("nats did not become ready at %s: %v", srv.URL, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Stop terminates server, killing it when SIGTERM is not honored in time. Safe to call twice.
func (s *NATSServer) Stop() {
	s.once.Do(func() {
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_, _ = s.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(natsStopTimeout):
			_ = s.cmd.Process.Kill()
			<-done
		}
	})
}

// Connect opens client connection closed on test cleanup.
func (s *NATSServer) Connect(tb testing.TB) *nats.Conn {
	tb.Helper()
	nc, err := nats.Connect(s.URL)
	if err != nil {
		tb.Fatalf("connect nats %s: %v", s.URL, err)
	}
	tb.Cleanup(nc.Close)
	return nc
}

// SubscribeSync subscribes to subject on a fresh connection and flushes,
// so messages published after return are observed.
func (s *NATSServer) SubscribeSync(tb testing.TB, subject string) *nats.Subscription {
	tb.Helper()
	nc := s.Connect(tb)
	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		tb.Fatalf("subscribe %s: %v", subject, err)
	}
	if err := nc.Flush(); err != nil {
		tb.Fatalf("flush subscribe %s: %v", subject, err)
	}
	return sub
}
