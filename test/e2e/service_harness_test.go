package e2e

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"healthtree/internal/app"
	"healthtree/internal/clock"
	"healthtree/internal/config"
	"healthtree/test/testutil"
)

// newServiceFromConfig creates Service from file config path for e2e scenarios.
// Params: test handle and absolute config path.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, path string) *app.Service {
	t.Helper()

	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// startService writes config and catalog, then runs the service until test cleanup.
// Params: test handle, TOML body builder receiving port and catalog dir, and catalog files.
// Returns: base URL of running service and stop callback asserting clean exit.
func startService(t *testing.T, configBody func(port int, catalogDir string) string, catalogFiles map[string]string) (string, func()) {
	t.Helper()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	tmpDir := t.TempDir()
	catalogDir := filepath.Join(tmpDir, "catalog")
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		t.Fatalf("mkdir catalog: %v", err)
	}
	for name, body := range catalogFiles {
		if err := os.WriteFile(filepath.Join(catalogDir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write catalog %s: %v", name, err)
		}
	}
	configPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(configBody(port, catalogDir)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	service := newServiceFromConfig(t, configPath)
	cancel, done := runService(t, service)
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		waitServiceStop(t, done)
	}
	t.Cleanup(stop)

	waitReady(t, port)
	return fmt.Sprintf("http://127.0.0.1:%d", port), stop
}

// waitReady waits for /readyz endpoint to return 200.
// Params: test handle and HTTP port.
// Returns: service is ready or test fails on timeout.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
// Params: test handle and done channel returned by runService.
// Returns: test fails if stop timeout/error happens.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition")
}
