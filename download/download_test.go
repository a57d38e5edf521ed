package download_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt7-client-go/download"
	"github.com/m-lab/ndt7-client-go/spec"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamServer sends n binary frames of the given size, then one measurement
// TEXT frame, then a normal close.
func streamServer(n, size int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		payload := make([]byte, size)
		for i := 0; i < n; i++ {
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"app_info":{"num_bytes":1,"elapsed_time":1}}`))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
}

// silentServer upgrades and never writes anything, holding the connection
// open until the test's context expires.
func silentServer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	<-r.Context().Done()
}

func dialURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	u := server.URL
	return "ws" + u[len("http"):]
}

func TestClient_HappyPath(t *testing.T) {
	server := httptest.NewServer(streamServer(10, 1024))
	defer server.Close()

	var mu sync.Mutex
	var totalMeasurements int
	var lastBytes int64

	c := download.New(download.Config{
		URL:      dialURL(t, server),
		Duration: 5 * time.Second,
		OnProgress: func(p spec.MeasurementProgress) {
			mu.Lock()
			defer mu.Unlock()
			if p.NumBytes < lastBytes {
				t.Errorf("progress went backwards: %d < %d", p.NumBytes, lastBytes)
			}
			lastBytes = p.NumBytes
		},
		OnMeasurement: func(spec.Measurement) {
			mu.Lock()
			defer mu.Unlock()
			totalMeasurements++
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Start(ctx)
	rtx.Must(err, "download failed")

	if result.Terminal.Kind != spec.TerminalNormalClose {
		t.Fatalf("expected normal close, got %v", result.Terminal.Kind)
	}
	wantBytes := int64(10*1024) + int64(len(`{"app_info":{"num_bytes":1,"elapsed_time":1}}`))
	if result.BytesTransferred != wantBytes {
		t.Fatalf("BytesTransferred = %d, want %d", result.BytesTransferred, wantBytes)
	}
	if totalMeasurements != 1 {
		t.Fatalf("expected exactly one measurement callback, got %d", totalMeasurements)
	}
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(silentServer))
	defer server.Close()

	c := download.New(download.Config{
		URL:      dialURL(t, server),
		Duration: 200 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Start(ctx)
	if err != nil {
		t.Fatalf("unexpected error on timeout: %v", err)
	}
	if result.Terminal.Kind != spec.TerminalTimeout {
		t.Fatalf("expected timeout terminal, got %v", result.Terminal.Kind)
	}
}

func TestClient_SilentServerRunsPastEarlyFailureWindow(t *testing.T) {
	// A server that accepts the handshake and then holds the connection
	// open in silence, for longer than the 2s early-failure window, must
	// not be killed early: the hardening in spec.md §4.B only fires when
	// the connection has already closed/errored by +2s, not merely
	// because no bytes arrived yet.
	server := httptest.NewServer(http.HandlerFunc(silentServer))
	defer server.Close()

	c := download.New(download.Config{
		URL:      dialURL(t, server),
		Duration: 2200 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	result, err := c.Start(ctx)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Terminal.Kind != spec.TerminalTimeout {
		t.Fatalf("expected timeout terminal, got %v", result.Terminal.Kind)
	}
	if result.BytesTransferred != 0 {
		t.Fatalf("expected zero bytes, got %d", result.BytesTransferred)
	}
	if elapsed < 2*time.Second {
		t.Fatalf("phase ended after %v, want it to run past the 2s early-failure window", elapsed)
	}
}

func TestClient_Stop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(silentServer))
	defer server.Close()

	c := download.New(download.Config{
		URL:      dialURL(t, server),
		Duration: 10 * time.Second,
	})

	done := make(chan struct{})
	var result spec.PhaseResult
	var err error
	go func() {
		result, err = c.Start(context.Background())
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	c.Stop()
	c.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if result.Terminal.Kind != spec.TerminalCancelled {
		t.Fatalf("expected cancelled terminal, got %v", result.Terminal.Kind)
	}
}
