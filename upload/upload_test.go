package upload_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt7-client-go/internal/params"
	"github.com/m-lab/ndt7-client-go/spec"
	"github.com/m-lab/ndt7-client-go/upload"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// sinkServer reads and discards BINARY frames, counting total bytes
// received, until the connection closes or the request context expires.
func sinkServer(received *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				received.Add(int64(len(data)))
			}
		}
	}
}

func dialURL(server *httptest.Server) string {
	return "ws" + server.URL[len("http"):]
}

func TestClient_HappyPath(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(sinkServer(&received))
	defer server.Close()

	var mu sync.Mutex
	var lastBytes int64

	c := upload.New(upload.Config{
		URL:      dialURL(server),
		Duration: 1 * time.Second,
		OnProgress: func(p spec.MeasurementProgress) {
			mu.Lock()
			defer mu.Unlock()
			if p.NumBytes < lastBytes {
				t.Errorf("progress went backwards: %d < %d", p.NumBytes, lastBytes)
			}
			lastBytes = p.NumBytes
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Start(ctx)
	rtx.Must(err, "upload failed")

	if result.Terminal.Kind != spec.TerminalTimeout {
		t.Fatalf("expected timeout terminal, got %v", result.Terminal.Kind)
	}
	if result.BytesTransferred <= 0 {
		t.Fatal("expected some bytes to have been sent")
	}
	if result.BytesTransferred < params.MinMessageSize {
		t.Fatalf("expected at least one full message of %d bytes, got %d",
			params.MinMessageSize, result.BytesTransferred)
	}
}

func TestClient_BufferGrowth(t *testing.T) {
	// A one-second upload over a local socket moves well past
	// scale_factor * min_message_size (128 KiB), so the buffer must have
	// doubled past its 8 KiB starting point.
	var received atomic.Int64
	server := httptest.NewServer(sinkServer(&received))
	defer server.Close()

	c := upload.New(upload.Config{
		URL:      dialURL(server),
		Duration: 1 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Start(ctx)
	rtx.Must(err, "upload failed")

	if result.BytesTransferred < params.ScaleFactor*params.MinMessageSize {
		t.Fatalf("expected buffer growth threshold to be crossed, sent only %d bytes", result.BytesTransferred)
	}
}

func TestClient_Stop(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(sinkServer(&received))
	defer server.Close()

	c := upload.New(upload.Config{
		URL:      dialURL(server),
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
