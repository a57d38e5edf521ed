package ndt7_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	ndt7 "github.com/m-lab/ndt7-client-go"
	"github.com/m-lab/ndt7-client-go/spec"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// downloadUploadServer serves both the download and upload ndt7 paths: it
// streams a handful of binary frames on download, and drains whatever the
// client sends on upload, closing normally on either path once a few
// messages have been exchanged.
func downloadUploadServer() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(spec.DownloadPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		payload := make([]byte, 1024)
		for i := 0; i < 8; i++ {
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"app_info":{"num_bytes":1,"elapsed_time":1}}`))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	mux.HandleFunc(spec.UploadPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}

// fakeLocator always returns a single server pointed at an in-process
// httptest server, skipping the network entirely.
type fakeLocator struct {
	server *httptest.Server
}

func (f *fakeLocator) Nearest(ctx context.Context, service string) ([]spec.TestServer, error) {
	wsURL := "ws" + f.server.URL[len("http"):]
	return []spec.TestServer{{
		Machine: "test-server",
		URLs: spec.ServerURLs{
			DownloadInsecure: wsURL + spec.DownloadPath,
			UploadInsecure:   wsURL + spec.UploadPath,
		},
	}}, nil
}

func TestClient_DownloadThenUpload(t *testing.T) {
	server := httptest.NewServer(downloadUploadServer())
	defer server.Close()

	var mu sync.Mutex
	var selected *spec.TestServer
	var downloadSamples, uploadSamples int

	client := ndt7.NewClient("ndt7-client-go-test", "0.0.0", ndt7.WithLocator(&fakeLocator{server: server}))
	client.OnServerSelected = func(s spec.TestServer) {
		mu.Lock()
		defer mu.Unlock()
		selected = &s
	}
	client.OnDownloadProgress = func(spec.MeasurementProgress) {
		mu.Lock()
		defer mu.Unlock()
		downloadSamples++
	}
	client.OnUploadProgress = func(spec.MeasurementProgress) {
		mu.Lock()
		defer mu.Unlock()
		uploadSamples++
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := client.Start(ctx, spec.DownloadThenUpload, spec.Insecure, 300*time.Millisecond, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if selected == nil || selected.Machine != "test-server" {
		t.Fatalf("expected OnServerSelected to fire with test-server, got %+v", selected)
	}

	download, upload := client.Result()
	if download.BytesTransferred == 0 {
		t.Fatal("expected non-zero download bytes")
	}
	if upload.BytesTransferred == 0 {
		t.Fatal("expected non-zero upload bytes")
	}
	if got := client.SelectedServer(); got == nil || got.Machine != "test-server" {
		t.Fatalf("SelectedServer() = %+v, want test-server", got)
	}
	usedDownload, usedUpload := client.UsedServers()
	if usedDownload != "test-server" || usedUpload != "test-server" {
		t.Fatalf("UsedServers() = (%q, %q), want (test-server, test-server)", usedDownload, usedUpload)
	}
}

func TestClient_DownloadOnly(t *testing.T) {
	server := httptest.NewServer(downloadUploadServer())
	defer server.Close()

	client := ndt7.NewClient("ndt7-client-go-test", "0.0.0", ndt7.WithLocator(&fakeLocator{server: server}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Start(ctx, spec.Download, spec.Insecure, 300*time.Millisecond, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	download, upload := client.Result()
	if download.BytesTransferred == 0 {
		t.Fatal("expected non-zero download bytes")
	}
	if upload.BytesTransferred != 0 {
		t.Fatalf("expected upload phase not to run, got %d bytes", upload.BytesTransferred)
	}
}

func TestNewClient_PanicsOnEmptyName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected NewClient to panic on empty client name")
		}
	}()
	ndt7.NewClient("", "0.0.0")
}
