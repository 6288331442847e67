package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/le_audio_endpoint_go/pkg/audio"
	"github.com/silviot/le_audio_endpoint_go/pkg/config"
	"github.com/silviot/le_audio_endpoint_go/pkg/endpoint"
	"github.com/silviot/le_audio_endpoint_go/pkg/transport/transporttest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CaptureFile = filepath.Join(t.TempDir(), "le_rx_dump.pcm")
	cfg.WebRTC.Enabled = false
	cfg.AcquireTimeout = 200 * time.Millisecond
	cfg.StopTimeout = 200 * time.Millisecond
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, acq *transporttest.FakeAcquirer) *daemon {
	t.Helper()
	d, err := buildDaemon(t.Context(), cfg, endpoint.Options{Acquirer: acq}, quietLogger())
	if err != nil {
		t.Fatalf("buildDaemon: %v", err)
	}
	t.Cleanup(d.close)
	return d
}

func activate(t *testing.T, d *daemon) {
	t.Helper()
	conf, _ := d.ec.LTV().Bytes()
	err := d.ep.Activate(context.Background(), "/org/bluez/hci0/dev_AA/fd0", endpoint.TransportProperties{Configuration: conf})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestStatusEndpoints(t *testing.T) {
	acq := transporttest.NewFakeAcquirer(251, 251)
	d := newTestDaemon(t, testConfig(t), acq)
	srv := httptest.NewServer(d.mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "healthy" || health["phase"] != "idle" {
		t.Errorf("healthz = %v", health)
	}

	activate(t, d)

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st map[string]any
	json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st["phase"] != "streaming" || st["role"] != "sink" || st["read_mtu"] != float64(251) {
		t.Errorf("status = %v", st)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		"le_audio_streaming 1",
		"le_audio_activations_total 1",
		"# TYPE le_audio_frames_in_total counter",
		"le_audio_pcm_listeners 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(string(body), "le_audio_webrtc_peers") {
		t.Error("webrtc metrics exported while the bridge is disabled")
	}
}

func TestDecodedPCMReachesCaptureAndListeners(t *testing.T) {
	acq := transporttest.NewFakeAcquirer(251, 251)
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg, acq)
	srv := httptest.NewServer(d.mux())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/pcm", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("format message: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.hub.Clients() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	activate(t, d)
	acq.Last().PushFrame(make([]byte, 120))

	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("pcm frame: %v", err)
	}
	if mt != websocket.BinaryMessage || len(audio.BytesToInt16(data)) != 480 {
		t.Errorf("frame type=%d samples=%d", mt, len(data)/2)
	}

	d.ep.Release(context.Background())
	d.capture.Flush()
	info, err := os.Stat(cfg.CaptureFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 960 {
		t.Errorf("capture size = %d, want 960", info.Size())
	}
}

func TestIngestFeedsSourceRole(t *testing.T) {
	acq := transporttest.NewFakeAcquirer(251, 251)
	cfg := testConfig(t)
	cfg.Role = "source"
	cfg.TXSource = config.SourceIngest
	d := newTestDaemon(t, cfg, acq)
	srv := httptest.NewServer(d.mux())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/pcm/in", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, audio.Int16ToBytes(make([]int16, 480), nil)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.queue.Len() < 480 {
		if time.Now().After(deadline) {
			t.Fatalf("queued %d samples, want 480", d.queue.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIngestRejectedForSinkRole(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), transporttest.NewFakeAcquirer(251, 251))
	rec := httptest.NewRecorder()
	d.mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/pcm/in", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCheckConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "le-audio.yaml")
	if err := os.WriteFile(path, []byte("frame_duration_ms: 7.5\nframe_bytes: 90\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", path, "check-config"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("check-config: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"frame_bytes: 90",
		"# params:        48000Hz/7.5ms/90B/1ch",
		"# configuration: 02 01 08 02 02 00 03 04 5a 00",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		logger := setupLogger(tt.level)
		if !logger.Enabled(context.Background(), tt.want) {
			t.Errorf("%s: level %s disabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-1) {
			t.Errorf("%s: level below %s enabled", tt.level, tt.want)
		}
	}
}
