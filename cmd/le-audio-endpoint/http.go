package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/silviot/le_audio_endpoint_go/pkg/endpoint"
)

// mux serves status, metrics, PCM websockets and WebRTC signaling.
func (d *daemon) mux() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","phase":%q,"timestamp":%d}`+"\n",
			d.ep.Phase().String(), time.Now().Unix())
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.ep.Status())
	})

	mux.HandleFunc("GET /metrics", d.writeMetrics)

	mux.Handle("GET /ws/pcm", d.hub)
	mux.Handle("GET /ws/pcm/in", d.ingest)
	if d.bridge != nil {
		mux.Handle("/webrtc/offer", d.bridge)
	}

	return mux
}

// writeMetrics writes Prometheus text exposition by hand.
func (d *daemon) writeMetrics(w http.ResponseWriter, r *http.Request) {
	st := d.ep.Status()

	w.Header().Set("Content-Type", "text/plain")
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %v\n", name, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n", name, v)
	}

	streaming := 0
	if st.Phase == endpoint.Streaming {
		streaming = 1
	}
	gauge("le_audio_streaming", "Whether a stream is active", streaming)
	counter("le_audio_activations_total", "Successful transport activations", st.Activations)
	if st.Stats != nil {
		counter("le_audio_frames_in_total", "Frames read from the transport in this session", st.Stats.FramesIn)
		counter("le_audio_frames_out_total", "Frames written to the transport in this session", st.Stats.FramesOut)
		counter("le_audio_decode_errors_total", "Frames replaced with silence in this session", st.Stats.DecodeErrors)
		counter("le_audio_underruns_total", "TX frames padded with silence in this session", st.Stats.Underruns)
		counter("le_audio_io_retries_total", "Transient transport retries in this session", st.Stats.Retries)
	}
	gauge("le_audio_pcm_listeners", "Connected PCM websocket listeners", d.hub.Clients())
	gauge("le_audio_pcm_producers", "Connected PCM websocket producers", d.ingest.Active())
	if d.bridge != nil {
		gauge("le_audio_webrtc_peers", "Connected WebRTC peers", d.bridge.PeerCount())
	}
	if d.forward != nil {
		counter("le_audio_forward_sent_total", "Frames forwarded to the remote service", d.forward.Sent())
		counter("le_audio_forward_dropped_total", "Frames not forwarded", d.forward.Dropped())
	}
}
