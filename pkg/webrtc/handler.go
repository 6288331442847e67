package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

const offerTimeout = 10 * time.Second

// ServeHTTP handles signaling. POST takes an OfferRequest and answers with an
// AnswerResponse; DELETE with ?peer_id= hangs a peer up.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		m.handleOffer(w, r)
	case http.MethodDelete:
		id := r.URL.Query().Get("peer_id")
		if err := m.RemovePeer(id); err != nil {
			if errors.Is(err, ErrPeerNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *Manager) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		http.Error(w, "invalid offer: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type != "offer" || req.SDP == "" {
		http.Error(w, "expected an SDP offer", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), offerTimeout)
	defer cancel()

	id, answer, err := m.HandleOffer(ctx, req.SDP)
	if err != nil {
		m.logger.Warn("offer rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AnswerResponse{Type: "answer", SDP: answer, PeerID: id})
}
