package endpoint

import (
	"encoding/hex"

	"github.com/silviot/le_audio_endpoint_go/pkg/stream"
)

// Status is a point-in-time view of the endpoint.
type Status struct {
	Role          Role                  `json:"role"`
	Phase         Phase                 `json:"phase"`
	Codec         string                `json:"codec"`
	Params        string                `json:"params"`
	Selector      string                `json:"selector"`
	TransportPath string                `json:"transport_path,omitempty"`
	SessionID     string                `json:"session_id,omitempty"`
	ReadMTU       int                   `json:"read_mtu,omitempty"`
	WriteMTU      int                   `json:"write_mtu,omitempty"`
	PeerCaps      string                `json:"peer_capabilities,omitempty"`
	Configuration string                `json:"configuration,omitempty"`
	Activations   uint64                `json:"activations"`
	LastError     string                `json:"last_error,omitempty"`
	StaleSession  string                `json:"stale_session,omitempty"`
	Stats         *stream.StatsSnapshot `json:"stats,omitempty"`
}

// Status returns a snapshot. It does not wait for negotiation events in
// flight.
func (e *Endpoint) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{
		Role:          e.cfg.Role,
		Phase:         e.phase,
		Codec:         e.codec.Name(),
		Params:        e.cfg.Params().String(),
		Selector:      e.selector.Name(),
		TransportPath: e.path,
		PeerCaps:      hex.EncodeToString(e.peerCaps),
		Configuration: hex.EncodeToString(e.chosen),
		Activations:   e.activations,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	if e.stale != nil {
		s.StaleSession = e.stale.SessionID()
	}
	if e.session != nil {
		s.SessionID = e.session.ID
		s.ReadMTU = e.session.ReadMTU
		s.WriteMTU = e.session.WriteMTU
	}
	if e.engine != nil {
		snap := e.engine.Stats().Snapshot()
		s.Stats = &snap
	}
	return s
}
