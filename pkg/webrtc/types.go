package webrtc

// ConnectionConfig holds WebRTC configuration
type ConnectionConfig struct {
	STUN []string // STUN server URLs
	TURN []TURNServer
}

// TURNServer represents a TURN server
type TURNServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Pusher accepts interleaved PCM at the endpoint's rate and channel count.
// *stream.QueueSource implements it.
type Pusher interface {
	Push(samples []int16)
}

// OfferRequest is the body of POST /webrtc/offer.
type OfferRequest struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// AnswerResponse is returned for an accepted offer.
type AnswerResponse struct {
	Type   string `json:"type"`
	SDP    string `json:"sdp"`
	PeerID string `json:"peer_id"`
}
