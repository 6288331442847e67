// Package webrtc bridges LE Audio PCM to browser peers. Decoded RX frames are
// Opus-encoded onto one outbound track shared by every peer, and audio a
// browser sends is decoded and pushed into the TX source.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/silviot/le_audio_endpoint_go/pkg/audio"
)

const (
	opusRate        = 48000
	opusFrame       = 20 * time.Millisecond
	opusFrameLength = opusRate / 50 // 960 samples per 20ms
	maxOpusPacket   = 1500
	maxDecodedFrame = 5760 // 120ms at 48kHz
)

// ErrPeerNotFound is returned by RemovePeer for an unknown id.
var ErrPeerNotFound = errors.New("peer not found")

// Config holds bridge configuration
type Config struct {
	ICE         ConnectionConfig
	SampleRate  int    // endpoint PCM rate
	Channels    int    // endpoint PCM channels
	Target      Pusher // receives browser audio; nil disables the inbound path
	QueueFrames int    // outbound frames buffered ahead of the encoder
	Logger      *slog.Logger
}

// Manager handles browser peer connections and the shared outbound track.
type Manager struct {
	config     *webrtc.Configuration
	api        *webrtc.API
	logger     *slog.Logger
	sampleRate int
	channels   int
	target     Pusher

	track *webrtc.TrackLocalStaticSample
	pcmCh chan []int16

	mu    sync.RWMutex
	peers map[string]*PeerConnection

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	packetsOut atomic.Uint64
	packetsIn  atomic.Uint64
	dropped    atomic.Uint64
}

// PeerConnection wraps a browser RTCPeerConnection
type PeerConnection struct {
	id        string
	peerConn  *webrtc.PeerConnection
	closeOnce sync.Once
	wg        sync.WaitGroup
	created   time.Time
}

// ID returns the peer id handed to the browser.
func (p *PeerConnection) ID() string { return p.id }

// NewManager creates the bridge and starts its encoder.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid PCM format: rate=%d channels=%d", cfg.SampleRate, cfg.Channels)
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 50
	}

	rtcConfig := webrtc.Configuration{}
	for _, stunURL := range cfg.ICE.STUN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{stunURL},
		})
	}
	for _, turn := range cfg.ICE.TURN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	// Larger receive buffers avoid "mux: failed to read from packetio.Buffer
	// short buffer" errors.
	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)

	// SDP convention declares opus/48000/2 even for mono payloads.
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusRate, Channels: 2},
		"audio", "le-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("create outbound track: %w", err)
	}

	enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	rs, err := audio.NewResampler(cfg.SampleRate, opusRate, cfg.Logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:     &rtcConfig,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		logger:     cfg.Logger,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		target:     cfg.Target,
		track:      track,
		pcmCh:      make(chan []int16, cfg.QueueFrames),
		peers:      make(map[string]*PeerConnection),
		closeCh:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.encodeLoop(enc, rs)

	return m, nil
}

// WritePCM queues one decoded frame for the browsers. It never blocks and
// does nothing while no peer is connected.
func (m *Manager) WritePCM(pcm []int16) error {
	if m.PeerCount() == 0 {
		return nil
	}
	select {
	case m.pcmCh <- append([]int16(nil), pcm...):
	default:
		m.dropped.Add(1)
	}
	return nil
}

// encodeLoop turns endpoint PCM into 20ms Opus packets on the shared track.
func (m *Manager) encodeLoop(enc *opus.Encoder, rs *audio.Resampler) {
	defer m.wg.Done()

	chunks := audio.NewChunkBuffer(opusFrameLength)
	packet := make([]byte, maxOpusPacket)

	for {
		select {
		case <-m.closeCh:
			return
		case pcm := <-m.pcmCh:
			for _, chunk := range chunks.Add(toOpusPCM(rs, pcm, m.channels)) {
				n, err := enc.Encode(chunk, packet)
				if err != nil {
					m.logger.Debug("opus encode error", "error", err)
					continue
				}
				sample := media.Sample{Data: append([]byte(nil), packet[:n]...), Duration: opusFrame}
				if err := m.track.WriteSample(sample); err != nil {
					m.logger.Debug("outbound track write failed", "error", err)
					continue
				}
				m.packetsOut.Add(1)
			}
		}
	}
}

// toOpusPCM converts interleaved endpoint PCM to mono 48kHz.
func toOpusPCM(rs *audio.Resampler, pcm []int16, channels int) []int16 {
	return rs.Resample(audio.Downmix(pcm, channels))
}

// toEndpointPCM converts decoded Opus PCM to the endpoint's rate and channel
// count.
func toEndpointPCM(rs *audio.Resampler, pcm []int16, opusChannels, channels int) []int16 {
	return audio.Upmix(rs.Resample(audio.Downmix(pcm, opusChannels)), channels)
}

// HandleOffer creates a peer for a browser offer and returns its id and the
// SDP answer. ICE gathering completes before the answer is returned.
func (m *Manager) HandleOffer(ctx context.Context, offerSDP string) (string, string, error) {
	select {
	case <-m.closeCh:
		return "", "", errors.New("webrtc bridge closed")
	default:
	}

	id := uuid.NewString()
	pc, err := m.api.NewPeerConnection(*m.config)
	if err != nil {
		m.logger.Error("failed to create peer connection", "peerID", id, "error", err)
		return "", "", err
	}
	peer := &PeerConnection{id: id, peerConn: pc, created: time.Now()}

	sender, err := pc.AddTrack(m.track)
	if err != nil {
		pc.Close()
		return "", "", fmt.Errorf("add outbound track: %w", err)
	}
	peer.wg.Add(1)
	go func() {
		defer peer.wg.Done()
		// Drain RTCP so interceptors keep working.
		buf := make([]byte, maxOpusPacket)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.onTrack(peer, remote)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Info("ICE connection state changed", "peerID", id, "state", state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Info("peer connection state changed", "peerID", id, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			// Closing from inside the callback would deadlock.
			go m.RemovePeer(id)
		}
	})

	answer, err := negotiate(ctx, pc, offerSDP)
	if err != nil {
		peer.close()
		return "", "", err
	}

	m.mu.Lock()
	m.peers[id] = peer
	count := len(m.peers)
	m.mu.Unlock()

	m.logger.Info("peer connection created", "peerID", id, "peers", count)
	return id, answer, nil
}

func negotiate(ctx context.Context, pc *webrtc.PeerConnection, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}

// onTrack starts decoding an inbound audio track into the target.
func (m *Manager) onTrack(peer *PeerConnection, remote *webrtc.TrackRemote) {
	codec := remote.Codec()
	m.logger.Info("track received",
		"peerID", peer.id,
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"channels", codec.Channels,
	)

	if remote.Kind() != webrtc.RTPCodecTypeAudio || codec.MimeType != webrtc.MimeTypeOpus {
		m.logger.Warn("ignoring non-opus track", "peerID", peer.id, "codec", codec.MimeType)
		return
	}
	if m.target == nil {
		m.logger.Debug("no PCM target for inbound audio", "peerID", peer.id)
		return
	}

	channels := int(codec.Channels)
	if channels < 1 {
		channels = 2
	}

	peer.wg.Add(1)
	go m.readAndDecode(peer, remote, channels)
}

func (m *Manager) readAndDecode(peer *PeerConnection, remote *webrtc.TrackRemote, channels int) {
	defer peer.wg.Done()

	dec, err := opus.NewDecoder(opusRate, channels)
	if err != nil {
		m.logger.Error("failed to create Opus decoder", "peerID", peer.id, "error", err, "channels", channels)
		return
	}
	rs, err := audio.NewResampler(opusRate, m.sampleRate, m.logger)
	if err != nil {
		m.logger.Error("failed to create resampler", "peerID", peer.id, "error", err)
		return
	}

	pcm := make([]int16, maxDecodedFrame*channels)
	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			m.logger.Debug("inbound track ended", "peerID", peer.id, "error", err)
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}

		n, err := dec.Decode(packet.Payload, pcm)
		if err != nil {
			m.logger.Debug("opus decode error", "peerID", peer.id, "error", err, "payloadLen", len(packet.Payload))
			continue
		}
		if n == 0 {
			continue
		}

		m.packetsIn.Add(1)
		m.target.Push(toEndpointPCM(rs, pcm[:n*channels], channels, m.channels))
	}
}

// close closes the peer connection and waits for its readers. Readers block
// on the connection, so it is closed first.
func (p *PeerConnection) close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.peerConn.Close()
		p.wg.Wait()
	})
	return err
}

// GetPeer returns a peer by id
func (m *Manager) GetPeer(id string) *PeerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[id]
}

// RemovePeer removes and closes a peer connection
func (m *Manager) RemovePeer(id string) error {
	m.mu.Lock()
	peer, exists := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}

	if err := peer.close(); err != nil {
		m.logger.Error("failed to close peer", "peerID", id, "error", err)
	}
	m.logger.Info("peer removed", "peerID", id, "age", time.Since(peer.created).Round(time.Second))
	return nil
}

// PeerCount returns the number of active peer connections
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// PacketsOut returns the number of Opus packets written to the shared track.
func (m *Manager) PacketsOut() uint64 { return m.packetsOut.Load() }

// PacketsIn returns the number of Opus packets decoded from browsers.
func (m *Manager) PacketsIn() uint64 { return m.packetsIn.Load() }

// Dropped returns the number of outbound frames discarded on a full queue.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }

// Close closes all peer connections and stops the encoder.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*PeerConnection)
	m.mu.Unlock()

	for id, peer := range peers {
		if err := peer.close(); err != nil {
			m.logger.Error("failed to close peer during shutdown", "peerID", id, "error", err)
		}
	}
	return nil
}
