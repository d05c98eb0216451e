// Package peerconn wraps a single Pion peer connection behind the small
// surface the call layer needs: offer/answer creation, description setting,
// ICE candidate addition and connection-state observation.
package peerconn

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/dialp2p/internal/config"
	"github.com/petervdpas/dialp2p/internal/proto"
)

// pliInterval is how often a keyframe refresh is requested for each remote
// video track. Without periodic PLIs a receiver that joined mid-stream can
// wait indefinitely for a decodable frame.
const pliInterval = 3 * time.Second

// Factory builds adapters from a shared WebRTC API (media engine, codecs,
// interceptors) and the configured STUN/TURN list.
type Factory struct {
	api     *webrtc.API
	servers []webrtc.ICEServer
}

// NewFactory converts the config ICE server list once and reuses it for
// every call.
func NewFactory(api *webrtc.API, servers []config.ICEServer) *Factory {
	ice := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		ice = append(ice, srv)
	}
	return &Factory{api: api, servers: ice}
}

// New creates the peer connection for one call.
func (f *Factory) New(callID string) (*Adapter, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.servers})
	if err != nil {
		return nil, fmt.Errorf("peerconn: new connection: %w", err)
	}

	a := &Adapter{callID: callID, pc: pc, closed: make(chan struct{})}
	pc.OnTrack(a.handleTrack)
	return a, nil
}

// Adapter owns one webrtc.PeerConnection for the lifetime of a call session.
type Adapter struct {
	callID string
	pc     *webrtc.PeerConnection

	mu         sync.Mutex
	remote     *RemoteStream
	onRemote   func(*RemoteStream)
	remoteOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}
}

// CreateOffer produces the local SDP offer and installs it as the local
// description so ICE gathering starts immediately (trickle).
func (a *Adapter) CreateOffer() (proto.SessionDescription, error) {
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return proto.SessionDescription{}, fmt.Errorf("peerconn: create offer: %w", err)
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return proto.SessionDescription{}, fmt.Errorf("peerconn: set local offer: %w", err)
	}
	return fromWebRTC(offer), nil
}

// CreateAnswer produces the local SDP answer; the remote offer must already
// be set.
func (a *Adapter) CreateAnswer() (proto.SessionDescription, error) {
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return proto.SessionDescription{}, fmt.Errorf("peerconn: create answer: %w", err)
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return proto.SessionDescription{}, fmt.Errorf("peerconn: set local answer: %w", err)
	}
	return fromWebRTC(answer), nil
}

// SetRemoteDescription installs the remote peer's SDP.
func (a *Adapter) SetRemoteDescription(sd proto.SessionDescription) error {
	desc, err := toWebRTC(sd)
	if err != nil {
		return err
	}
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peerconn: set remote %s: %w", sd.Type, err)
	}
	return nil
}

// AddICECandidate applies one remote trickle candidate. The remote
// description must be set first; the call layer buffers early arrivals.
func (a *Adapter) AddICECandidate(c proto.ICECandidateInit) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx

	if err := a.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("peerconn: add candidate: %w", err)
	}
	return nil
}

// OnICECandidate registers the trickle handler for locally gathered
// candidates. The end-of-gathering nil candidate is swallowed.
func (a *Adapter) OnICECandidate(fn func(proto.ICECandidateInit)) {
	a.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		out := proto.ICECandidateInit{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})
}

// OnConnectionStateChange surfaces the transport-level connectivity signal
// (new/connecting/connected/disconnected/failed/closed) as a string.
func (a *Adapter) OnConnectionStateChange(fn func(state string)) {
	a.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(s.String())
	})
}

// ConnectionState returns the current connectivity state.
func (a *Adapter) ConnectionState() string {
	return a.pc.ConnectionState().String()
}

// OnRemoteStream registers a one-shot callback fired when the first remote
// track set arrives.
func (a *Adapter) OnRemoteStream(fn func(*RemoteStream)) {
	a.mu.Lock()
	a.onRemote = fn
	remote := a.remote
	a.mu.Unlock()

	// Track already arrived before the handler was registered.
	if remote != nil {
		a.remoteOnce.Do(func() { fn(remote) })
	}
}

// AddTrack attaches a local capture track to the connection.
func (a *Adapter) AddTrack(t webrtc.TrackLocal) error {
	if _, err := a.pc.AddTrack(t); err != nil {
		return fmt.Errorf("peerconn: add track: %w", err)
	}
	return nil
}

// AddRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials
// even when no local media could be captured.
func (a *Adapter) AddRecvOnlyTransceivers() {
	if _, err := a.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", a.callID, err)
	}
	if _, err := a.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", a.callID, err)
	}
}

// AddRecvOnlyVideo adds a recvonly video transceiver for audio-only captures
// so the remote camera is still received.
func (a *Adapter) AddRecvOnlyVideo() {
	if _, err := a.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", a.callID, err)
	}
}

// Close tears the connection down. Safe to call more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		err = a.pc.Close()
	})
	return err
}

// handleTrack wires up each inbound remote track: the first one creates the
// RemoteStream and fires the one-shot callback; video tracks additionally get
// a PLI ticker so the sender keeps refreshing keyframes.
func (a *Adapter) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	a.mu.Lock()
	if a.remote == nil {
		a.remote = &RemoteStream{}
	}
	remote := a.remote
	fn := a.onRemote
	a.mu.Unlock()

	remote.addTrack(track)
	log.Printf("CALL [%s]: remote track %s (%s)", a.callID, track.ID(), track.Kind())

	if fn != nil {
		a.remoteOnce.Do(func() { fn(remote) })
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go a.pliLoop(track.SSRC())
	}
	go a.drainTrack(track, remote)
}

// pliLoop periodically asks the sender for a keyframe until the connection
// closes.
func (a *Adapter) pliLoop(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.closed:
			return
		case <-ticker.C:
			err := a.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				return
			}
		}
	}
}

// drainTrack reads RTP until the track ends, keeping receive statistics
// up to date.
func (a *Adapter) drainTrack(track *webrtc.TrackRemote, remote *RemoteStream) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: remote track read ended: %v", a.callID, err)
			}
			return
		}
		remote.consume(pkt)
	}
}

// RemoteStream is the set of inbound tracks for one session.
type RemoteStream struct {
	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	onRTP   func(*rtp.Packet)
	packets uint64
	bytes   uint64
}

func (r *RemoteStream) addTrack(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

// OnRTP registers an optional tap receiving every inbound RTP packet, for
// playout or recording layers downstream.
func (r *RemoteStream) OnRTP(fn func(*rtp.Packet)) {
	r.mu.Lock()
	r.onRTP = fn
	r.mu.Unlock()
}

func (r *RemoteStream) consume(pkt *rtp.Packet) {
	r.mu.Lock()
	r.packets++
	r.bytes += uint64(pkt.MarshalSize())
	fn := r.onRTP
	r.mu.Unlock()
	if fn != nil {
		fn(pkt)
	}
}

// Stats returns the packet and byte counters for diagnostics.
func (r *RemoteStream) Stats() (packets, bytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets, r.bytes
}

// TrackCount returns how many remote tracks have arrived.
func (r *RemoteStream) TrackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}

func fromWebRTC(sd webrtc.SessionDescription) proto.SessionDescription {
	return proto.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func toWebRTC(sd proto.SessionDescription) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch sd.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("peerconn: unsupported sdp type %q", sd.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: sd.SDP}, nil
}
