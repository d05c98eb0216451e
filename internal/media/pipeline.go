// Package media acquires local capture devices and attaches their tracks to
// peer connections. Capture is platform-specific: camera/mic via
// pion/mediadevices on Linux (V4L2 + malgo), receive-only elsewhere.
package media

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/dialp2p/internal/peerconn"
)

// Pipeline owns the WebRTC API (media engine, codecs, interceptors) shared by
// every call and performs device acquisition.
type Pipeline struct {
	api   *webrtc.API
	codec *mediadevices.CodecSelector // nil when no capture codecs on this platform
}

// NewPipeline builds the platform media stack once at startup.
func NewPipeline() (*Pipeline, error) {
	return newPipeline()
}

// API exposes the configured WebRTC API for the peer connection factory.
func (p *Pipeline) API() *webrtc.API { return p.api }

// Acquire opens local capture devices. If video+audio acquisition fails the
// pipeline retries audio-only before surfacing a hard failure, so a missing
// or busy camera never blocks a voice call.
func (p *Pipeline) Acquire(ctx context.Context, video, audio bool) (*Stream, error) {
	return p.acquire(ctx, video, audio)
}

// Bind attaches every track of the stream to the peer connection. A stream
// with no video track still gets a recvonly video transceiver so remote video
// can flow.
func (p *Pipeline) Bind(s *Stream, a *peerconn.Adapter) error {
	tracks := s.liveTracks()
	if len(tracks) == 0 {
		a.AddRecvOnlyTransceivers()
		return nil
	}

	hasVideo := false
	for _, t := range tracks {
		if err := a.AddTrack(t); err != nil {
			return err
		}
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			hasVideo = true
		}
	}
	if !hasVideo {
		// Audio-only capture: keep a recvonly video m-line so the remote
		// camera is still received.
		a.AddRecvOnlyVideo()
	}
	return nil
}

// iceSettingEngine returns a SettingEngine with generous ICE timeouts so a
// brief relay/NAT hiccup does not immediately terminate the call. The default
// disconnectedTimeout of 5 s is far too short for paths with short outages
// during re-keying or failover.
func iceSettingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return se
}

// Stream is one set of local capture tracks, exclusively owned by the
// current call session.
type Stream struct {
	mu       sync.Mutex
	tracks   []mediadevices.Track
	label    string
	audioOn  bool
	videoOn  bool
	released bool
}

func newStream(label string, tracks []mediadevices.Track) *Stream {
	return &Stream{
		tracks:  tracks,
		label:   label,
		audioOn: true,
		videoOn: true,
	}
}

// Label describes which capture attempt succeeded ("video+audio",
// "audio-only", "none").
func (s *Stream) Label() string { return s.label }

func (s *Stream) liveTracks() []mediadevices.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	return s.tracks
}

// SetAudioEnabled flips the microphone on/off and returns the previous state.
func (s *Stream) SetAudioEnabled(on bool) bool {
	s.mu.Lock()
	prev := s.audioOn
	s.audioOn = on
	s.mu.Unlock()
	return prev
}

// SetVideoEnabled flips the camera on/off and returns the previous state.
func (s *Stream) SetVideoEnabled(on bool) bool {
	s.mu.Lock()
	prev := s.videoOn
	s.videoOn = on
	s.mu.Unlock()
	return prev
}

// Release stops every track and frees the capture hardware. Safe to call
// multiple times and safe on a partially-initialized stream.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			log.Printf("MEDIA: close track: %v", err)
		}
	}
}
