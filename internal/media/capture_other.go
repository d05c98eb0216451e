//go:build !linux || !cgo

package media

import (
	"context"
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

func newPipeline() (*Pipeline, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := iceSettingEngine()
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &Pipeline{api: api}, nil
}

// acquire is receive-only on non-Linux platforms. Camera/mic capture via
// pion/mediadevices requires platform-specific drivers (V4L2/malgo on
// Linux); elsewhere the call proceeds without local media.
func (p *Pipeline) acquire(ctx context.Context, video, audio bool) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Printf("MEDIA: no capture drivers on this platform — receive-only")
	return newStream("none", nil), nil
}
