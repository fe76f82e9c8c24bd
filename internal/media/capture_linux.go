//go:build linux && cgo

package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
)

// newEngine assembles VP8+Opus capture via pion/mediadevices (V4L2 camera,
// malgo microphone).
func newEngine() (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	return &Engine{API: api, Acquire: newAcquirer(selector)}, nil
}

func newAcquirer(selector *mediadevices.CodecSelector) core.MediaAcquirer {
	return func(kind domain.CallKind) (core.MediaSource, error) {
		stream, err := getUserMedia(selector, kind == domain.CallVideo)
		if err != nil && kind == domain.CallVideo {
			// Camera unavailable; downgrade to audio-only before giving up.
			log.Warn().Err(err).Str("module", "media").Msg("video capture failed, retrying audio-only")
			stream, err = getUserMedia(selector, false)
		}
		if err != nil {
			return nil, err
		}
		return &captureSource{stream: stream}, nil
	}
}

func getUserMedia(selector *mediadevices.CodecSelector, video bool) (mediadevices.MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
		}
	}
	return mediadevices.GetUserMedia(constraints)
}

// captureSource owns the acquired tracks until the controller releases them.
type captureSource struct {
	stream mediadevices.MediaStream
}

func (s *captureSource) Tracks() []webrtc.TrackLocal {
	tracks := s.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

func (s *captureSource) Close() error {
	var first error
	for _, t := range s.stream.GetTracks() {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
