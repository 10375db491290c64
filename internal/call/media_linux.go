//go:build linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/mvankuijk/parlo/internal/proto"
)

// initMediaPC creates a PeerConnection with VP8+Opus codecs and captures the
// local camera/mic via pion/mediadevices (V4L2 + malgo). Returns the PC and
// a cleanup func for the captured tracks (may be nil when running
// receive-only).
func initMediaPC(sessionID string, media proto.MediaKind, stunURLs []string) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine()),
	)

	pc, err := api.NewPeerConnection(iceConfiguration(stunURLs))
	if err != nil {
		return nil, nil, err
	}

	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		log.Printf("CALL [%s]: no media devices found by pion/mediadevices", sessionID)
	} else {
		for _, d := range devices {
			log.Printf("CALL [%s]: media device — kind=%v label=%q", sessionID, d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either requested track can't be opened.
	// Try the richest combination first and degrade, so a missing or busy
	// microphone doesn't prevent the camera from working and vice versa.
	attempts := []struct {
		video bool
		audio bool
		label string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if media == proto.MediaAudio {
		attempts = attempts[2:]
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and makes SDP negotiation fail. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", sessionID, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", sessionID, err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", sessionID, err)
			}
		}

		log.Printf("CALL [%s]: local media captured (%s) — %d tracks", sessionID, a.label, len(tracks))
		closeFn := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, closeFn, nil
	}

	// All capture attempts failed — fall back to receive-only so the call
	// still carries remote media.
	log.Printf("CALL [%s]: all media capture attempts failed — proceeding receive-only", sessionID)
	addRecvOnlyTransceivers(sessionID, pc, media == proto.MediaVideo)
	return pc, nil, nil
}
