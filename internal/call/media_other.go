//go:build !linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/mvankuijk/parlo/internal/proto"
)

// initMediaPC creates a receive-only PeerConnection on non-Linux platforms.
// Camera/mic capture via pion/mediadevices needs platform-specific drivers
// (V4L2/malgo on Linux); elsewhere the session can still receive remote
// media, it just sends none.
func initMediaPC(sessionID string, media proto.MediaKind, stunURLs []string) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

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

	addRecvOnlyTransceivers(sessionID, pc, media == proto.MediaVideo)
	log.Printf("CALL [%s]: peer connection ready (receive-only, no local capture on this platform)", sessionID)
	return pc, nil, nil
}
