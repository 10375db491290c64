package call

import (
	"log"
	"time"

	"github.com/pion/webrtc/v4"
)

// defaultSTUN is used when the config lists no ICE servers.
var defaultSTUN = []string{"stun:stun.l.google.com:19302"}

func iceConfiguration(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = defaultSTUN
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// settingEngine returns a SettingEngine with generous ICE timeouts. The
// default disconnectedTimeout of 5 s is too short for relay paths that can
// have brief outages during re-keying or failover; 30 s lets ICE recover
// without tearing the call down.
func settingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return se
}

// addRecvOnlyTransceivers adds recvonly transceivers so CreateOffer and
// CreateAnswer always produce valid m-lines with ICE credentials, even when
// no local media could be captured. Audio-only calls skip the video m-line.
func addRecvOnlyTransceivers(sessionID string, pc *webrtc.PeerConnection, wantVideo bool) {
	if wantVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(video) error: %v", sessionID, err)
		}
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", sessionID, err)
	}
}
