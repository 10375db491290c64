package call

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often the sink asks the remote encoder for a keyframe.
// Without periodic PLIs a receiver that joins mid-stream (or drops a packet)
// can wait a long time for the next spontaneous keyframe.
const pliInterval = 3 * time.Second

// remoteSink drains inbound media tracks. The session core never touches
// media bytes; the sink only counts traffic, keeps video keyframes flowing,
// and reports the moment remote media first becomes available.
type remoteSink struct {
	sessionID string
	pc        *webrtc.PeerConnection
	onFirst   func() // may be nil

	first   sync.Once
	done    chan struct{}
	packets atomic.Uint64
	bytes   atomic.Uint64
	tracks  atomic.Int32
}

func newRemoteSink(sessionID string, pc *webrtc.PeerConnection, onFirst func()) *remoteSink {
	return &remoteSink{
		sessionID: sessionID,
		pc:        pc,
		onFirst:   onFirst,
		done:      make(chan struct{}),
	}
}

// handleTrack is the pc.OnTrack callback: one read loop per remote track,
// plus a PLI ticker for video.
func (k *remoteSink) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	k.tracks.Add(1)
	log.Printf("CALL [%s]: remote track %s (%s)", k.sessionID, track.ID(), track.Kind())

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go k.pliLoop(uint32(track.SSRC()))
	}
	go k.readLoop(track)
}

func (k *remoteSink) pliLoop(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-k.done:
			return
		case <-ticker.C:
			err := k.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				return // pc closed
			}
		}
	}
}

func (k *remoteSink) readLoop(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return // track ended or pc closed
		}
		k.count(pkt)
	}
}

func (k *remoteSink) count(pkt *rtp.Packet) {
	k.packets.Add(1)
	k.bytes.Add(uint64(pkt.MarshalSize()))
	k.first.Do(func() {
		log.Printf("CALL [%s]: remote media flowing", k.sessionID)
		if k.onFirst != nil {
			k.onFirst()
		}
	})
}

func (k *remoteSink) stats() RTPStats {
	return RTPStats{
		Packets: k.packets.Load(),
		Bytes:   k.bytes.Load(),
		Tracks:  int(k.tracks.Load()),
	}
}

func (k *remoteSink) close() {
	select {
	case <-k.done:
	default:
		close(k.done)
	}
}
