// Package app assembles the peer: config, p2p node, signaling bus, call
// coordinator, and the local control API.
package app

import (
	"context"
	"log"
	"time"

	"github.com/mvankuijk/parlo/internal/api"
	"github.com/mvankuijk/parlo/internal/call"
	"github.com/mvankuijk/parlo/internal/config"
	"github.com/mvankuijk/parlo/internal/p2p"
	"github.com/mvankuijk/parlo/internal/signal"
	"github.com/mvankuijk/parlo/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts the peer and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	selfLabel := func() string {
		if cfg.Profile.Label != "" {
			return cfg.Profile.Label
		}
		return "hello"
	}

	// ── P2P node
	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag)
	if err != nil {
		return err
	}
	defer node.Close()

	log.Printf("peer id: %s", node.ID())
	for _, a := range node.Addrs() {
		log.Printf("listening: %s", a)
	}

	// ── Signaling over gossipsub
	bus := signal.NewPubSubBus(node.PubSub, node.Host.ID())

	// ── Call coordinator
	coord, err := call.NewCoordinator(call.Options{
		Self:        call.Participant{ID: node.ID(), DisplayName: selfLabel(), Avatar: cfg.Profile.Avatar},
		Bus:         bus,
		Engine:      call.NewPionEngineFactory(cfg.Call.StunServers),
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	// Log incoming calls even with no event feed connected, so a headless
	// peer's operator can see the ring and accept via the API.
	coord.OnIncoming(func(ic call.IncomingCall) {
		name := ic.Caller.DisplayName
		if name == "" {
			name = ic.Caller.ID
		}
		log.Printf("☎ incoming %s call from %s — session %s", ic.Media, name, ic.SessionID)
	})
	coord.OnStateChanged(func(sc call.StateChange) {
		if sc.State == call.StateEnded {
			log.Printf("☎ session %s ended (%s)", sc.SessionID, sc.Reason)
		}
	})

	// ── Control API
	srv := api.New(api.Deps{
		Coordinator: coord,
		Node:        node,
		SelfLabel:   selfLabel,
	})
	if err := srv.Start(cfg.API.HTTPAddr); err != nil {
		return err
	}
	defer srv.Close()

	log.Printf("control api: http://%s", srv.Addr())

	<-ctx.Done()
	log.Println("PEER: shutting down, ending active calls...")
	return nil
}
