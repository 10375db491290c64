// Package p2p owns the libp2p node: persistent identity, the host, gossipsub
// for call signaling, and mDNS discovery so two peers on the same LAN find
// each other without any infrastructure.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/mvankuijk/parlo/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors go
	// to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node bundles the libp2p host with the gossipsub router used for call
// signaling.
type Node struct {
	Host   host.Host
	PubSub *pubsub.PubSub

	mdns mdns.Service
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run. The key file is what makes a
// peer's ID stable across restarts — and the peer ID is what callers dial.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// New starts the libp2p host and gossipsub. listenPort 0 picks a random
// port; mdnsTag scopes LAN discovery to peers of this application.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", keyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Printf("P2P: node up — id=%s", h.ID())
	return &Node{Host: h, PubSub: ps, mdns: md}, nil
}

// ID returns the peer ID string other participants use to call us.
func (n *Node) ID() string { return n.Host.ID().String() }

// Addrs returns the node's full dialable multiaddresses.
func (n *Node) Addrs() []string {
	p2pPart, err := ma.NewMultiaddr("/p2p/" + n.Host.ID().String())
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, a.Encapsulate(p2pPart).String())
	}
	return out
}

// Connect dials a peer by multiaddress, for peers not discoverable via mDNS.
func (n *Node) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("p2p: invalid multiaddr %q: %w", addr, err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("p2p: %w", err)
	}
	return n.Host.Connect(ctx, *pi)
}

// Close shuts the node down.
func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
