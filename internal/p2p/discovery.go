package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// mdnsConnectTimeout bounds the dial to a locally discovered peer.
const mdnsConnectTimeout = 5 * time.Second

// discoveryNotifee dials peers found by mDNS on the local network. The mDNS
// service is scoped by the network rendezvous string, so only nodes on the
// same Veiltide network are announced; the genesis handshake still runs on
// connect and weeds out any stray chain.
type discoveryNotifee struct {
	node *Node
}

// HandlePeerFound connects to a discovered peer and records it. Dial
// failures are dropped silently; mDNS re-announces periodically.
func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() {
		return // Ignore self.
	}

	ctx, cancel := context.WithTimeout(d.node.ctx, mdnsConnectTimeout)
	defer cancel()

	if err := d.node.host.Connect(ctx, pi); err == nil {
		d.node.addPeer(pi.ID)
	}
}
