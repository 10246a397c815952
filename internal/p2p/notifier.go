package p2p

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
)

// connNotifier feeds libp2p connection events into the node's peer set, which
// backs sync peer selection and tip announcements. On a fresh outbound
// connection it also starts the genesis handshake, so peers on a different
// chain are banned before any block or transaction gossip flows.
type connNotifier struct {
	node *Node
}

// Connected registers the remote peer and, for outbound connections, opens
// the handshake stream. Inbound handshakes arrive via the stream handler
// instead, so only the dialing side initiates here.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if remotePeer == cn.node.host.ID() {
		return // Ignore self-connections.
	}
	cn.node.addPeer(remotePeer)
	if fn := cn.node.onPeerConnected; fn != nil {
		go fn()
	}
	if cn.node.handshakeEnabled && conn.Stat().Direction == network.DirOutbound {
		go cn.node.doHandshake(remotePeer)
	}
}

// Disconnected drops the peer from the peer set once its last connection
// closes. A peer with other live connections stays eligible for sync.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if len(net.ConnsToPeer(remotePeer)) == 0 {
		cn.node.removePeer(remotePeer)
	}
}

// Listen and ListenClose complete the network.Notifiee interface; listen
// address changes carry no peer state to track.
func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr)      {}
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
