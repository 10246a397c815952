package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/veiltide/veiltide-chain/pkg/types"
)

// tipTimestampSlack is how far into the future a tip announcement's
// timestamp may lie before it is dropped.
const tipTimestampSlack = 10 * time.Minute

// TipStatus is a periodic chain-tip announcement. Peers use it to detect
// when they have fallen behind and should request blocks. Announcements
// carry no proof: a peer claiming a heavier tip than it can serve is
// caught during sync when its blocks fail validation.
type TipStatus struct {
	Height          uint64     `json:"height"`
	TotalDifficulty uint64     `json:"total_difficulty"`
	TipHash         types.Hash `json:"tip_hash"`
	Timestamp       int64      `json:"timestamp"`
}

// validTipStatus applies basic sanity checks to an incoming announcement.
func validTipStatus(ts *TipStatus) bool {
	if ts.TipHash == (types.Hash{}) {
		return false
	}
	if ts.TotalDifficulty == 0 {
		return false
	}
	if ts.Timestamp > time.Now().Add(tipTimestampSlack).Unix() {
		return false
	}
	return true
}

// SetTipHandler registers a callback for incoming tip announcements that
// pass the sanity checks.
func (n *Node) SetTipHandler(fn func(from peer.ID, ts *TipStatus)) {
	n.tipHandler = fn
}

// JoinTipTopic joins the tip-status GossipSub topic and starts reading.
func (n *Node) JoinTipTopic() error {
	if n.pubsub == nil {
		return fmt.Errorf("p2p node not started")
	}
	if n.topicTip != nil {
		return nil // Already joined.
	}

	topic, err := n.pubsub.Join(TopicTipStatus)
	if err != nil {
		return fmt.Errorf("join tip topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe tip topic: %w", err)
	}
	n.topicTip = topic
	n.subTip = sub

	go n.tipReadLoop()
	return nil
}

// LeaveTipTopic unsubscribes from the tip-status topic.
func (n *Node) LeaveTipTopic() {
	if n.subTip != nil {
		n.subTip.Cancel()
		n.subTip = nil
	}
	if n.topicTip != nil {
		n.topicTip.Close()
		n.topicTip = nil
	}
}

// BroadcastTip publishes a tip announcement to the GossipSub topic.
func (n *Node) BroadcastTip(ts *TipStatus) error {
	if n.topicTip == nil {
		return fmt.Errorf("tip topic not joined")
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal tip status: %w", err)
	}
	return n.topicTip.Publish(n.ctx, data)
}

func (n *Node) tipReadLoop() {
	for {
		msg, err := n.subTip.Next(n.ctx)
		if err != nil {
			return // Context cancelled or subscription closed.
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue // Skip own announcements.
		}

		var ts TipStatus
		if err := json.Unmarshal(msg.Data, &ts); err != nil {
			continue // Malformed message.
		}
		if !validTipStatus(&ts) {
			continue
		}

		n.addPeer(msg.ReceivedFrom)
		if n.tipHandler != nil {
			func() {
				defer func() { recover() }()
				n.tipHandler(msg.ReceivedFrom, &ts)
			}()
		}
	}
}
