package p2p

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/veiltide/veiltide-chain/pkg/types"
)

func TestTipStatus_JSON(t *testing.T) {
	ts := TipStatus{
		Height:          120,
		TotalDifficulty: 9_500,
		TipHash:         types.Hash{0xde, 0xad},
		Timestamp:       time.Now().Unix(),
	}

	data, err := json.Marshal(&ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded TipStatus
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded != ts {
		t.Errorf("roundtrip mismatch: %+v != %+v", decoded, ts)
	}
}

func TestValidTipStatus(t *testing.T) {
	now := time.Now().Unix()
	tests := []struct {
		name  string
		ts    TipStatus
		valid bool
	}{
		{"ok", TipStatus{Height: 10, TotalDifficulty: 100, TipHash: types.Hash{0x01}, Timestamp: now}, true},
		{"zero hash", TipStatus{Height: 10, TotalDifficulty: 100, Timestamp: now}, false},
		{"zero difficulty", TipStatus{Height: 10, TipHash: types.Hash{0x01}, Timestamp: now}, false},
		{"far future timestamp", TipStatus{Height: 10, TotalDifficulty: 100, TipHash: types.Hash{0x01}, Timestamp: now + 3600}, false},
		{"genesis height ok", TipStatus{Height: 0, TotalDifficulty: 1, TipHash: types.Hash{0x01}, Timestamp: now}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validTipStatus(&tt.ts); got != tt.valid {
				t.Errorf("validTipStatus() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestNode_BroadcastTip_NotJoined(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	err := n.BroadcastTip(&TipStatus{Height: 1})
	if err == nil {
		t.Error("BroadcastTip should fail before joining the topic")
	}
}

func TestNode_JoinTipTopic_NotStarted(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if err := n.JoinTipTopic(); err == nil {
		t.Error("JoinTipTopic should fail before Start")
	}
}

func TestNode_JoinTipTopic_Idempotent(t *testing.T) {
	n := startTestNode(t)

	if err := n.JoinTipTopic(); err != nil {
		t.Fatalf("first JoinTipTopic: %v", err)
	}
	if err := n.JoinTipTopic(); err != nil {
		t.Fatalf("second JoinTipTopic: %v", err)
	}

	n.LeaveTipTopic()

	if err := n.BroadcastTip(&TipStatus{Height: 1}); err == nil {
		t.Error("BroadcastTip should fail after LeaveTipTopic")
	}
}

func TestTwoNodes_TipGossip(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	if err := nodeA.JoinTipTopic(); err != nil {
		t.Fatalf("nodeA JoinTipTopic: %v", err)
	}
	if err := nodeB.JoinTipTopic(); err != nil {
		t.Fatalf("nodeB JoinTipTopic: %v", err)
	}

	var received atomic.Value
	nodeB.SetTipHandler(func(from peer.ID, ts *TipStatus) {
		received.Store(ts)
	})

	// Give the tip topic mesh time to form.
	time.Sleep(300 * time.Millisecond)

	want := &TipStatus{
		Height:          77,
		TotalDifficulty: 1234,
		TipHash:         types.Hash{0x07},
		Timestamp:       time.Now().Unix(),
	}
	if err := nodeA.BroadcastTip(want); err != nil {
		t.Fatalf("BroadcastTip: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if v := received.Load(); v != nil {
			got := v.(*TipStatus)
			if got.Height != want.Height || got.TotalDifficulty != want.TotalDifficulty {
				t.Errorf("received tip mismatch: %+v", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for tip gossip")
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func TestTwoNodes_TipGossip_DropsInvalid(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	if err := nodeA.JoinTipTopic(); err != nil {
		t.Fatalf("nodeA JoinTipTopic: %v", err)
	}
	if err := nodeB.JoinTipTopic(); err != nil {
		t.Fatalf("nodeB JoinTipTopic: %v", err)
	}

	var count atomic.Int32
	nodeB.SetTipHandler(func(peer.ID, *TipStatus) {
		count.Add(1)
	})

	time.Sleep(300 * time.Millisecond)

	// Zero tip hash fails the sanity check and must not reach the handler.
	bad := &TipStatus{Height: 5, TotalDifficulty: 50, Timestamp: time.Now().Unix()}
	if err := nodeA.BroadcastTip(bad); err != nil {
		t.Fatalf("BroadcastTip: %v", err)
	}

	time.Sleep(1 * time.Second)
	if count.Load() != 0 {
		t.Errorf("invalid tip announcement reached handler %d times", count.Load())
	}
}
