package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// HeightProtocol is the protocol ID for querying chain height.
	HeightProtocol = protocol.ID("/veiltide/height/1.0.0")

	// heightReadTimeout is the max time to read a height response.
	heightReadTimeout = 5 * time.Second
)

// HeightResponse carries a peer's tip height, tip hash, and accumulated
// difficulty. Sync peer selection uses the total difficulty, not the
// height: a longer chain can still be lighter.
type HeightResponse struct {
	Height          uint64 `json:"height"`
	TipHash         string `json:"tip_hash"`
	TotalDifficulty uint64 `json:"total_difficulty"`
}

// RegisterHeightHandler registers a stream handler that responds with the
// local tip height, hash, and total difficulty.
func (s *Syncer) RegisterHeightHandler(tipFn func() (uint64, string, uint64)) {
	s.host.SetStreamHandler(HeightProtocol, func(stream network.Stream) {
		defer stream.Close()

		height, tipHash, td := tipFn()
		resp := HeightResponse{Height: height, TipHash: tipHash, TotalDifficulty: td}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestHeight queries a peer for its tip height and total difficulty.
func (s *Syncer) RequestHeight(ctx context.Context, peerID peer.ID) (*HeightResponse, error) {
	stream, err := s.host.NewStream(ctx, peerID, HeightProtocol)
	if err != nil {
		return nil, fmt.Errorf("open height stream: %w", err)
	}
	defer stream.Close()

	// Signal we're done writing (request is empty, just opening the stream).
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(heightReadTimeout))

	var resp HeightResponse
	if err := json.NewDecoder(io.LimitReader(stream, 1024)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read height response: %w", err)
	}

	return &resp, nil
}
