// Package consensus implements proof-of-work verification, the rolling
// difficulty adjustment, and block sealing.
package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/pkg/block"
	"github.com/veiltide/veiltide-chain/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
	ErrBadTimestamp     = errors.New("block timestamp out of range")
)

// maxUint256 is 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Engine verifies and seals proof of work. Difficulty is derived per block
// from a rolling window of recent headers; the engine holds no mutable
// chain state.
type Engine struct {
	Rules config.ConsensusRules

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded. Each goroutine searches a strided
	// partition of the nonce space.
	Threads int
}

// NewEngine creates a PoW engine for the given protocol rules.
func NewEngine(rules config.ConsensusRules) (*Engine, error) {
	if rules.InitialDifficulty == 0 {
		return nil, ErrZeroDifficulty
	}
	return &Engine{Rules: rules}, nil
}

// target returns MaxUint256 / difficulty as a 256-bit big.Int.
func target(difficulty uint64) *big.Int {
	d := new(big.Int).SetUint64(difficulty)
	return new(big.Int).Div(maxUint256, d)
}

// VerifyHeader checks that the block header hash meets the stated difficulty.
// The difficulty value comes from the header itself; whether that value is
// the correct one for the height is VerifyDifficulty's job.
func (e *Engine) VerifyHeader(header *block.Header) error {
	if header.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	t := target(header.Difficulty)
	hash := header.Hash()
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// VerifyTimestamp checks that a header's timestamp advances past its parent
// and does not lead wall clock time by more than the allowed drift.
func (e *Engine) VerifyTimestamp(header *block.Header, parentTimestamp, now uint64) error {
	if header.Timestamp <= parentTimestamp {
		return fmt.Errorf("%w: %d not after parent %d", ErrBadTimestamp, header.Timestamp, parentTimestamp)
	}
	if header.Timestamp > now+e.Rules.MaxTimeDrift {
		return fmt.Errorf("%w: %d leads wall clock %d by more than %ds",
			ErrBadTimestamp, header.Timestamp, now, e.Rules.MaxTimeDrift)
	}
	return nil
}

// HeaderInfo is the slice of a past header the difficulty rule needs.
type HeaderInfo struct {
	Timestamp  uint64
	Difficulty uint64
}

// NextDifficulty computes the difficulty for the block following the given
// window of recent headers, oldest first. The rule scales the window's mean
// difficulty by target versus actual time span, with the span clamped to a
// factor of four per window so a burst of lucky blocks cannot spike the
// target. Fewer than two headers yields the initial difficulty.
func (e *Engine) NextDifficulty(window []HeaderInfo) uint64 {
	if len(window) < 2 {
		return e.Rules.InitialDifficulty
	}

	n := uint64(len(window) - 1) // Number of block intervals in the window.
	expectedSpan := int64(n * e.Rules.BlockTime)
	actualSpan := int64(window[len(window)-1].Timestamp) - int64(window[0].Timestamp)

	if actualSpan <= 0 {
		actualSpan = 1
	}
	minSpan := expectedSpan / 4
	if minSpan == 0 {
		minSpan = 1
	}
	maxSpan := expectedSpan * 4
	if actualSpan < minSpan {
		actualSpan = minSpan
	}
	if actualSpan > maxSpan {
		actualSpan = maxSpan
	}

	// Mean difficulty over the window's intervals.
	sum := new(big.Int)
	for _, h := range window[1:] {
		sum.Add(sum, new(big.Int).SetUint64(h.Difficulty))
	}
	mean := new(big.Int).Div(sum, new(big.Int).SetUint64(n))

	// next = mean * expected / actual
	next := new(big.Int).Mul(mean, big.NewInt(expectedSpan))
	next.Div(next, big.NewInt(actualSpan))

	if next.Sign() <= 0 || !next.IsUint64() {
		return 1
	}
	d := next.Uint64()
	if d < 1 {
		d = 1
	}
	return d
}

// VerifyDifficulty checks that a header's stated difficulty matches the
// value the adjustment rule derives from the window preceding it.
func (e *Engine) VerifyDifficulty(header *block.Header, window []HeaderInfo) error {
	expected := e.NextDifficulty(window)
	if header.Difficulty != expected {
		return fmt.Errorf("%w: height %d has difficulty %d, want %d",
			ErrBadDifficulty, header.Height, header.Difficulty, expected)
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets
// the target. Uses the difficulty already set in the block header.
func (e *Engine) Seal(blk *block.Block) error {
	return e.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support. When the
// context is cancelled, mining stops and ctx.Err() is returned. If Threads
// > 1, mining runs in parallel goroutines with strided nonce partitioning.
func (e *Engine) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Difficulty == 0 {
		return ErrZeroDifficulty
	}

	threads := e.Threads
	if threads <= 1 {
		return e.sealSingle(ctx, blk)
	}
	return e.sealParallel(ctx, blk, threads)
}

// sealPrefix returns the header's signing bytes WITHOUT the trailing nonce,
// so each mining goroutine pre-computes the prefix once and only
// appends+hashes the 8-byte nonce per iteration.
func sealPrefix(h *block.Header) []byte {
	full := h.SigningBytes()
	return full[:len(full)-8]
}

// sealSingle mines with a single goroutine.
func (e *Engine) sealSingle(ctx context.Context, blk *block.Block) error {
	t := target(blk.Header.Difficulty)
	prefix := sealPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		// Check cancellation every 65536 iterations.
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (e *Engine) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := target(blk.Header.Difficulty)
	prefix := sealPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				// Check cancellation every ~65536 iterations per goroutine.
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := crypto.Hash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				// Overflow: would wrap around past max uint64.
				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	// Wait in background so goroutines are cleaned up.
	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
