package mempool

import "math"

// Evict sheds the cheapest dependent-free entries until the pool's total
// weight fits the configured limit. Returns the number of removed entries.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for p.totalWeight > p.maxWeight {
		hash, rate := p.lowestFeeRate()
		if rate == math.MaxFloat64 {
			break
		}
		p.removeLocked(hash)
		evicted++
	}
	return evicted
}
