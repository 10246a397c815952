package mempool

import (
	"fmt"

	"github.com/veiltide/veiltide-chain/config"
	"github.com/veiltide/veiltide-chain/pkg/tx"
)

// DefaultMaxPoolWeight bounds the pool when no limit is configured: enough
// for several full blocks of backlog.
const DefaultMaxPoolWeight = 4 * config.MaxBlockWeight

// Policy defines transaction acceptance rules. Separate from consensus
// validation: policy can vary per node, consensus cannot.
type Policy struct {
	MaxTxWeight uint64
}

// DefaultPolicy returns a policy with the consensus per-transaction limit.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxTxWeight: config.MaxTxWeight,
	}
}

// Check validates a transaction against policy rules before the expensive
// crypto validation runs.
func (p *Policy) Check(transaction *tx.Transaction) error {
	if len(transaction.Kernels) == 0 {
		return fmt.Errorf("transaction has no kernel")
	}
	if len(transaction.Outputs) == 0 && len(transaction.Inputs) == 0 {
		return fmt.Errorf("transaction is empty")
	}
	weight := transaction.Weight()
	if p.MaxTxWeight > 0 && weight > p.MaxTxWeight {
		return fmt.Errorf("transaction too heavy: weight %d, max %d", weight, p.MaxTxWeight)
	}
	return nil
}
