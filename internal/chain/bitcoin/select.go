package bitcoin

import (
	"fmt"
	"sort"

	"github.com/ayo6706/crypto-custody/internal/chain"
)

const (
	// DustLimit is the smallest change output worth creating, in sats.
	DustLimit  = 546
	minFeeRate = 1
)

// estimateVBytes approximates the virtual size of a P2WPKH transaction.
func estimateVBytes(inputs, outputs int) int64 {
	return int64(10 + 68*inputs + 31*outputs)
}

// Selection is the outcome of coin selection.
type Selection struct {
	Inputs []UTXO
	Total  int64
	Fee    int64
	Change int64
}

// SelectUTXOs picks confirmed outputs, largest first, until they cover amount
// plus the fee for a two-output transaction. Change at or below the dust
// limit is folded into the fee.
func SelectUTXOs(utxos []UTXO, amount, feeRate int64) (Selection, error) {
	if feeRate < minFeeRate {
		feeRate = minFeeRate
	}

	candidates := make([]UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Status.Confirmed && u.Value > 0 {
			candidates = append(candidates, u)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Value > candidates[j].Value })

	var sel Selection
	for _, u := range candidates {
		sel.Inputs = append(sel.Inputs, u)
		sel.Total += u.Value
		sel.Fee = estimateVBytes(len(sel.Inputs), 2) * feeRate
		if sel.Total >= amount+sel.Fee {
			sel.Change = sel.Total - amount - sel.Fee
			if sel.Change <= DustLimit {
				sel.Fee += sel.Change
				sel.Change = 0
			}
			return sel, nil
		}
	}

	return Selection{}, fmt.Errorf("%w: have %d sats confirmed, need %d plus fee", chain.ErrInsufficientBalance, sel.Total, amount)
}
