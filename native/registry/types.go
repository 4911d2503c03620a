package registry

import (
	"fmt"
	"math/big"

	"invoiceflow/crypto"
)

// Collection metadata mirrored from the on-chain token deployment.
const (
	CollectionName   = "InvoiceFlow NFT"
	CollectionSymbol = "INV"
)

// MaxFraudScore is the upper bound of the fraud risk scale. 0 means no
// detected risk, 100 means maximal risk.
const MaxFraudScore = 100

// Invoice captures the immutable metadata and runtime status of a single
// tokenized invoice. Identifiers are assigned sequentially at mint time,
// starting at zero.
type Invoice struct {
	ID          uint64
	Amount      *big.Int
	DueDate     int64
	Issuer      string
	Recipient   string
	DocumentRef string
	// Verified flips to true at most once, when an authorized verifier
	// records a successful verification.
	Verified   bool
	FraudScore uint8
	// CollateralValue is Amount discounted by the fraud score, stored at
	// verification time. Zero until verified.
	CollateralValue *big.Int
	// Locked is true while the invoice backs an active loan.
	Locked bool
	Owner  crypto.Address
}

// Clone returns a deep copy of the invoice so callers can safely mutate the
// copy without affecting the stored instance.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	clone := *inv
	if inv.Amount != nil {
		clone.Amount = new(big.Int).Set(inv.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if inv.CollateralValue != nil {
		clone.CollateralValue = new(big.Int).Set(inv.CollateralValue)
	} else {
		clone.CollateralValue = big.NewInt(0)
	}
	return &clone
}

// SanitizeInvoice validates and normalises the supplied invoice, returning a
// cloned instance with non-nil amount fields. The original value is not
// mutated.
func SanitizeInvoice(inv *Invoice) (*Invoice, error) {
	if inv == nil {
		return nil, fmt.Errorf("nil invoice")
	}
	clone := inv.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive")
	}
	if clone.FraudScore > MaxFraudScore {
		return nil, fmt.Errorf("invoice fraud score out of range: %d", clone.FraudScore)
	}
	if clone.CollateralValue.Sign() < 0 || clone.CollateralValue.Cmp(clone.Amount) > 0 {
		return nil, fmt.Errorf("invoice collateral value outside [0, amount]")
	}
	return clone, nil
}
