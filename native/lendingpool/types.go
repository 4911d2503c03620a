package lendingpool

import (
	"math/big"

	"invoiceflow/crypto"
)

// LoanStatus tracks the lifecycle of a single loan. Active loans hold the
// backing invoice locked; Repaid and Defaulted are terminal.
type LoanStatus uint8

const (
	LoanActive LoanStatus = iota
	LoanRepaid
	LoanDefaulted
)

// Valid reports whether the status value is within the supported range.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanActive, LoanRepaid, LoanDefaulted:
		return true
	default:
		return false
	}
}

func (s LoanStatus) String() string {
	switch s {
	case LoanActive:
		return "active"
	case LoanRepaid:
		return "repaid"
	case LoanDefaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// Loan captures one borrowing position. Loans are keyed by the backing
// invoice id, so at most one loan per invoice exists at a time; a repaid or
// defaulted record is overwritten by the next borrow cycle.
type Loan struct {
	InvoiceID uint64
	Borrower  crypto.Address
	// BorrowedAmount is the principal disbursed at issuance.
	BorrowedAmount *big.Int
	// InterestRateBps is snapshotted from the pool's base rate at issuance;
	// later governance changes do not affect it.
	InterestRateBps uint64
	StartTime       int64
	Status          LoanStatus
}

// Clone returns a deep copy of the loan record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.BorrowedAmount != nil {
		clone.BorrowedAmount = new(big.Int).Set(l.BorrowedAmount)
	} else {
		clone.BorrowedAmount = big.NewInt(0)
	}
	return &clone
}

// PoolState is the singleton accounting record for the lending pool.
type PoolState struct {
	// Balance is the liquidity currently available for lending.
	Balance *big.Int
	// ActiveLoans counts loans that are neither repaid nor defaulted.
	ActiveLoans uint64
	// TotalBorrowed is the principal currently outstanding.
	TotalBorrowed *big.Int
	// BaseLTVBps and BaseInterestRateBps are governance parameters in basis
	// points, each constrained to [0, 10000].
	BaseLTVBps          uint64
	BaseInterestRateBps uint64
	MinLoanAmount       *big.Int
	MaxLoanAmount       *big.Int
}

// Clone returns a deep copy of the pool state.
func (p *PoolState) Clone() *PoolState {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Balance = cloneOrZero(p.Balance)
	clone.TotalBorrowed = cloneOrZero(p.TotalBorrowed)
	clone.MinLoanAmount = cloneOrZero(p.MinLoanAmount)
	clone.MaxLoanAmount = cloneOrZero(p.MaxLoanAmount)
	return &clone
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Config carries the immutable construction parameters supplied by
// deployment tooling.
type Config struct {
	// LendingToken names the asset the pool denominates in. Informational
	// when IsNativeCurrency is true.
	LendingToken     string
	IsNativeCurrency bool
	BaseLTVBps       uint64
	BaseInterestBps  uint64
	MinLoanAmount    *big.Int
	MaxLoanAmount    *big.Int
	// LiquidationGracePeriod is the number of seconds past an invoice's due
	// date before its loan becomes eligible for liquidation.
	LiquidationGracePeriod int64
}
