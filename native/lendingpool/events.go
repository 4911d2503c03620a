package lendingpool

import (
	"math/big"
	"strconv"

	"invoiceflow/core/types"
	"invoiceflow/crypto"
)

const (
	EventTypePoolFunded     = "pool.funded"
	EventTypeLoanIssued     = "loan.issued"
	EventTypeLoanRepaid     = "loan.repaid"
	EventTypeLoanLiquidated = "loan.liquidated"
	EventTypeParamUpdated   = "pool.param_updated"
)

// NewPoolFundedEvent records a liquidity deposit into the pool vault.
func NewPoolFundedEvent(funder crypto.Address, amount, balance *big.Int) *types.Event {
	return &types.Event{Type: EventTypePoolFunded, Attributes: map[string]string{
		"funder":  funder.String(),
		"amount":  amount.String(),
		"balance": balance.String(),
	}}
}

// NewLoanIssuedEvent records a new borrowing position.
func NewLoanIssuedEvent(loan *Loan) *types.Event {
	return newLoanEvent(EventTypeLoanIssued, loan)
}

// NewLoanRepaidEvent records a full repayment, including the interest
// component credited to the pool.
func NewLoanRepaidEvent(loan *Loan, interest *big.Int) *types.Event {
	evt := newLoanEvent(EventTypeLoanRepaid, loan)
	if interest != nil {
		evt.Attributes["interest"] = interest.String()
	}
	return evt
}

// NewLoanLiquidatedEvent records a collateral seizure after default.
func NewLoanLiquidatedEvent(loan *Loan, caller, treasury crypto.Address) *types.Event {
	evt := newLoanEvent(EventTypeLoanLiquidated, loan)
	evt.Attributes["liquidator"] = caller.String()
	evt.Attributes["treasury"] = treasury.String()
	return evt
}

// NewParamUpdatedEvent records a governance parameter change.
func NewParamUpdatedEvent(name string, bps uint64) *types.Event {
	return &types.Event{Type: EventTypeParamUpdated, Attributes: map[string]string{
		"param": name,
		"bps":   strconv.FormatUint(bps, 10),
	}}
}

func newLoanEvent(eventType string, loan *Loan) *types.Event {
	attrs := make(map[string]string)
	if loan == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["invoiceId"] = strconv.FormatUint(loan.InvoiceID, 10)
	attrs["borrower"] = loan.Borrower.String()
	if loan.BorrowedAmount != nil {
		attrs["borrowedAmount"] = loan.BorrowedAmount.String()
	}
	attrs["interestRateBps"] = strconv.FormatUint(loan.InterestRateBps, 10)
	attrs["status"] = loan.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
