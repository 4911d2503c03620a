package gateway

import (
	"fmt"
	"math/big"

	"invoiceflow/crypto"
	"invoiceflow/native/lendingpool"
	"invoiceflow/native/registry"
)

// Request bodies. Addresses are bech32 strings, amounts decimal strings.

type mintRequest struct {
	Caller      string `json:"caller"`
	Amount      string `json:"amount"`
	DueDate     int64  `json:"dueDate"`
	Issuer      string `json:"issuer"`
	Recipient   string `json:"recipient"`
	DocumentRef string `json:"documentRef"`
}

type transferRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
}

type verifyRequest struct {
	Agent      string `json:"agent"`
	InvoiceID  uint64 `json:"invoiceId"`
	Verified   bool   `json:"verified"`
	FraudScore uint8  `json:"fraudScore"`
	Reason     string `json:"reason"`
}

type batchVerifyRequest struct {
	Agent         string   `json:"agent"`
	InvoiceIDs    []uint64 `json:"invoiceIds"`
	Verifications []bool   `json:"verifications"`
	FraudScores   []uint8  `json:"fraudScores"`
	Reasons       []string `json:"reasons"`
}

type fundRequest struct {
	Funder      string `json:"funder"`
	Amount      string `json:"amount"`
	Transferred string `json:"transferred"`
}

type borrowRequest struct {
	Borrower  string `json:"borrower"`
	InvoiceID uint64 `json:"invoiceId"`
	Amount    string `json:"amount"`
}

type repayRequest struct {
	Payer     string `json:"payer"`
	InvoiceID uint64 `json:"invoiceId"`
	Payment   string `json:"payment"`
}

type liquidateRequest struct {
	Caller    string `json:"caller"`
	InvoiceID uint64 `json:"invoiceId"`
}

type allowListRequest struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

type paramRequest struct {
	Caller string `json:"caller"`
	Bps    uint64 `json:"bps"`
}

type pauseRequest struct {
	Caller string `json:"caller"`
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

// Response views.

type invoiceView struct {
	ID              uint64 `json:"id"`
	Amount          string `json:"amount"`
	DueDate         int64  `json:"dueDate"`
	Issuer          string `json:"issuer"`
	Recipient       string `json:"recipient"`
	DocumentRef     string `json:"documentRef"`
	Verified        bool   `json:"verified"`
	FraudScore      uint8  `json:"fraudScore"`
	CollateralValue string `json:"collateralValue"`
	Locked          bool   `json:"locked"`
	Owner           string `json:"owner"`
}

func newInvoiceView(inv *registry.Invoice) invoiceView {
	return invoiceView{
		ID:              inv.ID,
		Amount:          inv.Amount.String(),
		DueDate:         inv.DueDate,
		Issuer:          inv.Issuer,
		Recipient:       inv.Recipient,
		DocumentRef:     inv.DocumentRef,
		Verified:        inv.Verified,
		FraudScore:      inv.FraudScore,
		CollateralValue: inv.CollateralValue.String(),
		Locked:          inv.Locked,
		Owner:           inv.Owner.String(),
	}
}

type loanView struct {
	InvoiceID       uint64 `json:"invoiceId"`
	Borrower        string `json:"borrower"`
	BorrowedAmount  string `json:"borrowedAmount"`
	InterestRateBps uint64 `json:"interestRateBps"`
	StartTime       int64  `json:"startTime"`
	Status          string `json:"status"`
}

func newLoanView(loan *lendingpool.Loan) loanView {
	return loanView{
		InvoiceID:       loan.InvoiceID,
		Borrower:        loan.Borrower.String(),
		BorrowedAmount:  loan.BorrowedAmount.String(),
		InterestRateBps: loan.InterestRateBps,
		StartTime:       loan.StartTime,
		Status:          loan.Status.String(),
	}
}

type poolView struct {
	Balance             string `json:"balance"`
	ActiveLoans         uint64 `json:"activeLoans"`
	TotalBorrowed       string `json:"totalBorrowed"`
	BaseLTVBps          uint64 `json:"baseLtvBps"`
	BaseInterestRateBps uint64 `json:"baseInterestRateBps"`
	MinLoanAmount       string `json:"minLoanAmount"`
	MaxLoanAmount       string `json:"maxLoanAmount"`
}

func newPoolView(pool *lendingpool.PoolState) poolView {
	return poolView{
		Balance:             pool.Balance.String(),
		ActiveLoans:         pool.ActiveLoans,
		TotalBorrowed:       pool.TotalBorrowed.String(),
		BaseLTVBps:          pool.BaseLTVBps,
		BaseInterestRateBps: pool.BaseInterestRateBps,
		MinLoanAmount:       pool.MinLoanAmount.String(),
		MaxLoanAmount:       pool.MaxLoanAmount.String(),
	}
}

type accountView struct {
	Address      string `json:"address"`
	Nonce        uint64 `json:"nonce"`
	Balance      string `json:"balance"`
	InvoicesHeld uint64 `json:"invoicesHeld"`
}

type errorView struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func parseAddress(field, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%s: not a decimal integer", field)
	}
	return amount, nil
}
