package lendingpool

import (
	"errors"
	"math/big"
	"time"

	"invoiceflow/core/events"
	"invoiceflow/core/types"
	"invoiceflow/crypto"
	nativecommon "invoiceflow/native/common"
	"invoiceflow/native/registry"
)

var (
	errNilState    = errors.New("lendingpool engine: state not configured")
	errNilRegistry = errors.New("lendingpool engine: registry not configured")

	// ErrInvalidAmount rejects non-positive funding or borrow amounts.
	ErrInvalidAmount = errors.New("lendingpool: amount must be positive")
	// ErrAmountMismatch is returned when the declared funding amount differs
	// from the value actually transferred with the call.
	ErrAmountMismatch = errors.New("lendingpool: declared amount does not match transferred value")
	// ErrInsufficientBalance is returned when the caller's account cannot
	// cover the transfer.
	ErrInsufficientBalance = errors.New("lendingpool: insufficient account balance")
	// ErrNotVerified blocks borrowing against invoices that have not passed
	// verification.
	ErrNotVerified = errors.New("lendingpool: invoice not verified")
	// ErrAlreadyLocked blocks borrowing against an invoice that already
	// backs an active loan.
	ErrAlreadyLocked = errors.New("lendingpool: invoice already locked")
	// ErrNotOwner is returned when the borrower does not hold custody of the
	// invoice.
	ErrNotOwner = errors.New("lendingpool: borrower does not hold custody")
	// ErrExceedsLTV rejects requests above the LTV-derived ceiling.
	ErrExceedsLTV = errors.New("lendingpool: requested amount exceeds LTV ceiling")
	// ErrBelowMinimum / ErrAboveMaximum enforce configured loan bounds.
	ErrBelowMinimum = errors.New("lendingpool: requested amount below minimum loan size")
	ErrAboveMaximum = errors.New("lendingpool: requested amount above maximum loan size")
	// ErrInsufficientLiquidity is returned when the pool cannot cover the
	// requested principal.
	ErrInsufficientLiquidity = errors.New("lendingpool: insufficient pool liquidity")
	// ErrLoanNotFound is returned when no loan exists for the id.
	ErrLoanNotFound = errors.New("lendingpool: loan not found")
	// ErrAlreadyRepaid is returned when a repaid loan is repaid again.
	ErrAlreadyRepaid = errors.New("lendingpool: loan already repaid")
	// ErrLoanDefaulted is returned on attempts to repay a defaulted loan.
	ErrLoanDefaulted = errors.New("lendingpool: loan defaulted")
	// ErrInsufficientPayment is returned when the supplied payment does not
	// cover principal plus accrued interest.
	ErrInsufficientPayment = errors.New("lendingpool: payment below principal plus interest")
	// ErrNotLiquidatable is returned when the grace period has not elapsed.
	ErrNotLiquidatable = errors.New("lendingpool: loan not eligible for liquidation")
	// ErrNotAdmin guards governance parameter updates.
	ErrNotAdmin = errors.New("lendingpool: caller is not the administrator")
	// ErrOutOfRange rejects basis-point parameters outside [0, 10000].
	ErrOutOfRange = errors.New("lendingpool: basis points out of range")
)

const moduleName = "lendingpool"

// InvoiceRegistry is the collateral interface the pool needs from the invoice
// registry. The pool presents its module address as the caller, so it must be
// on the registry's locker allow-list.
type InvoiceRegistry interface {
	InvoiceInfo(id uint64) (*registry.Invoice, error)
	Lock(caller crypto.Address, id uint64) error
	Unlock(caller crypto.Address, id uint64) error
	Seize(caller crypto.Address, id uint64, to crypto.Address) error
}

type engineState interface {
	PoolGet() (*PoolState, bool, error)
	PoolPut(*PoolState) error
	LoanGet(invoiceID uint64) (*Loan, bool, error)
	LoanPut(*Loan) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

type poolEvent struct {
	evt *types.Event
}

func (e poolEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e poolEvent) Event() *types.Event { return e.evt }

// Engine is the financial core of the pool: funding, collateralized
// borrowing, linear interest accrual, repayment, liquidation, and parameter
// governance.
type Engine struct {
	state         engineState
	registry      InvoiceRegistry
	moduleAddress crypto.Address
	treasury      crypto.Address
	admin         crypto.Address
	config        Config
	emitter       events.Emitter
	pauses        nativecommon.PauseView
	nowFn         func() int64
}

// NewEngine constructs a lending pool engine. moduleAddr is the vault account
// holding pooled liquidity and the identity used for registry lock calls;
// treasury receives seized collateral on liquidation.
func NewEngine(moduleAddr, treasury, admin crypto.Address, cfg Config) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		treasury:      treasury,
		admin:         admin,
		config:        cfg,
		emitter:       events.NoopEmitter{},
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry wires the engine to the invoice registry.
func (e *Engine) SetRegistry(reg InvoiceRegistry) { e.registry = reg }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(poolEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// FundPool moves the transferred value from the funder into the pool vault.
// The declared amount must equal the transferred value, protecting against
// native-currency/token accounting drift.
func (e *Engine) FundPool(funder crypto.Address, amount, transferred *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if transferred == nil || amount.Cmp(transferred) != 0 {
		return ErrAmountMismatch
	}

	pool, err := e.ensurePool()
	if err != nil {
		return err
	}
	if err := e.transfer(funder, e.moduleAddress, amount); err != nil {
		return err
	}
	pool.Balance = new(big.Int).Add(pool.Balance, amount)
	if err := e.state.PoolPut(pool); err != nil {
		return err
	}
	e.emit(NewPoolFundedEvent(funder, amount, pool.Balance))
	return nil
}

// BorrowAgainstInvoice issues a loan against a verified, unlocked invoice the
// borrower holds in custody. The loan snapshots the pool's current interest
// rate; the invoice is locked for the life of the loan.
func (e *Engine) BorrowAgainstInvoice(borrower crypto.Address, invoiceID uint64, requested *big.Int) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if requested == nil || requested.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	inv, err := e.registry.InvoiceInfo(invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Verified {
		return nil, ErrNotVerified
	}
	if inv.Locked {
		return nil, ErrAlreadyLocked
	}
	if !inv.Owner.Equal(borrower) {
		return nil, ErrNotOwner
	}

	pool, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	ceiling := maxBorrowable(inv.CollateralValue, pool.BaseLTVBps)
	if requested.Cmp(ceiling) > 0 {
		return nil, ErrExceedsLTV
	}
	if pool.MinLoanAmount.Sign() > 0 && requested.Cmp(pool.MinLoanAmount) < 0 {
		return nil, ErrBelowMinimum
	}
	if pool.MaxLoanAmount.Sign() > 0 && requested.Cmp(pool.MaxLoanAmount) > 0 {
		return nil, ErrAboveMaximum
	}
	if requested.Cmp(pool.Balance) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	if err := e.registry.Lock(e.moduleAddress, invoiceID); err != nil {
		return nil, err
	}
	if err := e.transfer(e.moduleAddress, borrower, requested); err != nil {
		return nil, err
	}

	loan := &Loan{
		InvoiceID:       invoiceID,
		Borrower:        borrower,
		BorrowedAmount:  new(big.Int).Set(requested),
		InterestRateBps: pool.BaseInterestRateBps,
		StartTime:       e.now(),
		Status:          LoanActive,
	}
	if err := e.state.LoanPut(loan); err != nil {
		return nil, err
	}

	pool.Balance = new(big.Int).Sub(pool.Balance, requested)
	pool.ActiveLoans++
	pool.TotalBorrowed = new(big.Int).Add(pool.TotalBorrowed, requested)
	if err := e.state.PoolPut(pool); err != nil {
		return nil, err
	}

	e.emit(NewLoanIssuedEvent(loan))
	return loan.Clone(), nil
}

// CalculateInterestDue returns the linear interest accrued on an active loan
// at the engine's current time. Repaid and defaulted loans accrue nothing.
func (e *Engine) CalculateInterestDue(invoiceID uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.loadLoan(invoiceID)
	if err != nil {
		return nil, err
	}
	if loan.Status != LoanActive {
		return big.NewInt(0), nil
	}
	return InterestDue(loan.BorrowedAmount, loan.InterestRateBps, e.now()-loan.StartTime), nil
}

// RepayLoan settles an active loan. The payment must cover principal plus
// accrued interest; exactly that amount is debited from the payer, so any
// declared excess stays with them. Principal and interest both credit the
// pool balance, and the backing invoice is unlocked.
func (e *Engine) RepayLoan(payer crypto.Address, invoiceID uint64, payment *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(invoiceID)
	if err != nil {
		return nil, err
	}
	switch loan.Status {
	case LoanRepaid:
		return nil, ErrAlreadyRepaid
	case LoanDefaulted:
		return nil, ErrLoanDefaulted
	}

	interest := InterestDue(loan.BorrowedAmount, loan.InterestRateBps, e.now()-loan.StartTime)
	due := new(big.Int).Add(loan.BorrowedAmount, interest)
	if payment == nil || payment.Cmp(due) < 0 {
		return nil, ErrInsufficientPayment
	}

	if err := e.transfer(payer, e.moduleAddress, due); err != nil {
		return nil, err
	}
	if err := e.registry.Unlock(e.moduleAddress, loan.InvoiceID); err != nil {
		return nil, err
	}

	loan.Status = LoanRepaid
	if err := e.state.LoanPut(loan); err != nil {
		return nil, err
	}

	pool, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	// Interest stays in the pool as yield for future loans.
	pool.Balance = new(big.Int).Add(pool.Balance, due)
	pool.TotalBorrowed = new(big.Int).Sub(pool.TotalBorrowed, loan.BorrowedAmount)
	if pool.ActiveLoans > 0 {
		pool.ActiveLoans--
	}
	if err := e.state.PoolPut(pool); err != nil {
		return nil, err
	}

	e.emit(NewLoanRepaidEvent(loan, interest))
	return due, nil
}

// LiquidateLoan seizes the collateral of a loan whose invoice matured unpaid.
// Eligible once the invoice's due date plus the configured grace period has
// elapsed. Custody of the invoice moves to the pool treasury and the loan is
// marked defaulted.
func (e *Engine) LiquidateLoan(caller crypto.Address, invoiceID uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(invoiceID)
	if err != nil {
		return nil, err
	}
	switch loan.Status {
	case LoanRepaid:
		return nil, ErrAlreadyRepaid
	case LoanDefaulted:
		return nil, ErrLoanDefaulted
	}

	inv, err := e.registry.InvoiceInfo(loan.InvoiceID)
	if err != nil {
		return nil, err
	}
	if e.now() <= inv.DueDate+e.config.LiquidationGracePeriod {
		return nil, ErrNotLiquidatable
	}

	if err := e.registry.Seize(e.moduleAddress, loan.InvoiceID, e.treasury); err != nil {
		return nil, err
	}

	loan.Status = LoanDefaulted
	if err := e.state.LoanPut(loan); err != nil {
		return nil, err
	}

	pool, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	pool.TotalBorrowed = new(big.Int).Sub(pool.TotalBorrowed, loan.BorrowedAmount)
	if pool.ActiveLoans > 0 {
		pool.ActiveLoans--
	}
	if err := e.state.PoolPut(pool); err != nil {
		return nil, err
	}

	e.emit(NewLoanLiquidatedEvent(loan, caller, e.treasury))
	return loan.Clone(), nil
}

// UpdateLTV changes the pool's base loan-to-value ratio. Applies only to
// loans issued after the change.
func (e *Engine) UpdateLTV(caller crypto.Address, ltvBps uint64) error {
	return e.updateParam(caller, "baseLTV", ltvBps, func(pool *PoolState) {
		pool.BaseLTVBps = ltvBps
	})
}

// UpdateInterestRate changes the pool's base interest rate. Existing loans
// keep their snapshot rate.
func (e *Engine) UpdateInterestRate(caller crypto.Address, rateBps uint64) error {
	return e.updateParam(caller, "baseInterestRate", rateBps, func(pool *PoolState) {
		pool.BaseInterestRateBps = rateBps
	})
}

func (e *Engine) updateParam(caller crypto.Address, name string, bps uint64, apply func(*PoolState)) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if bps > 10_000 {
		return ErrOutOfRange
	}
	pool, err := e.ensurePool()
	if err != nil {
		return err
	}
	apply(pool)
	if err := e.state.PoolPut(pool); err != nil {
		return err
	}
	e.emit(NewParamUpdatedEvent(name, bps))
	return nil
}

// Pool returns a copy of the current pool accounting state.
func (e *Engine) Pool() (*PoolState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// Loan returns a copy of the loan keyed by the backing invoice id.
func (e *Engine) Loan(invoiceID uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.loadLoan(invoiceID)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

func (e *Engine) loadLoan(invoiceID uint64) (*Loan, error) {
	loan, ok, err := e.state.LoanGet(invoiceID)
	if err != nil {
		return nil, err
	}
	if !ok || loan == nil {
		return nil, ErrLoanNotFound
	}
	if loan.BorrowedAmount == nil {
		loan.BorrowedAmount = big.NewInt(0)
	}
	return loan, nil
}

func (e *Engine) ensurePool() (*PoolState, error) {
	pool, ok, err := e.state.PoolGet()
	if err != nil {
		return nil, err
	}
	if !ok || pool == nil {
		pool = &PoolState{
			BaseLTVBps:          e.config.BaseLTVBps,
			BaseInterestRateBps: e.config.BaseInterestBps,
			MinLoanAmount:       cloneOrZero(e.config.MinLoanAmount),
			MaxLoanAmount:       cloneOrZero(e.config.MaxLoanAmount),
		}
	}
	if pool.Balance == nil {
		pool.Balance = big.NewInt(0)
	}
	if pool.TotalBorrowed == nil {
		pool.TotalBorrowed = big.NewInt(0)
	}
	if pool.MinLoanAmount == nil {
		pool.MinLoanAmount = big.NewInt(0)
	}
	if pool.MaxLoanAmount == nil {
		pool.MaxLoanAmount = big.NewInt(0)
	}
	return pool, nil
}

func (e *Engine) transfer(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc, nil
}
