package registry

import (
	"errors"
	"math/big"
	"time"

	"invoiceflow/core/events"
	"invoiceflow/core/types"
	"invoiceflow/crypto"
	nativecommon "invoiceflow/native/common"
)

var (
	errNilState = errors.New("registry engine: state not configured")

	// ErrInvalidAmount rejects mints with a non-positive face value.
	ErrInvalidAmount = errors.New("registry: amount must be positive")
	// ErrNotFound is returned when the referenced invoice id was never minted.
	ErrNotFound = errors.New("registry: invoice not found")
	// ErrNotAdmin guards the administrator-only authorization toggles.
	ErrNotAdmin = errors.New("registry: caller is not the administrator")
	// ErrNotAuthorized is returned when the caller is missing from the
	// relevant allow-list.
	ErrNotAuthorized = errors.New("registry: caller not authorized")
	// ErrInvalidFraudScore rejects verification writes outside [0,100].
	ErrInvalidFraudScore = errors.New("registry: fraud score out of range")
	// ErrInvalidCollateral rejects collateral values outside [0, amount].
	ErrInvalidCollateral = errors.New("registry: collateral value outside [0, amount]")
	// ErrAlreadyVerified enforces the one-time verification transition.
	ErrAlreadyVerified = errors.New("registry: invoice already verified")
	// ErrAlreadyLocked is returned when locking an invoice that already backs
	// a loan.
	ErrAlreadyLocked = errors.New("registry: invoice already locked")
	// ErrNotLocked is returned when unlocking an invoice that is not locked.
	ErrNotLocked = errors.New("registry: invoice not locked")
	// ErrInvoiceLocked blocks custody transfers while a loan is outstanding.
	ErrInvoiceLocked = errors.New("registry: invoice locked")
	// ErrNotOwner is returned when a custody transfer is attempted by an
	// address that does not hold the invoice.
	ErrNotOwner = errors.New("registry: caller does not hold custody")
)

const moduleName = "registry"

type engineState interface {
	InvoiceGet(id uint64) (*Invoice, bool, error)
	InvoicePut(*Invoice) error
	InvoiceCount() (uint64, error)
	SetInvoiceCount(uint64) error
	LockerAllowed(addr crypto.Address) (bool, error)
	SetLockerAllowed(addr crypto.Address, allowed bool) error
	VerifierAllowed(addr crypto.Address) (bool, error)
	SetVerifierAllowed(addr crypto.Address, allowed bool) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	MintQuota(addr crypto.Address) (nativecommon.QuotaNow, error)
	SetMintQuota(addr crypto.Address, usage nativecommon.QuotaNow) error
}

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

// Engine is the canonical store of invoice metadata and custody and the
// gatekeeper for lock/verify mutation rights.
type Engine struct {
	state   engineState
	admin   crypto.Address
	emitter events.Emitter
	pauses  nativecommon.PauseView
	quota   nativecommon.Quota
	nowFn   func() int64
}

// NewEngine constructs a registry engine administered by the provided address.
func NewEngine(admin crypto.Address) *Engine {
	return &Engine{
		admin:   admin,
		emitter: events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

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

// SetMintQuota installs a per-issuer mint throttle. A zero quota disables
// enforcement.
func (e *Engine) SetMintQuota(q nativecommon.Quota) {
	if e == nil {
		return
	}
	e.quota = q
}

// SetNowFunc overrides the engine's time source for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return time.Now().Unix()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(registryEvent{evt: event})
}

// Mint records a new invoice owned by the caller and returns the stored
// record. Identifiers are sequential starting at zero.
func (e *Engine) Mint(caller crypto.Address, amount *big.Int, dueDate int64, issuer, recipient, documentRef string) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.consumeMintQuota(caller); err != nil {
		return nil, err
	}

	count, err := e.state.InvoiceCount()
	if err != nil {
		return nil, err
	}
	inv := &Invoice{
		ID:              count,
		Amount:          new(big.Int).Set(amount),
		DueDate:         dueDate,
		Issuer:          issuer,
		Recipient:       recipient,
		DocumentRef:     documentRef,
		CollateralValue: big.NewInt(0),
		Owner:           caller,
	}
	if err := e.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	if err := e.state.SetInvoiceCount(count + 1); err != nil {
		return nil, err
	}
	if err := e.adjustHoldings(caller, +1); err != nil {
		return nil, err
	}
	e.emit(NewMintedEvent(inv))
	return inv.Clone(), nil
}

// AuthorizeLocker toggles an address on the locker allow-list. The call is
// idempotent and overwrites any prior state for the address.
func (e *Engine) AuthorizeLocker(caller, addr crypto.Address, allowed bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if err := e.state.SetLockerAllowed(addr, allowed); err != nil {
		return err
	}
	e.emit(NewLockerAuthorizedEvent(addr, allowed))
	return nil
}

// AuthorizeVerifier toggles an address on the verifier allow-list.
func (e *Engine) AuthorizeVerifier(caller, addr crypto.Address, allowed bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if err := e.state.SetVerifierAllowed(addr, allowed); err != nil {
		return err
	}
	e.emit(NewVerifierAuthorizedEvent(addr, allowed))
	return nil
}

// RecordVerification writes the verification outcome supplied by an
// authorized verifier. A successful verification is a one-time transition;
// an unsuccessful one (verified=false) stores the score but leaves the
// invoice eligible for a later submission.
func (e *Engine) RecordVerification(caller crypto.Address, id uint64, verified bool, fraudScore uint8, collateralValue *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	allowed, err := e.state.VerifierAllowed(caller)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotAuthorized
	}
	if fraudScore > MaxFraudScore {
		return ErrInvalidFraudScore
	}
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if inv.Verified {
		return ErrAlreadyVerified
	}
	value := big.NewInt(0)
	if collateralValue != nil {
		value = new(big.Int).Set(collateralValue)
	}
	if value.Sign() < 0 || value.Cmp(inv.Amount) > 0 {
		return ErrInvalidCollateral
	}
	inv.Verified = verified
	inv.FraudScore = fraudScore
	inv.CollateralValue = value
	if err := e.state.InvoicePut(inv); err != nil {
		return err
	}
	e.emit(NewVerifiedEvent(inv))
	return nil
}

// Lock marks the invoice as backing an active loan. Only addresses on the
// locker allow-list may lock.
func (e *Engine) Lock(caller crypto.Address, id uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	allowed, err := e.state.LockerAllowed(caller)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotAuthorized
	}
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if inv.Locked {
		return ErrAlreadyLocked
	}
	inv.Locked = true
	if err := e.state.InvoicePut(inv); err != nil {
		return err
	}
	e.emit(NewLockedEvent(inv))
	return nil
}

// Unlock clears the lock flag, restoring the invoice to its pre-lock state.
func (e *Engine) Unlock(caller crypto.Address, id uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	allowed, err := e.state.LockerAllowed(caller)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotAuthorized
	}
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if !inv.Locked {
		return ErrNotLocked
	}
	inv.Locked = false
	if err := e.state.InvoicePut(inv); err != nil {
		return err
	}
	e.emit(NewUnlockedEvent(inv))
	return nil
}

// Transfer moves custody of an unlocked invoice from the caller to the
// recipient.
func (e *Engine) Transfer(caller crypto.Address, id uint64, to crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if !inv.Owner.Equal(caller) {
		return ErrNotOwner
	}
	if inv.Locked {
		return ErrInvoiceLocked
	}
	return e.reassign(inv, to, NewTransferredEvent)
}

// Seize reassigns custody of a locked invoice and clears the lock. It is the
// collateral recovery path used during loan liquidation and is restricted to
// the locker allow-list.
func (e *Engine) Seize(caller crypto.Address, id uint64, to crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	allowed, err := e.state.LockerAllowed(caller)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotAuthorized
	}
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if !inv.Locked {
		return ErrNotLocked
	}
	inv.Locked = false
	return e.reassign(inv, to, NewSeizedEvent)
}

func (e *Engine) reassign(inv *Invoice, to crypto.Address, event func(*Invoice, crypto.Address) *types.Event) error {
	from := inv.Owner
	inv.Owner = to
	if err := e.state.InvoicePut(inv); err != nil {
		return err
	}
	if err := e.adjustHoldings(from, -1); err != nil {
		return err
	}
	if err := e.adjustHoldings(to, +1); err != nil {
		return err
	}
	e.emit(event(inv, from))
	return nil
}

// InvoiceInfo returns a copy of the stored invoice record.
func (e *Engine) InvoiceInfo(id uint64) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	inv, err := e.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	return inv.Clone(), nil
}

// OwnerOf returns the address currently holding custody of the invoice.
func (e *Engine) OwnerOf(id uint64) (crypto.Address, error) {
	inv, err := e.InvoiceInfo(id)
	if err != nil {
		return crypto.Address{}, err
	}
	return inv.Owner, nil
}

// BalanceOf reports the number of invoice records held by the address.
func (e *Engine) BalanceOf(addr crypto.Address) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return 0, err
	}
	if acc == nil {
		return 0, nil
	}
	return acc.InvoicesHeld, nil
}

// TotalSupply returns the number of invoices minted so far.
func (e *Engine) TotalSupply() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.InvoiceCount()
}

// LockerAllowed reports whether the address may lock and unlock invoices.
func (e *Engine) LockerAllowed(addr crypto.Address) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.LockerAllowed(addr)
}

// VerifierAllowed reports whether the address may record verifications.
func (e *Engine) VerifierAllowed(addr crypto.Address) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.VerifierAllowed(addr)
}

func (e *Engine) loadInvoice(id uint64) (*Invoice, error) {
	inv, ok, err := e.state.InvoiceGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || inv == nil {
		return nil, ErrNotFound
	}
	if inv.Amount == nil {
		inv.Amount = big.NewInt(0)
	}
	if inv.CollateralValue == nil {
		inv.CollateralValue = big.NewInt(0)
	}
	return inv, nil
}

// consumeMintQuota charges one mint against the caller's epoch counters.
func (e *Engine) consumeMintQuota(caller crypto.Address) error {
	if !e.quota.Enabled() {
		return nil
	}
	epoch := uint64(e.now()) / uint64(e.quota.EpochSeconds)
	usage, err := e.state.MintQuota(caller)
	if err != nil {
		return err
	}
	next, err := nativecommon.CheckQuota(e.quota, epoch, usage, 1, 0)
	if err != nil {
		return err
	}
	return e.state.SetMintQuota(caller, next)
}

func (e *Engine) adjustHoldings(addr crypto.Address, delta int) error {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return err
	}
	if acc == nil {
		acc = &types.Account{Balance: big.NewInt(0)}
	}
	if delta < 0 {
		if acc.InvoicesHeld > 0 {
			acc.InvoicesHeld--
		}
	} else {
		acc.InvoicesHeld++
	}
	return e.state.PutAccount(addr, acc)
}
