package verification

import (
	"errors"
	"math/big"

	"invoiceflow/core/events"
	"invoiceflow/core/types"
	"invoiceflow/crypto"
	nativecommon "invoiceflow/native/common"
	"invoiceflow/native/registry"
)

var (
	errNilState    = errors.New("verification engine: state not configured")
	errNilRegistry = errors.New("verification engine: registry not configured")

	// ErrNotAdmin guards roster mutations.
	ErrNotAdmin = errors.New("verification: caller is not the administrator")
	// ErrNotAgent is returned when the caller is not on the trusted roster.
	ErrNotAgent = errors.New("verification: caller is not a verification agent")
	// ErrInvalidFraudScore rejects scores outside [0,100].
	ErrInvalidFraudScore = errors.New("verification: fraud score out of range")
	// ErrLengthMismatch rejects batch calls with ragged input arrays.
	ErrLengthMismatch = errors.New("verification: batch array lengths differ")
	// ErrDuplicateInvoice rejects batches naming the same invoice twice.
	ErrDuplicateInvoice = errors.New("verification: duplicate invoice id in batch")
)

const moduleName = "verification"

var scoreScale = big.NewInt(100)

// InvoiceRegistry is the write interface the authority needs from the invoice
// registry. The authority presents its own module address as the caller, so
// it must be on the registry's verifier allow-list.
type InvoiceRegistry interface {
	InvoiceInfo(id uint64) (*registry.Invoice, error)
	RecordVerification(caller crypto.Address, id uint64, verified bool, fraudScore uint8, collateralValue *big.Int) error
}

type engineState interface {
	VerificationAgent(addr crypto.Address) (bool, error)
	SetVerificationAgent(addr crypto.Address, allowed bool) error
}

type verificationEvent struct {
	evt *types.Event
}

func (e verificationEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e verificationEvent) Event() *types.Event { return e.evt }

// Engine translates off-chain fraud-analysis results into authoritative
// registry writes, restricted to a trusted agent roster.
type Engine struct {
	state         engineState
	registry      InvoiceRegistry
	moduleAddress crypto.Address
	admin         crypto.Address
	emitter       events.Emitter
	pauses        nativecommon.PauseView
}

// NewEngine constructs a verification engine. moduleAddr is the identity the
// authority uses when writing into the registry.
func NewEngine(moduleAddr, admin crypto.Address) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		admin:         admin,
		emitter:       events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry wires the engine to the invoice registry write interface.
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

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(verificationEvent{evt: event})
}

// AddAgent places an address on the trusted verification roster.
func (e *Engine) AddAgent(caller, addr crypto.Address) error {
	return e.setAgent(caller, addr, true)
}

// RemoveAgent removes an address from the trusted verification roster.
func (e *Engine) RemoveAgent(caller, addr crypto.Address) error {
	return e.setAgent(caller, addr, false)
}

func (e *Engine) setAgent(caller, addr crypto.Address, allowed bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if err := e.state.SetVerificationAgent(addr, allowed); err != nil {
		return err
	}
	e.emit(NewAgentRosterEvent(addr, allowed))
	return nil
}

// IsAgent reports whether the address is on the trusted roster.
func (e *Engine) IsAgent(addr crypto.Address) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.VerificationAgent(addr)
}

// CollateralValue derives the loanable value of an invoice face amount at the
// given fraud score: amount * (100 - score) / 100.
func CollateralValue(amount *big.Int, fraudScore uint8) *big.Int {
	if amount == nil || amount.Sign() <= 0 || fraudScore >= registry.MaxFraudScore {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, big.NewInt(int64(registry.MaxFraudScore-uint64(fraudScore))))
	return value.Quo(value, scoreScale)
}

// VerifyInvoice records a single fraud-analysis result. The reason string is
// emitted on the audit event and never persisted.
func (e *Engine) VerifyInvoice(agent crypto.Address, id uint64, verified bool, fraudScore uint8, reason string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.registry == nil {
		return errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	isAgent, err := e.state.VerificationAgent(agent)
	if err != nil {
		return err
	}
	if !isAgent {
		return ErrNotAgent
	}
	if fraudScore > registry.MaxFraudScore {
		return ErrInvalidFraudScore
	}
	return e.applyVerification(agent, id, verified, fraudScore, reason)
}

// BatchVerifyInvoices applies one verification per tuple, all-or-nothing:
// every tuple is validated against current state before the first registry
// write, so a bad element rejects the whole batch.
func (e *Engine) BatchVerifyInvoices(agent crypto.Address, ids []uint64, verifications []bool, fraudScores []uint8, reasons []string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.registry == nil {
		return errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if len(verifications) != len(ids) || len(fraudScores) != len(ids) || len(reasons) != len(ids) {
		return ErrLengthMismatch
	}
	isAgent, err := e.state.VerificationAgent(agent)
	if err != nil {
		return err
	}
	if !isAgent {
		return ErrNotAgent
	}
	seen := make(map[uint64]struct{}, len(ids))
	for i, id := range ids {
		if _, dup := seen[id]; dup {
			return ErrDuplicateInvoice
		}
		seen[id] = struct{}{}
		if fraudScores[i] > registry.MaxFraudScore {
			return ErrInvalidFraudScore
		}
		inv, err := e.registry.InvoiceInfo(id)
		if err != nil {
			return err
		}
		if inv.Verified {
			return registry.ErrAlreadyVerified
		}
	}
	for i, id := range ids {
		if err := e.applyVerification(agent, id, verifications[i], fraudScores[i], reasons[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyVerification(agent crypto.Address, id uint64, verified bool, fraudScore uint8, reason string) error {
	inv, err := e.registry.InvoiceInfo(id)
	if err != nil {
		return err
	}
	value := big.NewInt(0)
	if verified {
		value = CollateralValue(inv.Amount, fraudScore)
	}
	if err := e.registry.RecordVerification(e.moduleAddress, id, verified, fraudScore, value); err != nil {
		return err
	}
	e.emit(NewVerificationRecordedEvent(agent, id, verified, fraudScore, value, reason))
	return nil
}
