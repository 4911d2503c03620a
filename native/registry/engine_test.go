package registry

import (
	"errors"
	"math/big"
	"testing"

	"invoiceflow/core/types"
	"invoiceflow/crypto"
	nativecommon "invoiceflow/native/common"
)

type mockEngineState struct {
	invoices  map[uint64]*Invoice
	count     uint64
	lockers   map[string]bool
	verifiers map[string]bool
	accounts  map[string]*types.Account
	quotas    map[string]nativecommon.QuotaNow
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		invoices:  make(map[uint64]*Invoice),
		lockers:   make(map[string]bool),
		verifiers: make(map[string]bool),
		accounts:  make(map[string]*types.Account),
		quotas:    make(map[string]nativecommon.QuotaNow),
	}
}

func (m *mockEngineState) key(addr crypto.Address) string { return string(addr.Bytes()) }

func (m *mockEngineState) InvoiceGet(id uint64) (*Invoice, bool, error) {
	inv, ok := m.invoices[id]
	return inv, ok, nil
}

func (m *mockEngineState) InvoicePut(inv *Invoice) error {
	m.invoices[inv.ID] = inv
	return nil
}

func (m *mockEngineState) InvoiceCount() (uint64, error) { return m.count, nil }

func (m *mockEngineState) SetInvoiceCount(count uint64) error {
	m.count = count
	return nil
}

func (m *mockEngineState) LockerAllowed(addr crypto.Address) (bool, error) {
	return m.lockers[m.key(addr)], nil
}

func (m *mockEngineState) SetLockerAllowed(addr crypto.Address, allowed bool) error {
	m.lockers[m.key(addr)] = allowed
	return nil
}

func (m *mockEngineState) VerifierAllowed(addr crypto.Address) (bool, error) {
	return m.verifiers[m.key(addr)], nil
}

func (m *mockEngineState) SetVerifierAllowed(addr crypto.Address, allowed bool) error {
	m.verifiers[m.key(addr)] = allowed
	return nil
}

func (m *mockEngineState) GetAccount(addr crypto.Address) (*types.Account, error) {
	if acc, ok := m.accounts[m.key(addr)]; ok {
		return acc, nil
	}
	return nil, nil
}

func (m *mockEngineState) PutAccount(addr crypto.Address, acc *types.Account) error {
	m.accounts[m.key(addr)] = acc
	return nil
}

func (m *mockEngineState) MintQuota(addr crypto.Address) (nativecommon.QuotaNow, error) {
	return m.quotas[m.key(addr)], nil
}

func (m *mockEngineState) SetMintQuota(addr crypto.Address, usage nativecommon.QuotaNow) error {
	m.quotas[m.key(addr)] = usage
	return nil
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.InvPrefix, raw)
}

func newTestEngine(admin crypto.Address) (*Engine, *mockEngineState) {
	engine := NewEngine(admin)
	state := newMockEngineState()
	engine.SetState(state)
	return engine, state
}

func TestMintAssignsSequentialIDs(t *testing.T) {
	admin := makeAddress(0x01)
	owner := makeAddress(0x02)
	engine, _ := newTestEngine(admin)

	first, err := engine.Mint(owner, big.NewInt(1000), 1_700_000_000, "Acme Corp", "Globex", "QmInvoiceDoc1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if first.ID != 0 {
		t.Fatalf("expected first id 0, got %d", first.ID)
	}
	if first.Verified || first.Locked {
		t.Fatalf("fresh invoice must be unverified and unlocked")
	}
	if first.CollateralValue.Sign() != 0 {
		t.Fatalf("collateral must be zero before verification: %s", first.CollateralValue)
	}

	second, err := engine.Mint(owner, big.NewInt(500), 1_700_000_000, "Acme Corp", "Initech", "QmInvoiceDoc2")
	if err != nil {
		t.Fatalf("mint second: %v", err)
	}
	if second.ID != 1 {
		t.Fatalf("expected second id 1, got %d", second.ID)
	}

	total, err := engine.TotalSupply()
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if total != 2 {
		t.Fatalf("unexpected total supply: %d", total)
	}
	held, err := engine.BalanceOf(owner)
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	if held != 2 {
		t.Fatalf("unexpected holdings: %d", held)
	}
}

func TestMintRejectsNonPositiveAmount(t *testing.T) {
	engine, _ := newTestEngine(makeAddress(0x01))
	owner := makeAddress(0x02)

	if _, err := engine.Mint(owner, big.NewInt(0), 0, "a", "b", "c"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := engine.Mint(owner, big.NewInt(-5), 0, "a", "b", "c"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if _, err := engine.Mint(owner, nil, 0, "a", "b", "c"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
}

func TestMintQuotaPerIssuerEpoch(t *testing.T) {
	admin := makeAddress(0x01)
	issuer := makeAddress(0x02)
	other := makeAddress(0x07)
	engine, _ := newTestEngine(admin)

	now := int64(1_700_000_000)
	engine.SetNowFunc(func() int64 { return now })
	engine.SetMintQuota(nativecommon.Quota{MaxRequestsPerEpoch: 2, EpochSeconds: 3600})

	for i := 0; i < 2; i++ {
		if _, err := engine.Mint(issuer, big.NewInt(100), 0, "a", "b", "c"); err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
	}
	if _, err := engine.Mint(issuer, big.NewInt(100), 0, "a", "b", "c"); !errors.Is(err, nativecommon.ErrQuotaRequestsExceeded) {
		t.Fatalf("expected quota denial, got %v", err)
	}

	// Other issuers keep their own counters.
	if _, err := engine.Mint(other, big.NewInt(100), 0, "a", "b", "c"); err != nil {
		t.Fatalf("mint by other issuer: %v", err)
	}

	// Counters reset when the epoch rolls over.
	now += 3600
	if _, err := engine.Mint(issuer, big.NewInt(100), 0, "a", "b", "c"); err != nil {
		t.Fatalf("mint after epoch rollover: %v", err)
	}
}

func TestAuthorizationRequiresAdmin(t *testing.T) {
	admin := makeAddress(0x01)
	intruder := makeAddress(0x09)
	locker := makeAddress(0x03)
	engine, _ := newTestEngine(admin)

	if err := engine.AuthorizeLocker(intruder, locker, true); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if err := engine.AuthorizeLocker(admin, locker, true); err != nil {
		t.Fatalf("authorize locker: %v", err)
	}
	// Idempotent overwrite.
	if err := engine.AuthorizeLocker(admin, locker, true); err != nil {
		t.Fatalf("re-authorize locker: %v", err)
	}
	allowed, err := engine.LockerAllowed(locker)
	if err != nil {
		t.Fatalf("locker allowed: %v", err)
	}
	if !allowed {
		t.Fatalf("locker should be allowed")
	}
	if err := engine.AuthorizeLocker(admin, locker, false); err != nil {
		t.Fatalf("revoke locker: %v", err)
	}
	allowed, _ = engine.LockerAllowed(locker)
	if allowed {
		t.Fatalf("locker should be revoked")
	}
}

func TestRecordVerificationTransitions(t *testing.T) {
	admin := makeAddress(0x01)
	owner := makeAddress(0x02)
	verifier := makeAddress(0x04)
	engine, _ := newTestEngine(admin)

	inv, err := engine.Mint(owner, big.NewInt(1000), 0, "a", "b", "c")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := engine.RecordVerification(verifier, inv.ID, true, 20, big.NewInt(800)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := engine.AuthorizeVerifier(admin, verifier, true); err != nil {
		t.Fatalf("authorize verifier: %v", err)
	}
	if err := engine.RecordVerification(verifier, inv.ID, true, 101, big.NewInt(800)); !errors.Is(err, ErrInvalidFraudScore) {
		t.Fatalf("expected ErrInvalidFraudScore, got %v", err)
	}
	if err := engine.RecordVerification(verifier, inv.ID, true, 20, big.NewInt(1001)); !errors.Is(err, ErrInvalidCollateral) {
		t.Fatalf("expected ErrInvalidCollateral, got %v", err)
	}
	if err := engine.RecordVerification(verifier, 99, true, 20, big.NewInt(800)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := engine.RecordVerification(verifier, inv.ID, true, 20, big.NewInt(800)); err != nil {
		t.Fatalf("record verification: %v", err)
	}
	stored, err := engine.InvoiceInfo(inv.ID)
	if err != nil {
		t.Fatalf("invoice info: %v", err)
	}
	if !stored.Verified || stored.FraudScore != 20 {
		t.Fatalf("verification not recorded: %+v", stored)
	}
	if stored.CollateralValue.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("unexpected collateral: %s", stored.CollateralValue)
	}

	// One-time transition.
	if err := engine.RecordVerification(verifier, inv.ID, true, 10, big.NewInt(900)); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	admin := makeAddress(0x01)
	owner := makeAddress(0x02)
	locker := makeAddress(0x03)
	engine, _ := newTestEngine(admin)

	inv, err := engine.Mint(owner, big.NewInt(1000), 42, "a", "b", "c")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := engine.Lock(owner, inv.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-locker, got %v", err)
	}
	if err := engine.AuthorizeLocker(admin, locker, true); err != nil {
		t.Fatalf("authorize locker: %v", err)
	}
	if err := engine.Unlock(locker, inv.ID); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}

	before, _ := engine.InvoiceInfo(inv.ID)
	if err := engine.Lock(locker, inv.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := engine.Lock(locker, inv.ID); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
	if err := engine.Unlock(locker, inv.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	after, _ := engine.InvoiceInfo(inv.ID)
	if after.Locked {
		t.Fatalf("invoice should be unlocked")
	}
	if after.Amount.Cmp(before.Amount) != 0 || after.DueDate != before.DueDate || !after.Owner.Equal(before.Owner) {
		t.Fatalf("lock round trip mutated unrelated fields: before=%+v after=%+v", before, after)
	}
}

func TestTransferBlockedWhileLocked(t *testing.T) {
	admin := makeAddress(0x01)
	owner := makeAddress(0x02)
	locker := makeAddress(0x03)
	recipient := makeAddress(0x05)
	engine, _ := newTestEngine(admin)

	inv, err := engine.Mint(owner, big.NewInt(1000), 0, "a", "b", "c")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := engine.Transfer(recipient, inv.ID, recipient); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := engine.AuthorizeLocker(admin, locker, true); err != nil {
		t.Fatalf("authorize locker: %v", err)
	}
	if err := engine.Lock(locker, inv.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := engine.Transfer(owner, inv.ID, recipient); !errors.Is(err, ErrInvoiceLocked) {
		t.Fatalf("expected ErrInvoiceLocked, got %v", err)
	}
	if err := engine.Unlock(locker, inv.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := engine.Transfer(owner, inv.ID, recipient); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	newOwner, err := engine.OwnerOf(inv.ID)
	if err != nil {
		t.Fatalf("owner of: %v", err)
	}
	if !newOwner.Equal(recipient) {
		t.Fatalf("custody not transferred")
	}
	held, _ := engine.BalanceOf(owner)
	if held != 0 {
		t.Fatalf("previous owner still holds %d", held)
	}
	held, _ = engine.BalanceOf(recipient)
	if held != 1 {
		t.Fatalf("recipient holds %d", held)
	}
}

func TestSeizeReassignsLockedCustody(t *testing.T) {
	admin := makeAddress(0x01)
	owner := makeAddress(0x02)
	locker := makeAddress(0x03)
	treasury := makeAddress(0x06)
	engine, _ := newTestEngine(admin)

	inv, err := engine.Mint(owner, big.NewInt(1000), 0, "a", "b", "c")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := engine.AuthorizeLocker(admin, locker, true); err != nil {
		t.Fatalf("authorize locker: %v", err)
	}
	if err := engine.Seize(locker, inv.ID, treasury); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked on unlocked seize, got %v", err)
	}
	if err := engine.Lock(locker, inv.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := engine.Seize(owner, inv.ID, treasury); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := engine.Seize(locker, inv.ID, treasury); err != nil {
		t.Fatalf("seize: %v", err)
	}

	stored, _ := engine.InvoiceInfo(inv.ID)
	if stored.Locked {
		t.Fatalf("seize should clear the lock")
	}
	if !stored.Owner.Equal(treasury) {
		t.Fatalf("seize should reassign custody")
	}
}
