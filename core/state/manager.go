package state

import (
	"encoding/binary"
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"invoiceflow/core/types"
	"invoiceflow/crypto"
	nativecommon "invoiceflow/native/common"
	"invoiceflow/native/lendingpool"
	"invoiceflow/native/registry"
	"invoiceflow/storage"
)

// Manager provides typed access to ledger state over a raw key-value store.
// Keys are keccak hashes of namespaced byte strings; values are RLP encoded.
// A Manager constructed over a storage.Overlay gives every operation an
// all-or-nothing write set.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func hashKey(prefix, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

func idSuffix(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// storedAccount mirrors types.Account with RLP-safe field types.
type storedAccount struct {
	Nonce        uint64
	Balance      *big.Int
	InvoicesHeld uint64
}

// GetAccount loads the account stored at the address, or nil when the address
// has never been written.
func (m *Manager) GetAccount(addr crypto.Address) (*types.Account, error) {
	data, ok, err := m.get(hashKey(accountPrefix, addr.Bytes()))
	if err != nil || !ok {
		return nil, err
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	return &types.Account{
		Nonce:        stored.Nonce,
		Balance:      bigOrZero(stored.Balance),
		InvoicesHeld: stored.InvoicesHeld,
	}, nil
}

// PutAccount persists the account under the address.
func (m *Manager) PutAccount(addr crypto.Address, account *types.Account) error {
	if account == nil {
		return errors.New("state: nil account")
	}
	encoded, err := rlp.EncodeToBytes(&storedAccount{
		Nonce:        account.Nonce,
		Balance:      bigOrZero(account.Balance),
		InvoicesHeld: account.InvoicesHeld,
	})
	if err != nil {
		return err
	}
	return m.db.Put(hashKey(accountPrefix, addr.Bytes()), encoded)
}

// storedInvoice is the persisted form of a registry invoice. RLP has no
// signed integers, so the due date is stored as uint64 and the owner as raw
// address bytes.
type storedInvoice struct {
	ID              uint64
	Amount          *big.Int
	DueDate         uint64
	Issuer          string
	Recipient       string
	DocumentRef     string
	Verified        bool
	FraudScore      uint8
	CollateralValue *big.Int
	Locked          bool
	Owner           []byte
}

// InvoiceGet loads the invoice with the given id.
func (m *Manager) InvoiceGet(id uint64) (*registry.Invoice, bool, error) {
	data, ok, err := m.get(hashKey(invoicePrefix, idSuffix(id)))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedInvoice
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	return &registry.Invoice{
		ID:              stored.ID,
		Amount:          bigOrZero(stored.Amount),
		DueDate:         int64(stored.DueDate),
		Issuer:          stored.Issuer,
		Recipient:       stored.Recipient,
		DocumentRef:     stored.DocumentRef,
		Verified:        stored.Verified,
		FraudScore:      stored.FraudScore,
		CollateralValue: bigOrZero(stored.CollateralValue),
		Locked:          stored.Locked,
		Owner:           addressFromBytes(stored.Owner),
	}, true, nil
}

// InvoicePut persists the invoice keyed by its id.
func (m *Manager) InvoicePut(inv *registry.Invoice) error {
	if inv == nil {
		return errors.New("state: nil invoice")
	}
	dueDate := inv.DueDate
	if dueDate < 0 {
		dueDate = 0
	}
	encoded, err := rlp.EncodeToBytes(&storedInvoice{
		ID:              inv.ID,
		Amount:          bigOrZero(inv.Amount),
		DueDate:         uint64(dueDate),
		Issuer:          inv.Issuer,
		Recipient:       inv.Recipient,
		DocumentRef:     inv.DocumentRef,
		Verified:        inv.Verified,
		FraudScore:      inv.FraudScore,
		CollateralValue: bigOrZero(inv.CollateralValue),
		Locked:          inv.Locked,
		Owner:           inv.Owner.Bytes(),
	})
	if err != nil {
		return err
	}
	return m.db.Put(hashKey(invoicePrefix, idSuffix(inv.ID)), encoded)
}

// InvoiceCount returns the number of invoices minted so far, which doubles as
// the next invoice id.
func (m *Manager) InvoiceCount() (uint64, error) {
	data, ok, err := m.get(ethcrypto.Keccak256(invoiceCountKey))
	if err != nil || !ok {
		return 0, err
	}
	var count uint64
	if err := rlp.DecodeBytes(data, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// SetInvoiceCount stores the mint counter.
func (m *Manager) SetInvoiceCount(count uint64) error {
	encoded, err := rlp.EncodeToBytes(count)
	if err != nil {
		return err
	}
	return m.db.Put(ethcrypto.Keccak256(invoiceCountKey), encoded)
}

// LockerAllowed reports whether the address is on the registry's locker
// allow-list.
func (m *Manager) LockerAllowed(addr crypto.Address) (bool, error) {
	return m.flag(lockerPrefix, addr)
}

// SetLockerAllowed updates the locker allow-list entry for the address.
func (m *Manager) SetLockerAllowed(addr crypto.Address, allowed bool) error {
	return m.setFlag(lockerPrefix, addr, allowed)
}

// VerifierAllowed reports whether the address may record verification results.
func (m *Manager) VerifierAllowed(addr crypto.Address) (bool, error) {
	return m.flag(verifierPrefix, addr)
}

// SetVerifierAllowed updates the verifier allow-list entry for the address.
func (m *Manager) SetVerifierAllowed(addr crypto.Address, allowed bool) error {
	return m.setFlag(verifierPrefix, addr, allowed)
}

// VerificationAgent reports whether the address is on the authority's agent
// roster.
func (m *Manager) VerificationAgent(addr crypto.Address) (bool, error) {
	return m.flag(agentPrefix, addr)
}

// SetVerificationAgent updates the agent roster entry for the address.
func (m *Manager) SetVerificationAgent(addr crypto.Address, allowed bool) error {
	return m.setFlag(agentPrefix, addr, allowed)
}

func (m *Manager) flag(prefix []byte, addr crypto.Address) (bool, error) {
	data, ok, err := m.get(hashKey(prefix, addr.Bytes()))
	if err != nil || !ok {
		return false, err
	}
	var allowed bool
	if err := rlp.DecodeBytes(data, &allowed); err != nil {
		return false, err
	}
	return allowed, nil
}

func (m *Manager) setFlag(prefix []byte, addr crypto.Address, allowed bool) error {
	encoded, err := rlp.EncodeToBytes(allowed)
	if err != nil {
		return err
	}
	return m.db.Put(hashKey(prefix, addr.Bytes()), encoded)
}

// storedQuota is the persisted form of an address's mint quota counters.
type storedQuota struct {
	Requests  uint32
	ValueUsed uint64
	EpochID   uint64
}

// MintQuota loads the mint quota counters for the address. Addresses that
// have never minted decode to zeroed counters.
func (m *Manager) MintQuota(addr crypto.Address) (nativecommon.QuotaNow, error) {
	data, ok, err := m.get(hashKey(mintQuotaPrefix, addr.Bytes()))
	if err != nil || !ok {
		return nativecommon.QuotaNow{}, err
	}
	var stored storedQuota
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nativecommon.QuotaNow{}, err
	}
	return nativecommon.QuotaNow{
		Requests:  stored.Requests,
		ValueUsed: stored.ValueUsed,
		EpochID:   stored.EpochID,
	}, nil
}

// SetMintQuota persists the mint quota counters for the address.
func (m *Manager) SetMintQuota(addr crypto.Address, usage nativecommon.QuotaNow) error {
	encoded, err := rlp.EncodeToBytes(&storedQuota{
		Requests:  usage.Requests,
		ValueUsed: usage.ValueUsed,
		EpochID:   usage.EpochID,
	})
	if err != nil {
		return err
	}
	return m.db.Put(hashKey(mintQuotaPrefix, addr.Bytes()), encoded)
}

// GenesisApplied reports whether the one-time genesis population has run.
func (m *Manager) GenesisApplied() (bool, error) {
	data, ok, err := m.get(ethcrypto.Keccak256(genesisKey))
	if err != nil || !ok {
		return false, err
	}
	var applied bool
	if err := rlp.DecodeBytes(data, &applied); err != nil {
		return false, err
	}
	return applied, nil
}

// SetGenesisApplied marks the genesis population as done.
func (m *Manager) SetGenesisApplied() error {
	encoded, err := rlp.EncodeToBytes(true)
	if err != nil {
		return err
	}
	return m.db.Put(ethcrypto.Keccak256(genesisKey), encoded)
}

// storedPool is the persisted form of the lending pool accounting record.
type storedPool struct {
	Balance             *big.Int
	ActiveLoans         uint64
	TotalBorrowed       *big.Int
	BaseLTVBps          uint64
	BaseInterestRateBps uint64
	MinLoanAmount       *big.Int
	MaxLoanAmount       *big.Int
}

// PoolGet loads the singleton pool record.
func (m *Manager) PoolGet() (*lendingpool.PoolState, bool, error) {
	data, ok, err := m.get(ethcrypto.Keccak256(poolStateKey))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedPool
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	return &lendingpool.PoolState{
		Balance:             bigOrZero(stored.Balance),
		ActiveLoans:         stored.ActiveLoans,
		TotalBorrowed:       bigOrZero(stored.TotalBorrowed),
		BaseLTVBps:          stored.BaseLTVBps,
		BaseInterestRateBps: stored.BaseInterestRateBps,
		MinLoanAmount:       bigOrZero(stored.MinLoanAmount),
		MaxLoanAmount:       bigOrZero(stored.MaxLoanAmount),
	}, true, nil
}

// PoolPut persists the singleton pool record.
func (m *Manager) PoolPut(pool *lendingpool.PoolState) error {
	if pool == nil {
		return errors.New("state: nil pool state")
	}
	encoded, err := rlp.EncodeToBytes(&storedPool{
		Balance:             bigOrZero(pool.Balance),
		ActiveLoans:         pool.ActiveLoans,
		TotalBorrowed:       bigOrZero(pool.TotalBorrowed),
		BaseLTVBps:          pool.BaseLTVBps,
		BaseInterestRateBps: pool.BaseInterestRateBps,
		MinLoanAmount:       bigOrZero(pool.MinLoanAmount),
		MaxLoanAmount:       bigOrZero(pool.MaxLoanAmount),
	})
	if err != nil {
		return err
	}
	return m.db.Put(ethcrypto.Keccak256(poolStateKey), encoded)
}

// storedLoan is the persisted form of a loan record.
type storedLoan struct {
	InvoiceID       uint64
	Borrower        []byte
	BorrowedAmount  *big.Int
	InterestRateBps uint64
	StartTime       uint64
	Status          uint8
}

// LoanGet loads the loan keyed by the backing invoice id.
func (m *Manager) LoanGet(invoiceID uint64) (*lendingpool.Loan, bool, error) {
	data, ok, err := m.get(hashKey(loanPrefix, idSuffix(invoiceID)))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedLoan
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	status := lendingpool.LoanStatus(stored.Status)
	if !status.Valid() {
		return nil, false, errors.New("state: corrupt loan status")
	}
	return &lendingpool.Loan{
		InvoiceID:       stored.InvoiceID,
		Borrower:        addressFromBytes(stored.Borrower),
		BorrowedAmount:  bigOrZero(stored.BorrowedAmount),
		InterestRateBps: stored.InterestRateBps,
		StartTime:       int64(stored.StartTime),
		Status:          status,
	}, true, nil
}

// LoanPut persists the loan keyed by its invoice id.
func (m *Manager) LoanPut(loan *lendingpool.Loan) error {
	if loan == nil {
		return errors.New("state: nil loan")
	}
	startTime := loan.StartTime
	if startTime < 0 {
		startTime = 0
	}
	encoded, err := rlp.EncodeToBytes(&storedLoan{
		InvoiceID:       loan.InvoiceID,
		Borrower:        loan.Borrower.Bytes(),
		BorrowedAmount:  bigOrZero(loan.BorrowedAmount),
		InterestRateBps: loan.InterestRateBps,
		StartTime:       uint64(startTime),
		Status:          uint8(loan.Status),
	})
	if err != nil {
		return err
	}
	return m.db.Put(hashKey(loanPrefix, idSuffix(loan.InvoiceID)), encoded)
}

// addressFromBytes reconstructs a stored owner address. Records written
// before an owner was assigned decode to the zero address.
func addressFromBytes(raw []byte) crypto.Address {
	if len(raw) != 20 {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.InvPrefix, raw)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
