package core

import (
	"errors"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"invoiceflow/core/events"
	"invoiceflow/core/state"
	"invoiceflow/core/types"
	"invoiceflow/crypto"
	nativecommon "invoiceflow/native/common"
	"invoiceflow/native/lendingpool"
	"invoiceflow/native/registry"
	"invoiceflow/native/verification"
	"invoiceflow/observability"
	"invoiceflow/storage"
)

// ErrNotAdmin guards node-level administrative operations.
var ErrNotAdmin = errors.New("core: caller is not the administrator")

// recentEventCap bounds the in-memory event window exposed to the gateway.
const recentEventCap = 1024

// ModuleAddress derives the deterministic ledger address a module acts under.
func ModuleAddress(name string) crypto.Address {
	hash := ethcrypto.Keccak256([]byte("module/" + name))
	return crypto.NewAddress(crypto.InvPrefix, hash[12:])
}

// GenesisAccount seeds a ledger balance at bootstrap.
type GenesisAccount struct {
	Address crypto.Address
	Balance *big.Int
}

// Genesis describes the initial ledger population applied exactly once when
// the node starts on an empty database.
type Genesis struct {
	Agents   []crypto.Address
	Accounts []GenesisAccount
}

// Config carries the node's construction parameters.
type Config struct {
	Admin     crypto.Address
	Treasury  crypto.Address
	Pool      lendingpool.Config
	MintQuota nativecommon.Quota
}

// Node wires the three engines to shared persistent state. A single mutex
// totally orders mutating operations; each one runs against a write overlay
// that commits only on success, so every operation is all-or-nothing.
type Node struct {
	mu sync.Mutex

	db  storage.Database
	cfg Config

	poolVault crypto.Address
	authority crypto.Address

	paused  map[string]bool
	nowFn   func() int64
	metrics *observability.LedgerMetrics

	recent []types.Event
}

// NewNode constructs a node over the provided database.
func NewNode(db storage.Database, cfg Config) *Node {
	return &Node{
		db:        db,
		cfg:       cfg,
		poolVault: ModuleAddress("lendingpool"),
		authority: ModuleAddress("verification"),
		paused:    make(map[string]bool),
		metrics:   observability.Ledger(),
	}
}

// PoolVaultAddress returns the module account holding pooled liquidity.
func (n *Node) PoolVaultAddress() crypto.Address { return n.poolVault }

// AuthorityAddress returns the identity the verification authority writes
// into the registry with.
func (n *Node) AuthorityAddress() crypto.Address { return n.authority }

// SetNowFunc overrides the node's time source for deterministic tests.
func (n *Node) SetNowFunc(now func() int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nowFn = now
}

// IsPaused implements the pause view shared with every engine.
func (n *Node) IsPaused(module string) bool {
	return n.paused[module]
}

// SetModulePaused toggles the circuit breaker for a module's mutations.
func (n *Node) SetModulePaused(caller crypto.Address, module string, paused bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !caller.Equal(n.cfg.Admin) {
		return ErrNotAdmin
	}
	n.paused[module] = paused
	return nil
}

// collector gathers the events emitted during one operation. Events are
// buffered and appended to the node's window only when the operation commits.
type collector struct {
	events []types.Event
}

func (c *collector) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	event := carrier.Event()
	if event == nil {
		return
	}
	c.events = append(c.events, *event)
}

// engines bundles the wired engines and their shared state for one operation.
type engines struct {
	registry     *registry.Engine
	verification *verification.Engine
	pool         *lendingpool.Engine
	state        *state.Manager
}

func (n *Node) buildEngines(manager *state.Manager, col *collector) engines {
	reg := registry.NewEngine(n.cfg.Admin)
	reg.SetState(manager)
	reg.SetEmitter(col)
	reg.SetPauses(n)
	reg.SetMintQuota(n.cfg.MintQuota)
	if n.nowFn != nil {
		reg.SetNowFunc(n.nowFn)
	}

	auth := verification.NewEngine(n.authority, n.cfg.Admin)
	auth.SetState(manager)
	auth.SetRegistry(reg)
	auth.SetEmitter(col)
	auth.SetPauses(n)

	pool := lendingpool.NewEngine(n.poolVault, n.cfg.Treasury, n.cfg.Admin, n.cfg.Pool)
	pool.SetState(manager)
	pool.SetRegistry(reg)
	pool.SetEmitter(col)
	pool.SetPauses(n)
	if n.nowFn != nil {
		pool.SetNowFunc(n.nowFn)
	}

	return engines{registry: reg, verification: auth, pool: pool, state: manager}
}

// withState runs fn against an overlay-backed state manager under the node
// mutex. The overlay commits only when fn succeeds; on failure every buffered
// write and event is dropped. Every attempt is counted against the module's
// operation metric.
func (n *Node) withState(module, operation string, fn func(engines) error) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer func() { n.metrics.RecordOperation(module, operation, err) }()

	overlay := storage.NewOverlay(n.db)
	manager := state.NewManager(overlay)
	col := &collector{}

	if err = fn(n.buildEngines(manager, col)); err != nil {
		overlay.Discard()
		return err
	}
	if err = overlay.Commit(); err != nil {
		return err
	}
	n.record(col.events)
	return nil
}

// withRead runs fn against the backing store directly. Reads never write, so
// no overlay is needed; the mutex still serialises them with mutations.
func (n *Node) withRead(fn func(engines) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	manager := state.NewManager(n.db)
	return fn(n.buildEngines(manager, &collector{}))
}

func (n *Node) record(batch []types.Event) {
	for i := range batch {
		n.metrics.RecordEvent(batch[i].Type)
	}
	n.recent = append(n.recent, batch...)
	if excess := len(n.recent) - recentEventCap; excess > 0 {
		n.recent = append([]types.Event(nil), n.recent[excess:]...)
	}
}

// RecentEvents returns a copy of the node's buffered event window.
func (n *Node) RecentEvents() []types.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.Event, len(n.recent))
	copy(out, n.recent)
	return out
}

// Bootstrap applies the genesis population and wires the module identities:
// the pool vault joins the registry locker allow-list and the authority joins
// the verifier allow-list. The population runs at most once per database.
func (n *Node) Bootstrap(genesis Genesis) error {
	return n.withState("core", "bootstrap", func(e engines) error {
		applied, err := e.state.GenesisApplied()
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		admin := n.cfg.Admin
		if err := e.registry.AuthorizeLocker(admin, n.poolVault, true); err != nil {
			return err
		}
		if err := e.registry.AuthorizeVerifier(admin, n.authority, true); err != nil {
			return err
		}
		for _, agent := range genesis.Agents {
			if err := e.verification.AddAgent(admin, agent); err != nil {
				return err
			}
		}
		for _, seed := range genesis.Accounts {
			if err := n.seedAccount(e, seed); err != nil {
				return err
			}
		}
		return e.state.SetGenesisApplied()
	})
}

func (n *Node) seedAccount(e engines, seed GenesisAccount) error {
	if seed.Balance == nil || seed.Balance.Sign() <= 0 {
		return nil
	}
	account, err := e.state.GetAccount(seed.Address)
	if err != nil {
		return err
	}
	if account == nil {
		account = &types.Account{Balance: big.NewInt(0)}
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	account.Balance = new(big.Int).Add(account.Balance, seed.Balance)
	return e.state.PutAccount(seed.Address, account)
}

// --- Registry operations ---

// MintInvoice tokenizes a new invoice owned by the caller.
func (n *Node) MintInvoice(caller crypto.Address, amount *big.Int, dueDate int64, issuer, recipient, documentRef string) (*registry.Invoice, error) {
	var minted *registry.Invoice
	err := n.withState("registry", "mint_invoice", func(e engines) error {
		var err error
		minted, err = e.registry.Mint(caller, amount, dueDate, issuer, recipient, documentRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// TransferInvoice moves custody of an unlocked invoice.
func (n *Node) TransferInvoice(caller crypto.Address, id uint64, to crypto.Address) error {
	return n.withState("registry", "transfer_invoice", func(e engines) error {
		return e.registry.Transfer(caller, id, to)
	})
}

// AuthorizeLocker toggles an address on the registry locker allow-list.
func (n *Node) AuthorizeLocker(caller, addr crypto.Address, allowed bool) error {
	return n.withState("registry", "authorize_locker", func(e engines) error {
		return e.registry.AuthorizeLocker(caller, addr, allowed)
	})
}

// AuthorizeVerifier toggles an address on the registry verifier allow-list.
func (n *Node) AuthorizeVerifier(caller, addr crypto.Address, allowed bool) error {
	return n.withState("registry", "authorize_verifier", func(e engines) error {
		return e.registry.AuthorizeVerifier(caller, addr, allowed)
	})
}

// InvoiceInfo returns the stored invoice record.
func (n *Node) InvoiceInfo(id uint64) (*registry.Invoice, error) {
	var inv *registry.Invoice
	err := n.withRead(func(e engines) error {
		var err error
		inv, err = e.registry.InvoiceInfo(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// OwnerOf returns the address holding custody of the invoice.
func (n *Node) OwnerOf(id uint64) (crypto.Address, error) {
	var owner crypto.Address
	err := n.withRead(func(e engines) error {
		var err error
		owner, err = e.registry.OwnerOf(id)
		return err
	})
	return owner, err
}

// BalanceOf reports how many invoices the address holds.
func (n *Node) BalanceOf(addr crypto.Address) (uint64, error) {
	var held uint64
	err := n.withRead(func(e engines) error {
		var err error
		held, err = e.registry.BalanceOf(addr)
		return err
	})
	return held, err
}

// TotalSupply returns the number of invoices minted so far.
func (n *Node) TotalSupply() (uint64, error) {
	var supply uint64
	err := n.withRead(func(e engines) error {
		var err error
		supply, err = e.registry.TotalSupply()
		return err
	})
	return supply, err
}

// Account returns the ledger account stored at the address, or an empty
// account when the address has never been written.
func (n *Node) Account(addr crypto.Address) (*types.Account, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	manager := state.NewManager(n.db)
	account, err := manager.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &types.Account{Balance: big.NewInt(0)}
	}
	return account, nil
}

// --- Verification operations ---

// AddVerificationAgent places an address on the authority's trusted roster.
func (n *Node) AddVerificationAgent(caller, addr crypto.Address) error {
	return n.withState("verification", "add_agent", func(e engines) error {
		return e.verification.AddAgent(caller, addr)
	})
}

// RemoveVerificationAgent removes an address from the trusted roster.
func (n *Node) RemoveVerificationAgent(caller, addr crypto.Address) error {
	return n.withState("verification", "remove_agent", func(e engines) error {
		return e.verification.RemoveAgent(caller, addr)
	})
}

// IsVerificationAgent reports roster membership.
func (n *Node) IsVerificationAgent(addr crypto.Address) (bool, error) {
	var isAgent bool
	err := n.withRead(func(e engines) error {
		var err error
		isAgent, err = e.verification.IsAgent(addr)
		return err
	})
	return isAgent, err
}

// VerifyInvoice records a single fraud-analysis result against the registry.
func (n *Node) VerifyInvoice(agent crypto.Address, id uint64, verified bool, fraudScore uint8, reason string) error {
	return n.withState("verification", "verify_invoice", func(e engines) error {
		return e.verification.VerifyInvoice(agent, id, verified, fraudScore, reason)
	})
}

// BatchVerifyInvoices records several results atomically: one bad tuple
// rejects the whole batch with no writes.
func (n *Node) BatchVerifyInvoices(agent crypto.Address, ids []uint64, verifications []bool, fraudScores []uint8, reasons []string) error {
	return n.withState("verification", "batch_verify", func(e engines) error {
		return e.verification.BatchVerifyInvoices(agent, ids, verifications, fraudScores, reasons)
	})
}

// --- Lending pool operations ---

// FundPool deposits liquidity into the pool vault.
func (n *Node) FundPool(funder crypto.Address, amount, transferred *big.Int) error {
	return n.withState("lendingpool", "fund_pool", func(e engines) error {
		return e.pool.FundPool(funder, amount, transferred)
	})
}

// BorrowAgainstInvoice issues a loan backed by a verified invoice.
func (n *Node) BorrowAgainstInvoice(borrower crypto.Address, invoiceID uint64, amount *big.Int) (*lendingpool.Loan, error) {
	var loan *lendingpool.Loan
	err := n.withState("lendingpool", "borrow", func(e engines) error {
		var err error
		loan, err = e.pool.BorrowAgainstInvoice(borrower, invoiceID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// CalculateInterestDue returns the interest accrued on an active loan.
func (n *Node) CalculateInterestDue(invoiceID uint64) (*big.Int, error) {
	var due *big.Int
	err := n.withRead(func(e engines) error {
		var err error
		due, err = e.pool.CalculateInterestDue(invoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// RepayLoan settles an active loan and unlocks its collateral.
func (n *Node) RepayLoan(payer crypto.Address, invoiceID uint64, payment *big.Int) (*big.Int, error) {
	var settled *big.Int
	err := n.withState("lendingpool", "repay", func(e engines) error {
		var err error
		settled, err = e.pool.RepayLoan(payer, invoiceID, payment)
		return err
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

// LiquidateLoan seizes the collateral of a loan past its grace period.
func (n *Node) LiquidateLoan(caller crypto.Address, invoiceID uint64) (*lendingpool.Loan, error) {
	var loan *lendingpool.Loan
	err := n.withState("lendingpool", "liquidate", func(e engines) error {
		var err error
		loan, err = e.pool.LiquidateLoan(caller, invoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// UpdateLTV changes the pool's base loan-to-value ratio.
func (n *Node) UpdateLTV(caller crypto.Address, ltvBps uint64) error {
	return n.withState("lendingpool", "update_ltv", func(e engines) error {
		return e.pool.UpdateLTV(caller, ltvBps)
	})
}

// UpdateInterestRate changes the pool's base interest rate.
func (n *Node) UpdateInterestRate(caller crypto.Address, rateBps uint64) error {
	return n.withState("lendingpool", "update_interest_rate", func(e engines) error {
		return e.pool.UpdateInterestRate(caller, rateBps)
	})
}

// Pool returns the pool accounting state.
func (n *Node) Pool() (*lendingpool.PoolState, error) {
	var pool *lendingpool.PoolState
	err := n.withRead(func(e engines) error {
		var err error
		pool, err = e.pool.Pool()
		return err
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// Loan returns the loan keyed by the backing invoice id.
func (n *Node) Loan(invoiceID uint64) (*lendingpool.Loan, error) {
	var loan *lendingpool.Loan
	err := n.withRead(func(e engines) error {
		var err error
		loan, err = e.pool.Loan(invoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}
