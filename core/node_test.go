package core

import (
	"errors"
	"math/big"
	"testing"

	"invoiceflow/crypto"
	nativecommon "invoiceflow/native/common"
	"invoiceflow/native/lendingpool"
	"invoiceflow/native/registry"
	"invoiceflow/storage"
)

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.InvPrefix, raw)
}

func ether(n int64) *big.Int {
	wei := big.NewInt(n)
	return wei.Mul(wei, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type testNode struct {
	node *Node
	now  int64

	admin    crypto.Address
	treasury crypto.Address
	agent    crypto.Address
	issuer   crypto.Address
	funder   crypto.Address
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	tn := &testNode{
		now:      1_700_000_000,
		admin:    testAddress(0x01),
		treasury: testAddress(0x02),
		agent:    testAddress(0x03),
		issuer:   testAddress(0x04),
		funder:   testAddress(0x05),
	}
	cfg := Config{
		Admin:    tn.admin,
		Treasury: tn.treasury,
		Pool: lendingpool.Config{
			LendingToken:           "MATIC",
			IsNativeCurrency:       true,
			BaseLTVBps:             8000,
			BaseInterestBps:        500,
			MinLoanAmount:          ether(10),
			MaxLoanAmount:          ether(10_000),
			LiquidationGracePeriod: 7 * 86_400,
		},
	}
	tn.node = NewNode(storage.NewMemDB(), cfg)
	tn.node.SetNowFunc(func() int64 { return tn.now })

	err := tn.node.Bootstrap(Genesis{
		Agents: []crypto.Address{tn.agent},
		Accounts: []GenesisAccount{
			{Address: tn.funder, Balance: ether(1_000)},
		},
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return tn
}

func TestModuleAddressesAreStableAndDistinct(t *testing.T) {
	pool := ModuleAddress("lendingpool")
	if !pool.Equal(ModuleAddress("lendingpool")) {
		t.Fatalf("module address derivation is not deterministic")
	}
	if pool.Equal(ModuleAddress("verification")) {
		t.Fatalf("module addresses must be distinct per module")
	}
}

func TestBootstrapWiring(t *testing.T) {
	tn := newTestNode(t)

	isAgent, err := tn.node.IsVerificationAgent(tn.agent)
	if err != nil {
		t.Fatalf("agent check: %v", err)
	}
	if !isAgent {
		t.Fatalf("genesis agent missing from roster")
	}

	funderAcc, err := tn.node.Account(tn.funder)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if funderAcc.Balance.Cmp(ether(1_000)) != 0 {
		t.Fatalf("genesis balance not applied: %s", funderAcc.Balance)
	}

	// A second bootstrap must not double-apply the population.
	err = tn.node.Bootstrap(Genesis{
		Accounts: []GenesisAccount{{Address: tn.funder, Balance: ether(1_000)}},
	})
	if err != nil {
		t.Fatalf("re-bootstrap: %v", err)
	}
	funderAcc, err = tn.node.Account(tn.funder)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if funderAcc.Balance.Cmp(ether(1_000)) != 0 {
		t.Fatalf("re-bootstrap mutated balances: %s", funderAcc.Balance)
	}
}

func TestInvoiceLifecycle(t *testing.T) {
	tn := newTestNode(t)
	node := tn.node

	minted, err := node.MintInvoice(tn.issuer, ether(1_000), tn.now+30*86_400, "Acme Manufacturing", "Globex Retail", "ipfs://QmInvoice0")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if minted.ID != 0 {
		t.Fatalf("first invoice id should be 0, got %d", minted.ID)
	}

	if err := node.VerifyInvoice(tn.agent, 0, true, 20, "docs consistent"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	inv, err := node.InvoiceInfo(0)
	if err != nil {
		t.Fatalf("invoice info: %v", err)
	}
	if !inv.Verified || inv.CollateralValue.Cmp(ether(800)) != 0 {
		t.Fatalf("verification not applied: verified=%v collateral=%s", inv.Verified, inv.CollateralValue)
	}

	if err := node.FundPool(tn.funder, ether(100), ether(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	loan, err := node.BorrowAgainstInvoice(tn.issuer, 0, ether(70))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if loan.InterestRateBps != 500 {
		t.Fatalf("loan did not snapshot the pool rate: %d", loan.InterestRateBps)
	}
	inv, _ = node.InvoiceInfo(0)
	if !inv.Locked {
		t.Fatalf("borrow should lock the invoice")
	}
	pool, err := node.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Balance.Cmp(ether(30)) != 0 || pool.ActiveLoans != 1 {
		t.Fatalf("pool not debited: balance=%s active=%d", pool.Balance, pool.ActiveLoans)
	}

	// One year at 5% on 70 accrues exactly 3.5.
	tn.now += 31_536_000
	interest, err := node.CalculateInterestDue(0)
	if err != nil {
		t.Fatalf("interest: %v", err)
	}
	wantInterest := new(big.Int).Quo(ether(7), big.NewInt(2))
	if interest.Cmp(wantInterest) != 0 {
		t.Fatalf("unexpected interest: got %s want %s", interest, wantInterest)
	}

	due := new(big.Int).Add(ether(70), interest)
	settled, err := node.RepayLoan(tn.issuer, 0, due)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if settled.Cmp(due) != 0 {
		t.Fatalf("unexpected settlement amount: %s", settled)
	}
	inv, _ = node.InvoiceInfo(0)
	if inv.Locked {
		t.Fatalf("repayment should unlock the invoice")
	}
	pool, _ = node.Pool()
	wantBalance := new(big.Int).Add(ether(30), due)
	if pool.Balance.Cmp(wantBalance) != 0 {
		t.Fatalf("interest should credit the pool: got %s want %s", pool.Balance, wantBalance)
	}
	if pool.ActiveLoans != 0 || pool.TotalBorrowed.Sign() != 0 {
		t.Fatalf("loan counters not cleared: active=%d borrowed=%s", pool.ActiveLoans, pool.TotalBorrowed)
	}
}

func TestFailedOperationLeavesNoTrace(t *testing.T) {
	tn := newTestNode(t)
	node := tn.node

	if _, err := node.MintInvoice(tn.issuer, ether(500), tn.now+86_400, "Acme", "Globex", "ipfs://QmX"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := node.FundPool(tn.funder, ether(100), ether(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	eventsBefore := len(node.RecentEvents())

	// Borrowing against an unverified invoice is rejected before any write.
	if _, err := node.BorrowAgainstInvoice(tn.issuer, 0, ether(50)); !errors.Is(err, lendingpool.ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}

	pool, err := node.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Balance.Cmp(ether(100)) != 0 || pool.ActiveLoans != 0 {
		t.Fatalf("failed borrow mutated pool state: balance=%s active=%d", pool.Balance, pool.ActiveLoans)
	}
	inv, _ := node.InvoiceInfo(0)
	if inv.Locked {
		t.Fatalf("failed borrow left the invoice locked")
	}
	if got := len(node.RecentEvents()); got != eventsBefore {
		t.Fatalf("failed operation emitted events: %d -> %d", eventsBefore, got)
	}
}

func TestBatchVerifyThroughNode(t *testing.T) {
	tn := newTestNode(t)
	node := tn.node

	for i := 0; i < 2; i++ {
		if _, err := node.MintInvoice(tn.issuer, ether(1_000), tn.now+86_400, "Acme", "Globex", "ipfs://QmBatch"); err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
	}
	err := node.BatchVerifyInvoices(tn.agent,
		[]uint64{0, 1},
		[]bool{true, true},
		[]uint8{10, 15},
		[]string{"clean", "minor mismatch"},
	)
	if err != nil {
		t.Fatalf("batch verify: %v", err)
	}

	first, _ := node.InvoiceInfo(0)
	second, _ := node.InvoiceInfo(1)
	if first.CollateralValue.Cmp(ether(900)) != 0 || second.CollateralValue.Cmp(ether(850)) != 0 {
		t.Fatalf("unexpected collateral values: %s / %s", first.CollateralValue, second.CollateralValue)
	}

	// A poisoned tuple rejects the whole batch.
	if _, err := node.MintInvoice(tn.issuer, ether(100), tn.now+86_400, "Acme", "Globex", "ipfs://QmBatch2"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err = node.BatchVerifyInvoices(tn.agent,
		[]uint64{2, 0},
		[]bool{true, true},
		[]uint8{10, 10},
		[]string{"clean", "repeat"},
	)
	if !errors.Is(err, registry.ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
	third, _ := node.InvoiceInfo(2)
	if third.Verified {
		t.Fatalf("poisoned batch must not verify any invoice")
	}
}

func TestLiquidationThroughNode(t *testing.T) {
	tn := newTestNode(t)
	node := tn.node

	dueDate := tn.now + 30*86_400
	if _, err := node.MintInvoice(tn.issuer, ether(1_000), dueDate, "Acme", "Globex", "ipfs://QmLiq"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := node.VerifyInvoice(tn.agent, 0, true, 20, "clean"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := node.FundPool(tn.funder, ether(100), ether(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := node.BorrowAgainstInvoice(tn.issuer, 0, ether(70)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := node.LiquidateLoan(tn.funder, 0); !errors.Is(err, lendingpool.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}

	tn.now = dueDate + 7*86_400 + 1
	loan, err := node.LiquidateLoan(tn.funder, 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if loan.Status != lendingpool.LoanDefaulted {
		t.Fatalf("loan should be defaulted: %v", loan.Status)
	}
	owner, err := node.OwnerOf(0)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if !owner.Equal(tn.treasury) {
		t.Fatalf("collateral should move to treasury")
	}
	held, err := node.BalanceOf(tn.treasury)
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	if held != 1 {
		t.Fatalf("treasury custody count: %d", held)
	}
}

func TestModulePause(t *testing.T) {
	tn := newTestNode(t)
	node := tn.node

	if err := node.SetModulePaused(tn.issuer, "registry", true); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if err := node.SetModulePaused(tn.admin, "registry", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := node.MintInvoice(tn.issuer, ether(100), tn.now+86_400, "Acme", "Globex", "ipfs://QmPaused"); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := node.SetModulePaused(tn.admin, "registry", false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := node.MintInvoice(tn.issuer, ether(100), tn.now+86_400, "Acme", "Globex", "ipfs://QmResumed"); err != nil {
		t.Fatalf("mint after unpause: %v", err)
	}
}

func TestRecentEventsWindow(t *testing.T) {
	tn := newTestNode(t)
	node := tn.node

	if _, err := node.MintInvoice(tn.issuer, ether(100), tn.now+86_400, "Acme", "Globex", "ipfs://QmEvt"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	evts := node.RecentEvents()
	found := false
	for _, evt := range evts {
		if evt.Type == registry.EventTypeInvoiceMinted {
			found = true
		}
	}
	if !found {
		t.Fatalf("mint event missing from recent window: %d events", len(evts))
	}
}
