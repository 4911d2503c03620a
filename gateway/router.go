package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"invoiceflow/core/types"
	"invoiceflow/crypto"
	"invoiceflow/native/lendingpool"
	"invoiceflow/native/registry"
	"invoiceflow/observability"
)

const requestLimit = 1 << 20 // 1 MiB

// Ledger is the node surface the gateway serves.
type Ledger interface {
	MintInvoice(caller crypto.Address, amount *big.Int, dueDate int64, issuer, recipient, documentRef string) (*registry.Invoice, error)
	TransferInvoice(caller crypto.Address, id uint64, to crypto.Address) error
	AuthorizeLocker(caller, addr crypto.Address, allowed bool) error
	AuthorizeVerifier(caller, addr crypto.Address, allowed bool) error
	InvoiceInfo(id uint64) (*registry.Invoice, error)
	TotalSupply() (uint64, error)
	Account(addr crypto.Address) (*types.Account, error)

	AddVerificationAgent(caller, addr crypto.Address) error
	RemoveVerificationAgent(caller, addr crypto.Address) error
	VerifyInvoice(agent crypto.Address, id uint64, verified bool, fraudScore uint8, reason string) error
	BatchVerifyInvoices(agent crypto.Address, ids []uint64, verifications []bool, fraudScores []uint8, reasons []string) error

	FundPool(funder crypto.Address, amount, transferred *big.Int) error
	BorrowAgainstInvoice(borrower crypto.Address, invoiceID uint64, amount *big.Int) (*lendingpool.Loan, error)
	CalculateInterestDue(invoiceID uint64) (*big.Int, error)
	RepayLoan(payer crypto.Address, invoiceID uint64, payment *big.Int) (*big.Int, error)
	LiquidateLoan(caller crypto.Address, invoiceID uint64) (*lendingpool.Loan, error)
	UpdateLTV(caller crypto.Address, ltvBps uint64) error
	UpdateInterestRate(caller crypto.Address, rateBps uint64) error
	Pool() (*lendingpool.PoolState, error)
	Loan(invoiceID uint64) (*lendingpool.Loan, error)

	SetModulePaused(caller crypto.Address, module string, paused bool) error
	RecentEvents() []types.Event
}

// Server exposes the ledger over HTTP.
type Server struct {
	node    Ledger
	logger  *slog.Logger
	limiter *RateLimiter
	metrics *observability.GatewayMetrics
}

// NewServer constructs a gateway server. A nil limiter disables rate limits.
func NewServer(node Ledger, logger *slog.Logger, limiter *RateLimiter) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.Gateway()
	if limiter == nil {
		limiter = NewRateLimiter(nil, metrics)
	}
	return &Server{node: node, logger: logger, limiter: limiter, metrics: metrics}
}

// Router builds the chi route tree for the ledger API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("invoices"))
			r.Post("/invoices", observe(s.metrics, "mint", s.handleMint))
			r.Get("/invoices/{id}", observe(s.metrics, "invoice_info", s.handleInvoiceInfo))
			r.Post("/invoices/{id}/transfer", observe(s.metrics, "transfer", s.handleTransfer))
			r.Get("/supply", observe(s.metrics, "supply", s.handleSupply))
		})

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("verify"))
			r.Post("/verify", observe(s.metrics, "verify", s.handleVerify))
			r.Post("/verify/batch", observe(s.metrics, "verify_batch", s.handleBatchVerify))
		})

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("pool"))
			r.Post("/pool/fund", observe(s.metrics, "fund", s.handleFund))
			r.Post("/pool/borrow", observe(s.metrics, "borrow", s.handleBorrow))
			r.Post("/pool/repay", observe(s.metrics, "repay", s.handleRepay))
			r.Post("/pool/liquidate", observe(s.metrics, "liquidate", s.handleLiquidate))
			r.Get("/pool", observe(s.metrics, "pool", s.handlePool))
			r.Get("/loans/{id}", observe(s.metrics, "loan", s.handleLoan))
			r.Get("/loans/{id}/interest", observe(s.metrics, "interest", s.handleInterest))
		})

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("admin"))
			r.Post("/admin/lockers", observe(s.metrics, "authorize_locker", s.handleAuthorizeLocker))
			r.Post("/admin/verifiers", observe(s.metrics, "authorize_verifier", s.handleAuthorizeVerifier))
			r.Post("/admin/agents", observe(s.metrics, "agent_roster", s.handleAgentRoster))
			r.Post("/admin/params/ltv", observe(s.metrics, "update_ltv", s.handleUpdateLTV))
			r.Post("/admin/params/interest", observe(s.metrics, "update_interest", s.handleUpdateInterest))
			r.Post("/admin/pause", observe(s.metrics, "pause", s.handlePause))
		})

		r.Get("/accounts/{address}", observe(s.metrics, "account", s.handleAccount))
		r.Get("/events", observe(s.metrics, "events", s.handleEvents))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// --- Registry handlers ---

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	inv, err := s.node.MintInvoice(caller, amount, req.DueDate, req.Issuer, req.Recipient, req.DocumentRef)
	if err != nil {
		s.writeError(w, "mint", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newInvoiceView(inv))
}

func (s *Server) handleInvoiceInfo(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	inv, err := s.node.InvoiceInfo(id)
	if err != nil {
		s.writeError(w, "invoice_info", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newInvoiceView(inv))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	var req transferRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.node.TransferInvoice(caller, id, to); err != nil {
		s.writeError(w, "transfer", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.node.TotalSupply()
	if err != nil {
		s.writeError(w, "supply", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"totalSupply": supply})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	account, err := s.node.Account(addr)
	if err != nil {
		s.writeError(w, "account", err)
		return
	}
	s.writeJSON(w, http.StatusOK, accountView{
		Address:      addr.String(),
		Nonce:        account.Nonce,
		Balance:      account.Balance.String(),
		InvoicesHeld: account.InvoicesHeld,
	})
}

// --- Verification handlers ---

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	agent, err := parseAddress("agent", req.Agent)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.node.VerifyInvoice(agent, req.InvoiceID, req.Verified, req.FraudScore, req.Reason); err != nil {
		s.writeError(w, "verify", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBatchVerify(w http.ResponseWriter, r *http.Request) {
	var req batchVerifyRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	agent, err := parseAddress("agent", req.Agent)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.node.BatchVerifyInvoices(agent, req.InvoiceIDs, req.Verifications, req.FraudScores, req.Reasons); err != nil {
		s.writeError(w, "verify_batch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentRoster(w http.ResponseWriter, r *http.Request) {
	var req allowListRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	caller, addr, err := parseCallerAddress(req)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if req.Allowed {
		err = s.node.AddVerificationAgent(caller, addr)
	} else {
		err = s.node.RemoveVerificationAgent(caller, addr)
	}
	if err != nil {
		s.writeError(w, "agent_roster", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Lending pool handlers ---

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	funder, err := parseAddress("funder", req.Funder)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	transferred, err := parseAmount("transferred", req.Transferred)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.node.FundPool(funder, amount, transferred); err != nil {
		s.writeError(w, "fund", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	borrower, err := parseAddress("borrower", req.Borrower)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	loan, err := s.node.BorrowAgainstInvoice(borrower, req.InvoiceID, amount)
	if err != nil {
		s.writeError(w, "borrow", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newLoanView(loan))
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	payer, err := parseAddress("payer", req.Payer)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	payment, err := parseAmount("payment", req.Payment)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	settled, err := s.node.RepayLoan(payer, req.InvoiceID, payment)
	if err != nil {
		s.writeError(w, "repay", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"settled": settled.String()})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	loan, err := s.node.LiquidateLoan(caller, req.InvoiceID)
	if err != nil {
		s.writeError(w, "liquidate", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newLoanView(loan))
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.node.Pool()
	if err != nil {
		s.writeError(w, "pool", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newPoolView(pool))
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	loan, err := s.node.Loan(id)
	if err != nil {
		s.writeError(w, "loan", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newLoanView(loan))
}

func (s *Server) handleInterest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	due, err := s.node.CalculateInterestDue(id)
	if err != nil {
		s.writeError(w, "interest", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"interestDue": due.String()})
}

// --- Admin handlers ---

func (s *Server) handleAuthorizeLocker(w http.ResponseWriter, r *http.Request) {
	s.handleAllowList(w, r, "authorize_locker", s.node.AuthorizeLocker)
}

func (s *Server) handleAuthorizeVerifier(w http.ResponseWriter, r *http.Request) {
	s.handleAllowList(w, r, "authorize_verifier", s.node.AuthorizeVerifier)
}

func (s *Server) handleAllowList(w http.ResponseWriter, r *http.Request, operation string, apply func(caller, addr crypto.Address, allowed bool) error) {
	var req allowListRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	caller, addr, err := parseCallerAddress(req)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := apply(caller, addr, req.Allowed); err != nil {
		s.writeError(w, operation, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdateLTV(w http.ResponseWriter, r *http.Request) {
	s.handleParam(w, r, "update_ltv", s.node.UpdateLTV)
}

func (s *Server) handleUpdateInterest(w http.ResponseWriter, r *http.Request) {
	s.handleParam(w, r, "update_interest", s.node.UpdateInterestRate)
}

func (s *Server) handleParam(w http.ResponseWriter, r *http.Request, operation string, apply func(caller crypto.Address, bps uint64) error) {
	var req paramRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := apply(caller, req.Bps); err != nil {
		s.writeError(w, operation, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.node.SetModulePaused(caller, req.Module, req.Paused); err != nil {
		s.writeError(w, "pause", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.RecentEvents())
}

// --- Helpers ---

func decodeRequest(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseCallerAddress(req allowListRequest) (crypto.Address, crypto.Address, error) {
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		return crypto.Address{}, crypto.Address{}, err
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		return crypto.Address{}, crypto.Address{}, err
	}
	return caller, addr, nil
}

func pathID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id: %w", err)
	}
	return id, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, errorView{Kind: KindValidation, Message: err.Error()})
}

func (s *Server) writeError(w http.ResponseWriter, operation string, err error) {
	kind, status := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("operation failed", "operation", operation, "err", err)
	}
	s.writeJSON(w, status, errorView{Kind: kind, Message: err.Error()})
}
