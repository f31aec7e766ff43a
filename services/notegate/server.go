package notegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"notegate/chain"
	"notegate/core/access"
	corerrors "notegate/core/errors"
	"notegate/core/publish"
	"notegate/core/session"
	"notegate/core/txn"
	"notegate/gateway/middleware"
	"notegate/integrations/exports"
)

// Flows is the publishing surface served by the API.
type Flows interface {
	Publish(ctx context.Context, draft publish.Draft) (publish.Published, error)
	Purchase(ctx context.Context, tokenID string) txn.Outcome
	Revoke(ctx context.Context, tokenID string) (publish.Revoked, error)
	Reprice(ctx context.Context, tokenID, priceEther string) (publish.Repriced, error)
	List(ctx context.Context, viewer string) (publish.Listing, error)
}

// Transactions is the orchestrator surface used directly by the API.
type Transactions interface {
	ToggleNoteActive(ctx context.Context, tokenID *big.Int) txn.Outcome
	Status(ctx context.Context, hash common.Hash) (txn.TxStatus, error)
}

// Sessions is the session manager surface used by the API.
type Sessions interface {
	EnsureSession(ctx context.Context) (*session.Session, error)
	Current() *session.Session
	ContractAddress() common.Address
	Network() chain.Network
}

// WalletControl drives the local signing provider, standing in for the user's wallet UI.
type WalletControl interface {
	SelectAccount(addr common.Address) error
	SwitchChain(ctx context.Context, chainID uint64) error
	Disconnect()
}

// AccessStream publishes access map views.
type AccessStream interface {
	Subscribe() (<-chan access.Snapshot, func())
}

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	Flows         Flows
	Transactions  Transactions
	Sessions      Sessions
	Wallet        WalletControl
	Journal       *Journal
	Access        AccessStream
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

// Server exposes notegate over HTTP.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	router http.Handler
}

// Route keys used for rate limiting and request metrics.
const (
	RouteNotes  = "notes"
	RouteWrites = "writes"
	RouteWallet = "wallet"
)

// NewServer builds the router.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "api")}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Observability != nil {
		r.Handle("/metrics", s.cfg.Observability.MetricsHandler())
	}
	if s.cfg.Access != nil {
		r.With(s.authenticate()).Get("/ws/access", s.handleAccessStream)
	}

	r.Route("/api", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			read.Use(s.authenticate(), s.instrument(RouteNotes))
			read.Get("/notes", s.handleListNotes)
			read.Get("/tx", s.handleListTx)
			read.Get("/tx/export", s.handleExportTx)
			read.Get("/tx/{hash}", s.handleTxStatus)
			read.Get("/session", s.handleSession)
		})
		api.Group(func(w chi.Router) {
			w.Use(s.authenticate(middleware.ScopeNotesWrite), s.instrument(RouteWrites), s.limit(RouteWrites))
			w.Post("/notes", s.handlePublish)
			w.Post("/notes/{tokenId}/mint", s.handleMint)
			w.Post("/notes/{tokenId}/toggle", s.handleToggle)
			w.Put("/notes/{tokenId}/price", s.handleReprice)
			w.Delete("/notes/{tokenId}", s.handleRevoke)
		})
		api.With(s.authenticate(middleware.ScopeWalletControl), s.limit(RouteWallet)).Post("/session", s.handleConnect)
	})
	if s.cfg.Wallet != nil {
		r.Route("/wallet", func(wr chi.Router) {
			wr.Use(s.authenticate(middleware.ScopeWalletControl), s.instrument(RouteWallet), s.limit(RouteWallet))
			wr.Post("/account", s.handleSelectAccount)
			wr.Post("/chain", s.handleSwitchChain)
			wr.Post("/disconnect", s.handleDisconnect)
		})
	}
	return r
}

func (s *Server) authenticate(scopes ...string) func(http.Handler) http.Handler {
	if s.cfg.Authenticator == nil {
		return passthrough
	}
	return s.cfg.Authenticator.Middleware(scopes...)
}

func (s *Server) limit(key string) func(http.Handler) http.Handler {
	if s.cfg.RateLimiter == nil {
		return passthrough
	}
	return s.cfg.RateLimiter.Middleware(key)
}

func (s *Server) instrument(route string) func(http.Handler) http.Handler {
	if s.cfg.Observability == nil {
		return passthrough
	}
	return s.cfg.Observability.Middleware(route)
}

func passthrough(next http.Handler) http.Handler { return next }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	viewer := strings.TrimSpace(r.URL.Query().Get("viewer"))
	listing, err := s.cfg.Flows.List(r.Context(), viewer)
	switch {
	case errors.Is(err, access.ErrInvalidViewer):
		writeFailure(w, corerrors.Newf(corerrors.InvalidArguments, err, "%s", corerrors.Message(corerrors.InvalidArguments, "viewer must be a hex address")))
		return
	case errors.Is(err, access.ErrStale):
		writeError(w, http.StatusConflict, "access map superseded by a wallet change, retry")
		return
	case err != nil:
		s.logger.Error("list notes failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "note registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var draft publish.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := s.cfg.Flows.Publish(r.Context(), draft)
	if err != nil && !errors.Is(err, publish.ErrRegistryWrite) {
		s.logger.Error("publish failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !res.Outcome.OK() {
		writeOutcome(w, res.Outcome)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusAccepted, struct {
			publish.Published
			Warning string `json:"warning"`
		}{res, err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	outcome := s.cfg.Flows.Purchase(r.Context(), chi.URLParam(r, "tokenId"))
	if !outcome.OK() {
		writeOutcome(w, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id, err := chain.ParseTokenID(chi.URLParam(r, "tokenId"))
	if err != nil {
		writeFailure(w, corerrors.Newf(corerrors.InvalidArguments, err, "%s", corerrors.Message(corerrors.InvalidArguments, err.Error())))
		return
	}
	outcome := s.cfg.Transactions.ToggleNoteActive(r.Context(), id)
	if !outcome.OK() {
		writeOutcome(w, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type repriceRequest struct {
	Price string `json:"price"`
}

func (s *Server) handleReprice(w http.ResponseWriter, r *http.Request) {
	var req repriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := s.cfg.Flows.Reprice(r.Context(), chi.URLParam(r, "tokenId"), req.Price)
	if !res.Outcome.OK() {
		writeOutcome(w, res.Outcome)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusAccepted, struct {
			publish.Repriced
			Warning string `json:"warning"`
		}{res, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Flows.Revoke(r.Context(), chi.URLParam(r, "tokenId"))
	if res.Outcome != nil && !res.Outcome.OK() {
		writeOutcome(w, *res.Outcome)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusAccepted, struct {
			publish.Revoked
			Warning string `json:"warning"`
		}{res, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTx(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeJSON(w, http.StatusOK, []JournalEntry{})
		return
	}
	entries, err := s.cfg.Journal.List(r.URL.Query().Get("status"))
	if err != nil {
		s.logger.Error("journal list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	if entries == nil {
		entries = []JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleExportTx serves the journal as csv, jsonl or parquet. The payload checksum is sent
// in X-Export-Checksum.
func (s *Server) handleExportTx(w http.ResponseWriter, r *http.Request) {
	format, err := exports.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var entries []JournalEntry
	if s.cfg.Journal != nil {
		entries, err = s.cfg.Journal.List(r.URL.Query().Get("status"))
		if err != nil {
			s.logger.Error("journal list failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "journal unavailable")
			return
		}
	}
	rows := make([]exports.Transaction, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, entry.exportRow())
	}
	data, checksum, err := exports.Encode(format, rows)
	if err != nil {
		s.logger.Error("journal export failed", slog.String("format", string(format)), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "transactions."+string(format)))
	w.Header().Set("X-Export-Checksum", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type txResponse struct {
	Status  txn.TxStatus  `json:"status"`
	Journal *JournalEntry `json:"journal,omitempty"`
}

func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "hash")
	hash, ok := parseTxHash(raw)
	if !ok {
		writeFailure(w, corerrors.Newf(corerrors.InvalidArguments, nil, "%s", corerrors.Message(corerrors.InvalidArguments, "hash must be 32 hex bytes")))
		return
	}
	status, err := s.cfg.Transactions.Status(r.Context(), hash)
	if err != nil {
		writeFailure(w, corerrors.Classify(err))
		return
	}
	resp := txResponse{Status: status}
	if s.cfg.Journal != nil {
		entry, err := s.cfg.Journal.Reconcile(status)
		switch {
		case err == nil:
			resp.Journal = &entry
		case !errors.Is(err, ErrJournalNotFound):
			s.logger.Warn("journal update failed", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionResponse struct {
	Connected bool     `json:"connected"`
	Account   string   `json:"account,omitempty"`
	Accounts  []string `json:"accounts,omitempty"`
	ChainID   string   `json:"chainId,omitempty"`
	Epoch     uint64   `json:"epoch,omitempty"`
	Contract  string   `json:"contract"`
	Network   string   `json:"network"`
}

func (s *Server) sessionView(sess *session.Session) sessionResponse {
	network := s.cfg.Sessions.Network()
	resp := sessionResponse{
		Contract: s.cfg.Sessions.ContractAddress().Hex(),
		Network:  network.ChainName,
	}
	if sess == nil {
		return resp
	}
	resp.Connected = true
	resp.Account = sess.Account().Hex()
	for _, a := range sess.Accounts() {
		resp.Accounts = append(resp.Accounts, a.Hex())
	}
	resp.ChainID = chain.Network{ChainID: sess.ChainID()}.HexChainID()
	resp.Epoch = sess.Epoch()
	return resp
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionView(s.cfg.Sessions.Current()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Sessions.EnsureSession(r.Context())
	if err != nil {
		writeFailure(w, corerrors.Classify(err))
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(sess))
}

func (s *Server) handleSelectAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !common.IsHexAddress(req.Account) {
		writeError(w, http.StatusBadRequest, "account must be a hex address")
		return
	}
	if err := s.cfg.Wallet.SelectAccount(common.HexToAddress(req.Account)); err != nil {
		writeFailure(w, corerrors.Classify(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwitchChain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChainID string `json:"chainId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	id, err := chain.ParseChainID(req.ChainID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Wallet.SwitchChain(r.Context(), id); err != nil {
		writeFailure(w, corerrors.Classify(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Wallet.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// parseTxHash accepts a 32 byte hash with or without the 0x prefix.
func parseTxHash(raw string) (common.Hash, bool) {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	decoded, err := hexutil.Decode("0x" + raw)
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(decoded), true
}

type failureBody struct {
	Kind      corerrors.Kind `json:"kind"`
	Message   string         `json:"message"`
	Operation string         `json:"operation,omitempty"`
	TxHash    string         `json:"txHash,omitempty"`
}

// StatusFor maps a failure kind to an HTTP status.
func StatusFor(f *corerrors.Failure) int {
	if f == nil {
		return http.StatusInternalServerError
	}
	switch f.Kind {
	case corerrors.InvalidArguments:
		return http.StatusBadRequest
	case corerrors.UserRejected:
		return http.StatusForbidden
	case corerrors.InsufficientFunds:
		return http.StatusPaymentRequired
	case corerrors.WrongNetwork, corerrors.AccountMismatch, corerrors.NoteInactive,
		corerrors.SupplyExhausted, corerrors.MaxSupplyReached, corerrors.Underpriced, corerrors.NonceConflict:
		return http.StatusConflict
	case corerrors.ExecutionReverted:
		return http.StatusUnprocessableEntity
	case corerrors.EnvironmentUnavailable, corerrors.SessionInitFailed:
		return http.StatusServiceUnavailable
	case corerrors.NetworkRpcError:
		if f.TxHash != "" {
			return http.StatusAccepted
		}
		return http.StatusBadGateway
	case corerrors.EventMissing:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeOutcome(w http.ResponseWriter, outcome txn.Outcome) {
	f := outcome.Failure
	if f == nil {
		f = corerrors.New(corerrors.Unknown, nil)
	}
	writeJSON(w, StatusFor(f), failureBody{
		Kind:      f.Kind,
		Message:   f.Message,
		Operation: string(outcome.Operation),
		TxHash:    f.TxHash,
	})
}

func writeFailure(w http.ResponseWriter, f *corerrors.Failure) {
	writeJSON(w, StatusFor(f), failureBody{Kind: f.Kind, Message: f.Message, TxHash: f.TxHash})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
