package trackinghttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bmizerany/pat"
	"github.com/shopspring/decimal"

	"pixtrack/internal/tracking/archive"
	"pixtrack/internal/tracking/funnel"
	"pixtrack/internal/tracking/ledger"
	"pixtrack/internal/tracking/mapping"
	"pixtrack/internal/tracking/metrics"
	"pixtrack/internal/tracking/pay"
	"pixtrack/internal/tracking/reconcile"
)

const maxBodyBytes = 1 << 20

// Logger captures the logging contract required by the server.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

// Deps groups the collaborators the handlers call into.
type Deps struct {
	Funnel      *funnel.Service
	Engine      *reconcile.Engine
	Ledger      *ledger.Ledger
	Mappings    mapping.Store
	Linker      *mapping.Linker
	WebhookAuth pay.WebhookAuth
	Archive     archive.Archiver
	Logger      Logger
	Timeout     time.Duration
}

// Server provides HTTP handlers for attribution tracking and PIX
// reconciliation.
type Server struct {
	funnel   *funnel.Service
	engine   *reconcile.Engine
	ledger   *ledger.Ledger
	mappings mapping.Store
	linker   *mapping.Linker
	auth     pay.WebhookAuth
	archive  archive.Archiver
	logger   Logger
	timeout  time.Duration
}

// NewServer constructs a Server instance.
func NewServer(d Deps) *Server {
	s := &Server{
		funnel:   d.Funnel,
		engine:   d.Engine,
		ledger:   d.Ledger,
		mappings: d.Mappings,
		linker:   d.Linker,
		auth:     d.WebhookAuth,
		archive:  d.Archive,
		logger:   d.Logger,
		timeout:  d.Timeout,
	}
	if s.archive == nil {
		s.archive = archive.Nop{}
	}
	if s.timeout <= 0 {
		s.timeout = 15 * time.Second
	}
	return s
}

// Register mounts the tracking routes. service wraps endpoints reserved for
// internal callers.
func (s *Server) Register(mux *pat.PatternServeMux, service func(http.Handler) http.Handler) {
	if service == nil {
		service = func(h http.Handler) http.Handler { return h }
	}
	mux.Get("/health", http.HandlerFunc(s.handleHealth))
	mux.Post("/api/bot/start", http.HandlerFunc(s.handleStart))
	mux.Post("/api/tracking", service(http.HandlerFunc(s.handleRegister)))
	mux.Get("/api/tracking/latest", http.HandlerFunc(s.handleLatest))
	mux.Get("/api/tracking/get/:id", http.HandlerFunc(s.handleMapping))
	mux.Post("/api/pix", http.HandlerFunc(s.handleCreatePix))
	mux.Get("/api/transactions/:id", http.HandlerFunc(s.handleTransaction))
	mux.Post("/webhook/tribopay", http.HandlerFunc(s.handleWebhook))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	res, err := s.funnel.Start(ctx, req.UserID, req.Token)
	if err != nil {
		s.fail(w, "bot start", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type registerRequest struct {
	Payload map[string]string `json:"payload"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	link, err := s.linker.Register(ctx, req.Payload)
	if err != nil {
		s.fail(w, "register tracking", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": link.Token, "opaque": link.Opaque})
}

// mappingResponse carries the stored payload as the serialized string it
// was registered with.
type mappingResponse struct {
	Success   bool   `json:"success"`
	MappingID string `json:"mapping_id,omitempty"`
	SafeID    string `json:"safe_id,omitempty"`
	Original  string `json:"original"`
	Created   string `json:"created"`
}

func newMappingResponse(e mapping.Entry) mappingResponse {
	return mappingResponse{Success: true, Original: e.Original, Created: e.CreatedAt.UTC().Format(time.RFC3339Nano)}
}

func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get(":id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "id is required"})
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	e, ok := s.mappings.Get(ctx, id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "not found"})
		return
	}
	resp := newMappingResponse(e)
	resp.MappingID = e.OpaqueID
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r)
	defer cancel()

	e, ok := s.mappings.Latest(ctx)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "not found"})
		return
	}
	resp := newMappingResponse(e)
	resp.SafeID = e.OpaqueID
	writeJSON(w, http.StatusOK, resp)
}

type pixRequest struct {
	UserID string          `json:"user_id"`
	Plan   string          `json:"plan"`
	Amount decimal.Decimal `json:"amount"`
	Name   string          `json:"name"`
	CPF    string          `json:"cpf"`
}

func (s *Server) handleCreatePix(w http.ResponseWriter, r *http.Request) {
	var req pixRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	res, err := s.funnel.CreatePix(ctx, funnel.PixRequest{
		UserID: req.UserID,
		Plan:   strings.TrimSpace(req.Plan),
		Amount: req.Amount,
		Name:   strings.TrimSpace(req.Name),
		CPF:    strings.TrimSpace(req.CPF),
	})
	if err != nil {
		s.fail(w, "create pix", err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get(":id"))
	ctx, cancel := s.context(r)
	defer cancel()

	if r.URL.Query().Get("refresh") == "1" {
		out, err := s.funnel.Refresh(ctx, id)
		if err != nil {
			s.fail(w, "refresh transaction", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transaction": out.Transaction, "outcome": out})
		return
	}

	tx, err := s.ledger.Get(ctx, id)
	if err != nil {
		s.fail(w, "get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.WebhookTotal.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ev, err := reconcile.ParseEvent(body)
	if err != nil {
		metrics.WebhookTotal.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if !s.auth.Verify(body, r.Header.Get("X-Signature"), ev.Token) {
		metrics.WebhookTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	ctx, cancel := s.context(r)
	defer cancel()

	if key, err := s.archive.Put(ctx, "tribopay", ev.TransactionID, body); err != nil {
		s.logger.Errorf("webhook: archive %s: %v", ev.TransactionID, err)
	} else if key != "" {
		s.logger.Infof("webhook: archived %s as %s", ev.TransactionID, key)
	}

	out, err := s.engine.Handle(ctx, ev)
	switch {
	case errors.Is(err, reconcile.ErrUnknownTransaction):
		writeError(w, http.StatusNotFound, reconcile.ErrUnknownTransaction.Error())
		return
	case errors.Is(err, reconcile.ErrMissingTransactionID):
		writeError(w, http.StatusBadRequest, "missing transaction id")
		return
	case err != nil:
		s.fail(w, "webhook", err)
		return
	}

	resp := map[string]any{"success": true, "status": "processed"}
	if out.Kind == reconcile.OutcomeIgnored {
		resp["status"] = "ignored"
	}
	if out.Conversion != "" {
		resp["conversion"] = out.Conversion
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) context(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("%s: %v", op, err)
	}
	writeError(w, status, msg)
}

func statusFor(err error) (int, string) {
	var apiErr *pay.APIError
	switch {
	case errors.Is(err, funnel.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidTransaction):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, reconcile.ErrUnknownTransaction), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, reconcile.ErrUnknownTransaction.Error()
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "payment provider error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
