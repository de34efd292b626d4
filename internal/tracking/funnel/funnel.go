package funnel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pixtrack/internal/tracking/attribution"
	"pixtrack/internal/tracking/ledger"
	"pixtrack/internal/tracking/mapping"
	"pixtrack/internal/tracking/metrics"
	"pixtrack/internal/tracking/pay"
	"pixtrack/internal/tracking/reconcile"
	"pixtrack/internal/tracking/session"
)

// ErrInvalidRequest marks caller input errors.
var ErrInvalidRequest = errors.New("invalid request")

// Charger creates and polls provider charges.
type Charger interface {
	CreateCharge(ctx context.Context, req pay.ChargeRequest) (pay.Charge, error)
	GetTransaction(ctx context.Context, hash string) (pay.TransactionStatus, error)
}

// Logger provides minimal logging required by the funnel.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Deps wires a Service.
type Deps struct {
	Codec    *attribution.Codec
	Mappings mapping.Store
	Sessions session.Store
	Ledger   *ledger.Ledger
	Engine   *reconcile.Engine
	Charger  Charger
	Logger   Logger

	// ActivePixWindow bounds how long a pending charge is offered again
	// instead of creating a new one. Zero disables reuse.
	ActivePixWindow time.Duration
}

// Service runs the bot entry point and PIX charge creation.
type Service struct {
	codec        *attribution.Codec
	mappings     mapping.Store
	sessions     session.Store
	ledger       *ledger.Ledger
	engine       *reconcile.Engine
	charger      Charger
	logger       Logger
	activeWindow time.Duration
}

func New(d Deps) *Service {
	return &Service{
		codec:        d.Codec,
		mappings:     d.Mappings,
		sessions:     d.Sessions,
		ledger:       d.Ledger,
		engine:       d.Engine,
		charger:      d.Charger,
		logger:       d.Logger,
		activeWindow: d.ActivePixWindow,
	}
}

// StartResult is the attribution captured for a bot interaction.
type StartResult struct {
	UserID      string             `json:"user_id"`
	Attribution attribution.Record `json:"attribution"`
	Scheme      attribution.Scheme `json:"scheme"`
	Degraded    bool               `json:"degraded"`
	Reason      string             `json:"reason,omitempty"`
}

// Start decodes the deep-link token and replaces the user's attribution.
// Without a token the most recent mapping is used, which may belong to an
// unrelated click.
func (s *Service) Start(ctx context.Context, userID, token string) (StartResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return StartResult{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	var res attribution.Result
	if strings.TrimSpace(token) != "" {
		res = s.codec.Decode(ctx, token)
	} else {
		res = s.latest(ctx)
	}
	metrics.DecodeTotal.WithLabelValues(string(res.Scheme), strconv.FormatBool(res.Degraded)).Inc()

	if err := s.sessions.Save(ctx, userID, res.Record); err != nil {
		return StartResult{}, err
	}
	s.logger.Infof("funnel: user %s attribution click_id=%s scheme=%s degraded=%v", userID, res.Record.ClickID, res.Scheme, res.Degraded)
	return StartResult{
		UserID:      userID,
		Attribution: res.Record,
		Scheme:      res.Scheme,
		Degraded:    res.Degraded,
		Reason:      res.Reason,
	}, nil
}

func (s *Service) latest(ctx context.Context) attribution.Result {
	if s.mappings != nil {
		if e, ok := s.mappings.Latest(ctx); ok {
			return s.codec.DecodePayload(e.Original, attribution.SchemeLatest)
		}
	}
	return s.codec.Decode(ctx, "")
}

// PixRequest asks for a PIX charge.
type PixRequest struct {
	UserID string          `json:"user_id"`
	Plan   string          `json:"plan"`
	Amount decimal.Decimal `json:"amount"`
	Name   string          `json:"name,omitempty"`
	CPF    string          `json:"cpf,omitempty"`
}

// PixResult is the charge handed back to the user.
type PixResult struct {
	Transaction ledger.Transaction `json:"transaction"`
	Reused      bool               `json:"reused"`
}

// CreatePix returns a charge for the user and plan. A pending charge created
// within the active window is reused; otherwise a new charge is created with
// the user's current attribution, which the ledger snapshots.
func (s *Service) CreatePix(ctx context.Context, req PixRequest) (PixResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || !req.Amount.IsPositive() {
		return PixResult{}, fmt.Errorf("%w: user_id and a positive amount are required", ErrInvalidRequest)
	}

	if s.activeWindow > 0 {
		tx, err := s.ledger.FindActive(ctx, req.UserID, req.Plan, s.activeWindow)
		if err == nil && tx.Amount.Equal(req.Amount) {
			metrics.ChargeTotal.WithLabelValues("reused").Inc()
			return PixResult{Transaction: tx, Reused: true}, nil
		}
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			s.logger.Errorf("funnel: find active pix for %s: %v", req.UserID, err)
		}
	}

	rec, err := s.sessions.Get(ctx, req.UserID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Errorf("funnel: load attribution for %s: %v", req.UserID, err)
		}
		rec = attribution.Record{ClickID: attribution.ClickUnknown}
	}

	charge, err := s.charger.CreateCharge(ctx, pay.ChargeRequest{
		UserID:       req.UserID,
		Plan:         req.Plan,
		Amount:       req.Amount,
		CustomerName: req.Name,
		Document:     req.CPF,
		Attribution:  rec,
	})
	if err != nil {
		metrics.ChargeTotal.WithLabelValues("error").Inc()
		return PixResult{}, err
	}

	tx, _, err := s.ledger.Create(ctx, ledger.NewTransaction{
		ID:          charge.Hash,
		UserID:      req.UserID,
		Plan:        req.Plan,
		Amount:      req.Amount,
		PixCode:     charge.PixCode,
		Attribution: rec,
	})
	if err != nil {
		metrics.ChargeTotal.WithLabelValues("error").Inc()
		return PixResult{}, fmt.Errorf("record transaction %s: %w", charge.Hash, err)
	}

	// the provider acknowledged the charge, so it is at least pending
	out, err := s.engine.Apply(ctx, tx.ID, charge.PaymentStatus)
	if err != nil {
		s.logger.Errorf("funnel: apply initial status for %s: %v", tx.ID, err)
	} else {
		tx = out.Transaction
	}
	metrics.ChargeTotal.WithLabelValues("created").Inc()
	return PixResult{Transaction: tx}, nil
}

// Refresh polls the provider for a transaction and feeds the status through
// the reconciliation engine.
func (s *Service) Refresh(ctx context.Context, transactionID string) (reconcile.Outcome, error) {
	if _, err := s.ledger.Get(ctx, transactionID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return reconcile.Outcome{}, fmt.Errorf("%w: %s", reconcile.ErrUnknownTransaction, transactionID)
		}
		return reconcile.Outcome{}, err
	}
	st, err := s.charger.GetTransaction(ctx, transactionID)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	return s.engine.Apply(ctx, transactionID, st.Effective())
}
