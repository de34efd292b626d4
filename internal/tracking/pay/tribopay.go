package pay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pixtrack/internal/tracking/attribution"
)

// DefaultBaseURL is the public TriboPay API.
const DefaultBaseURL = "https://api.tribopay.com.br/api/public/v1"

type TribopayConfig struct {
	APIToken string
	BaseURL  string

	// Where TriboPay posts status changes, e.g. https://host/webhook/tribopay.
	PostbackURL string

	// Product page metadata required when products are created on demand.
	CoverURL    string
	SalePageURL string

	// Days until the PIX code expires. The API minimum is 1.
	ExpireInDays int

	Products ProductCache
	Client   *http.Client
	Logger   *slog.Logger
}

// Client talks to the TriboPay public API.
type Client struct {
	apiToken     string
	baseURL      *url.URL
	postbackURL  string
	coverURL     string
	salePageURL  string
	expireInDays int

	products   ProductCache
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg TribopayConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("tribopay: api_token is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	products := cfg.Products
	if products == nil {
		products = NewMemoryProductCache()
	}
	expire := cfg.ExpireInDays
	if expire < 1 {
		expire = 1
	}
	c := &Client{
		apiToken:     cfg.APIToken,
		baseURL:      u,
		postbackURL:  cfg.PostbackURL,
		coverURL:     cfg.CoverURL,
		salePageURL:  cfg.SalePageURL,
		expireInDays: expire,
		products:     products,
		httpClient:   client,
		logger:       logger,
	}
	logger.Info("TriboPay initialized",
		"baseURL", safeURL(u),
		"postbackURL_set", c.postbackURL != "",
	)
	return c, nil
}

func (c *Client) endpoint(p string) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	q := u.Query()
	q.Set("api_token", c.apiToken)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, p string, payload any, want int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", p, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tribopay %s %s: %w", method, p, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	c.logger.Debug("tribopay raw", "path", p, "status", resp.Status, "body", trim(string(b), 2000))

	if resp.StatusCode != want {
		return nil, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	return b, nil
}

// ------- PRODUCTS -------

func productTitle(plan string) string {
	return "Plano VIP - " + plan
}

// EnsureProduct returns the product hash for plan and amount, creating the
// product once and caching its hash.
func (c *Client) EnsureProduct(ctx context.Context, plan string, amount decimal.Decimal) (string, error) {
	key := productKey(plan, amount)
	if hash, ok := c.products.Get(ctx, key); ok {
		return hash, nil
	}
	payload := map[string]any{
		"title":         productTitle(plan),
		"cover":         c.coverURL,
		"sale_page":     c.salePageURL,
		"payment_type":  1,
		"product_type":  "digital",
		"delivery_type": 1,
		"id_category":   1,
		"amount":        toCents(amount),
	}
	b, err := c.do(ctx, http.MethodPost, "/products", payload, http.StatusCreated)
	if err != nil {
		return "", err
	}
	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("decode product: %w", err)
	}
	if strings.TrimSpace(out.Hash) == "" {
		return "", fmt.Errorf("tribopay: empty product hash")
	}
	if err := c.products.Set(ctx, key, out.Hash); err != nil {
		c.logger.Error("cache product hash", "key", key, "err", err)
	}
	return out.Hash, nil
}

// ------- CHARGES -------

// ChargeRequest describes a PIX charge.
type ChargeRequest struct {
	UserID       string
	Plan         string
	Amount       decimal.Decimal
	CustomerName string
	Document     string
	Attribution  attribution.Record
}

// Charge is the provider's answer to a charge request.
type Charge struct {
	Hash          string          `json:"hash"`
	PaymentStatus string          `json:"payment_status"`
	PixCode       string          `json:"pix_code"`
	Raw           json.RawMessage `json:"-"`
}

type customer struct {
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	PhoneNumber  string            `json:"phone_number"`
	Document     string            `json:"document"`
	ClickID      string            `json:"click_id,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

type cartItem struct {
	ProductHash   string `json:"product_hash"`
	Title         string `json:"title"`
	Price         int64  `json:"price"`
	Quantity      int    `json:"quantity"`
	OperationType int    `json:"operation_type"`
	Tangible      bool   `json:"tangible"`
}

type chargePayload struct {
	Amount            int64             `json:"amount"`
	OfferHash         string            `json:"offer_hash"`
	PaymentMethod     string            `json:"payment_method"`
	Customer          customer          `json:"customer"`
	Cart              []cartItem        `json:"cart"`
	ExpireInDays      int               `json:"expire_in_days"`
	TransactionOrigin string            `json:"transaction_origin"`
	Installments      int               `json:"installments"`
	PostbackURL       string            `json:"postback_url,omitempty"`
	Tracking          map[string]string `json:"tracking,omitempty"`
}

// TrackingFields maps an attribution record onto the provider's tracking
// object. Sentinel click ids are not forwarded.
func TrackingFields(rec attribution.Record) map[string]string {
	out := make(map[string]string, 7)
	if rec.HasClick() {
		out["src"] = rec.ClickID
		out["tracking_code"] = rec.ClickID
	}
	for k, v := range rec.Fields() {
		if k == "click_id" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CreateCharge creates a PIX transaction carrying the attribution in the
// tracking object and the postback URL for status webhooks.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	logger := c.logger.With("op", "CreateCharge", "user", req.UserID, "plan", req.Plan)
	if !req.Amount.IsPositive() {
		return Charge{}, fmt.Errorf("tribopay: amount must be positive")
	}
	productHash, err := c.EnsureProduct(ctx, req.Plan, req.Amount)
	if err != nil {
		return Charge{}, fmt.Errorf("ensure product: %w", err)
	}
	cents := toCents(req.Amount)

	cust := customer{
		Name:        req.CustomerName,
		Email:       fmt.Sprintf("user%s@telegram.com", req.UserID),
		PhoneNumber: "11999999999",
		Document:    req.Document,
	}
	if cust.Name == "" {
		cust.Name = "Cliente " + req.UserID
	}
	if cust.Document == "" {
		cust.Document = "00000000000"
	}
	if req.Attribution.HasClick() {
		cust.ClickID = req.Attribution.ClickID
		cust.CustomFields = map[string]string{
			"click_id":     req.Attribution.ClickID,
			"utm_source":   req.Attribution.Source,
			"utm_campaign": req.Attribution.Campaign,
		}
	}

	payload := chargePayload{
		Amount:        cents,
		OfferHash:     productHash,
		PaymentMethod: "pix",
		Customer:      cust,
		Cart: []cartItem{{
			ProductHash:   productHash,
			Title:         productTitle(req.Plan),
			Price:         cents,
			Quantity:      1,
			OperationType: 1,
		}},
		ExpireInDays:      c.expireInDays,
		TransactionOrigin: "api",
		Installments:      1,
		PostbackURL:       c.postbackURL,
		Tracking:          TrackingFields(req.Attribution),
	}
	b, err := c.do(ctx, http.MethodPost, "/transactions", payload, http.StatusCreated)
	if err != nil {
		return Charge{}, err
	}

	var out struct {
		Hash          string `json:"hash"`
		PaymentStatus string `json:"payment_status"`
		Pix           struct {
			QRCode string `json:"pix_qr_code"`
		} `json:"pix"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return Charge{}, fmt.Errorf("decode transaction: %w", err)
	}
	if strings.TrimSpace(out.Hash) == "" {
		return Charge{}, fmt.Errorf("tribopay: empty transaction hash")
	}
	logger.Info("PIX charge created", "hash", out.Hash, "tracking", payload.Tracking != nil)
	return Charge{
		Hash:          out.Hash,
		PaymentStatus: out.PaymentStatus,
		PixCode:       out.Pix.QRCode,
		Raw:           json.RawMessage(b),
	}, nil
}

// TransactionStatus is the polled state of a transaction.
type TransactionStatus struct {
	Hash          string          `json:"hash"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	Raw           json.RawMessage `json:"-"`
}

// Effective returns the status that governs reconciliation when polling:
// payment_status, falling back to status.
func (s TransactionStatus) Effective() string {
	if v := strings.TrimSpace(s.PaymentStatus); v != "" {
		return v
	}
	return strings.TrimSpace(s.Status)
}

// GetTransaction polls a transaction by hash.
func (c *Client) GetTransaction(ctx context.Context, hash string) (TransactionStatus, error) {
	b, err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(hash), nil, http.StatusOK)
	if err != nil {
		return TransactionStatus{}, err
	}
	var out TransactionStatus
	if err := json.Unmarshal(b, &out); err != nil {
		return TransactionStatus{}, fmt.Errorf("decode transaction status: %w", err)
	}
	if out.Hash == "" {
		out.Hash = hash
	}
	out.Raw = json.RawMessage(b)
	return out, nil
}

// ---------- helpers ----------

func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func trim(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func safeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}

// APIError is a non-success answer from TriboPay.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	bt := strings.TrimSpace(e.Body)
	if bt == "" {
		return fmt.Sprintf("tribopay error: %s", e.Status)
	}
	return fmt.Sprintf("tribopay error: %s: %s", e.Status, bt)
}
