package quickbooks

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/opendonate/quickbooks-gateway/internal/domain/charge"
	"github.com/opendonate/quickbooks-gateway/internal/domain/errors"
	"github.com/opendonate/quickbooks-gateway/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

const (
	chargesPath = "/quickbooks/v4/payments/charges"

	// Provider charge statuses.
	StatusCaptured  = "CAPTURED"
	StatusCancelled = "CANCELLED"
	StatusRefunded  = "REFUNDED"
	StatusDeclined  = "DECLINED"

	// Provider refund status counted as success.
	StatusIssued = "ISSUED"
)

// TokenSource supplies valid bearer tokens for payment calls. Implemented by
// the oauth Manager.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	// ForceRefresh exchanges for a new token after the provider rejected the
	// given one, regardless of its recorded expiry.
	ForceRefresh(ctx context.Context, rejected string) (string, error)
}

// Card holds the card fields for a single charge. Card data is sent to the
// provider and never persisted or logged by the gateway.
type Card struct {
	Number   string
	ExpMonth string
	ExpYear  string
	CVC      string
	Name     string
	Address  *Address
}

// Address is the optional billing address block, sent only when the
// collect-billing setting is enabled.
type Address struct {
	StreetAddress string
	City          string
	Region        string
	Country       string
	PostalCode    string
}

// ChargeRequest is one donation attempt. IdempotencyKey is the caller's
// business-level key; it is distinct from the per-call Request-Id header.
type ChargeRequest struct {
	Amount         charge.Amount
	Card           Card
	IdempotencyKey string
}

// APIError is one entry of the provider's error list.
type APIError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"moreInfo"`
	Type     string `json:"type"`
}

// ChargeResult is the provider's answer to a charge call.
type ChargeResult struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	AuthCode string     `json:"authCode"`
	Errors   []APIError `json:"errors"`
}

// RefundResult is the provider's answer to a refund call.
type RefundResult struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Errors []APIError `json:"errors"`
}

// Config holds the client inputs resolved once at startup.
type Config struct {
	BaseURL        string
	CollectBilling bool
	RequestTimeout time.Duration
}

// Client sends charge and refund requests with a valid access token. On a
// token-expiry signal it forces exactly one refresh and retries exactly once
// with the new token.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	collectBilling bool
	tokens         TokenSource
	logger         zerolog.Logger
	metrics        *observability.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientMetrics wires charge/refund metrics.
func WithClientMetrics(metrics *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = metrics }
}

// NewClient creates a payments API client.
func NewClient(cfg Config, tokens TokenSource, logger zerolog.Logger, opts ...ClientOption) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		httpClient:     &http.Client{Timeout: timeout},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		collectBilling: cfg.CollectBilling,
		tokens:         tokens,
		logger:         logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// --- wire bodies ---

type chargeContext struct {
	Mobile      bool `json:"mobile"`
	IsEcommerce bool `json:"isEcommerce"`
}

type cardBody struct {
	ExpYear  string       `json:"expYear"`
	ExpMonth string       `json:"expMonth"`
	CVC      string       `json:"cvc"`
	Number   string       `json:"number"`
	Name     string       `json:"name"`
	Address  *addressBody `json:"address,omitempty"`
}

type addressBody struct {
	City          string `json:"city"`
	Region        string `json:"region"`
	Country       string `json:"country"`
	StreetAddress string `json:"streetAddress"`
	PostalCode    string `json:"postalCode"`
}

type chargeBody struct {
	Amount   string        `json:"amount"`
	Currency string        `json:"currency"`
	Context  chargeContext `json:"context"`
	Card     cardBody      `json:"card"`
}

type refundBody struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

// Charge submits one charge, walking the attempt state machine and applying
// the refresh-then-retry-once policy on a token-expiry signal. The retry
// always uses the newly refreshed token, never the stale one.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := req.Amount.Validate(); err != nil {
		return nil, err
	}

	att := charge.NewAttempt()
	started := time.Now()

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		_ = att.Transition(charge.StateFailed)
		return nil, err
	}
	if err := att.Transition(charge.StateTokenReady); err != nil {
		return nil, err
	}

	body := c.buildChargeBody(req)

	if err := att.Transition(charge.StateSubmitted); err != nil {
		return nil, err
	}
	result, callErr := c.doCharge(ctx, token, body)

	if callErr != nil && callErr.retryable() {
		if err := att.Transition(charge.StateRefreshing); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.ChargeRetries.Inc()
		}
		token, err = c.tokens.ForceRefresh(ctx, token)
		if err != nil {
			_ = att.Transition(charge.StateFailed)
			return nil, errors.NewDomainError("payment_failed", "token refresh during charge failed", errors.ErrPaymentFailed)
		}
		if err := att.Transition(charge.StateSubmitted); err != nil {
			return nil, err
		}
		result, callErr = c.doCharge(ctx, token, body)
	}

	if callErr != nil {
		_ = att.Transition(charge.StateFailed)
		c.countCharge("error", started)
		c.logger.Error().
			Bool("submitted", att.Submitted()).
			Str("detail", callErr.detail).
			Msg("charge failed")
		if callErr.timeout {
			return nil, errors.NewDomainError("charge_timeout", "charge request timed out", errors.ErrTimeout)
		}
		if callErr.status != 0 {
			return nil, errors.NewDomainError("charge_provider_error", callErr.detail, errors.ErrProviderError)
		}
		return nil, errors.NewDomainError("payment_failed", callErr.detail, errors.ErrPaymentFailed)
	}

	state, ok := chargeStateFor(result.Status)
	if !ok {
		_ = att.Transition(charge.StateFailed)
		c.countCharge("error", started)
		detail := fmt.Sprintf("unexpected charge status %q", result.Status)
		if len(result.Errors) > 0 {
			detail = JoinErrors(result.Errors)
		}
		return nil, errors.NewDomainError("charge_status", detail, errors.ErrProviderError)
	}
	if err := att.Transition(state); err != nil {
		return nil, err
	}

	c.countCharge(strings.ToLower(result.Status), started)
	c.logger.Info().
		Str("charge_id", result.ID).
		Str("status", result.Status).
		Msg("charge processed")
	return result, nil
}

// Refund issues a refund against a prior charge. Only status ISSUED with a
// non-empty id counts as success; an empty body indicates an authentication
// failure at the provider.
func (c *Client) Refund(ctx context.Context, chargeID string, amount charge.Amount) (*RefundResult, error) {
	if chargeID == "" {
		return nil, errors.ErrMissingCharge
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	result, callErr := c.doRefund(ctx, token, chargeID, amount)
	if callErr != nil && callErr.retryable() {
		token, err = c.tokens.ForceRefresh(ctx, token)
		if err != nil {
			return nil, errors.NewDomainError("refund_failed", "token refresh during refund failed", errors.ErrPaymentFailed)
		}
		result, callErr = c.doRefund(ctx, token, chargeID, amount)
	}

	if callErr != nil {
		if callErr.timeout {
			c.countRefund("error")
			return nil, errors.NewDomainError("refund_timeout", "refund request timed out", errors.ErrTimeout)
		}
		// A non-2xx with a populated error list is the provider rejecting
		// the refund, not an infrastructure fault.
		if len(callErr.apiErrors) > 0 {
			c.countRefund("rejected")
			return nil, errors.NewDomainError("refund_rejected", callErr.detail, errors.ErrRefundRejected)
		}
		if callErr.status != 0 {
			c.countRefund("error")
			return nil, errors.NewDomainError("refund_provider_error", callErr.detail, errors.ErrProviderError)
		}
		c.countRefund("error")
		return nil, errors.NewDomainError("refund_failed", callErr.detail, errors.ErrPaymentFailed)
	}

	if len(result.Errors) > 0 {
		c.countRefund("rejected")
		return nil, errors.NewDomainError("refund_rejected", JoinErrors(result.Errors), errors.ErrRefundRejected)
	}
	// No body at all means the provider dropped the call before processing,
	// which in practice is an authentication failure.
	if result.ID == "" && result.Status == "" {
		c.countRefund("rejected")
		return nil, errors.NewDomainError("refund_rejected", "Authentication Fail", errors.ErrRefundRejected)
	}
	if result.Status != StatusIssued || result.ID == "" {
		c.countRefund("rejected")
		return nil, errors.NewDomainError(
			"refund_rejected",
			fmt.Sprintf("unexpected refund status %q", result.Status),
			errors.ErrRefundRejected,
		)
	}

	c.countRefund("issued")
	c.logger.Info().
		Str("charge_id", chargeID).
		Str("refund_id", result.ID).
		Msg("refund issued")
	return result, nil
}

func (c *Client) buildChargeBody(req ChargeRequest) *chargeBody {
	body := &chargeBody{
		Amount:   req.Amount.Decimal(),
		Currency: req.Amount.Currency,
		Context:  chargeContext{Mobile: false, IsEcommerce: true},
		Card: cardBody{
			ExpYear:  req.Card.ExpYear,
			ExpMonth: req.Card.ExpMonth,
			CVC:      req.Card.CVC,
			Number:   req.Card.Number,
			Name:     req.Card.Name,
		},
	}
	if c.collectBilling && req.Card.Address != nil {
		body.Card.Address = &addressBody{
			City:          req.Card.Address.City,
			Region:        req.Card.Address.Region,
			Country:       req.Card.Address.Country,
			StreetAddress: req.Card.Address.StreetAddress,
			PostalCode:    req.Card.Address.PostalCode,
		}
	}
	return body
}

// callError classifies a failed provider round trip.
type callError struct {
	timeout     bool
	authExpired bool
	status      int        // non-2xx status other than 401, 0 otherwise
	apiErrors   []APIError // provider error list, when the body carried one
	detail      string
}

// retryable reports whether the single refresh-and-retry policy applies.
// Token expiry and charge/refund timeouts qualify; anything else is terminal
// for the attempt.
func (e *callError) retryable() bool {
	return e.authExpired || e.timeout
}

func (c *Client) doCharge(ctx context.Context, token string, body *chargeBody) (*ChargeResult, *callError) {
	var result ChargeResult
	if cerr := c.post(ctx, c.baseURL+chargesPath, token, body, &result); cerr != nil {
		return nil, cerr
	}
	return &result, nil
}

func (c *Client) doRefund(ctx context.Context, token, chargeID string, amount charge.Amount) (*RefundResult, *callError) {
	body := &refundBody{ID: chargeID, Amount: amount.Decimal()}
	var result RefundResult
	u := fmt.Sprintf("%s%s/%s/refunds", c.baseURL, chargesPath, chargeID)
	if cerr := c.post(ctx, u, token, body, &result); cerr != nil {
		return nil, cerr
	}
	return &result, nil
}

// post sends one provider call with a fresh, unique Request-Id header. A new
// id is generated on every attempt, including retries.
func (c *Client) post(ctx context.Context, url, token string, body any, out any) *callError {
	payload, err := json.Marshal(body)
	if err != nil {
		return &callError{detail: "encode request body: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &callError{detail: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Request-Id", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &callError{timeout: true, detail: "request timed out"}
		}
		return &callError{detail: "provider unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &callError{detail: "read response: " + err.Error()}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &callError{authExpired: true, detail: "access token rejected"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The provider delivers rejections as non-2xx with a populated error
		// list; keep the list so callers can classify the failure.
		var rejection struct {
			Errors []APIError `json:"errors"`
		}
		if err := json.Unmarshal(raw, &rejection); err == nil && len(rejection.Errors) > 0 {
			return &callError{
				status:    resp.StatusCode,
				apiErrors: rejection.Errors,
				detail:    JoinErrors(rejection.Errors),
			}
		}
		return &callError{status: resp.StatusCode, detail: fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, truncate(raw, 512))}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		// Decode target keeps its zero value; callers treat the empty shape
		// as an authentication failure.
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &callError{detail: "malformed provider response: " + truncate(raw, 512)}
	}
	return nil
}

func chargeStateFor(status string) (charge.State, bool) {
	switch status {
	case StatusCaptured:
		return charge.StateCaptured, true
	case StatusCancelled:
		return charge.StateCancelled, true
	case StatusRefunded:
		return charge.StateRefunded, true
	case StatusDeclined:
		return charge.StateDeclined, true
	}
	return "", false
}

// JoinErrors renders the provider's error list as one human-readable
// message: "CODE: Message moreInfo" entries, comma-joined, with the message
// capitalized.
func JoinErrors(errs []APIError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		part := e.Code + ": " + capitalize(e.Message)
		if e.MoreInfo != "" {
			part += " " + e.MoreInfo
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " , ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}

func (c *Client) countCharge(status string, started time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ChargesTotal.WithLabelValues(status).Inc()
	c.metrics.ChargeDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

func (c *Client) countRefund(status string) {
	if c.metrics != nil {
		c.metrics.RefundsTotal.WithLabelValues(status).Inc()
	}
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
