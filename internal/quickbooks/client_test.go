package quickbooks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendonate/quickbooks-gateway/internal/domain/errors"
	"github.com/opendonate/quickbooks-gateway/internal/oauth"
	"github.com/opendonate/quickbooks-gateway/internal/quickbooks"
	"github.com/opendonate/quickbooks-gateway/internal/testutil"
)

// providerStub scripts a sequence of responses and records every request.
type providerStub struct {
	mu        sync.Mutex
	responses []stubResponse
	requests  []stubRequest
}

type stubResponse struct {
	status int
	body   any
	delay  time.Duration
}

type stubRequest struct {
	authorization string
	requestID     string
	path          string
	body          map[string]any
}

func (p *providerStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.requests = append(p.requests, stubRequest{
			authorization: r.Header.Get("Authorization"),
			requestID:     r.Header.Get("Request-Id"),
			path:          r.URL.Path,
			body:          body,
		})
		var resp stubResponse
		if len(p.responses) > 0 {
			resp = p.responses[0]
			p.responses = p.responses[1:]
		} else {
			resp = stubResponse{status: http.StatusOK, body: map[string]any{}}
		}
		p.mu.Unlock()

		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}
		status := resp.status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (p *providerStub) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *providerStub) request(i int) stubRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func newTestClient(t *testing.T, baseURL string, tokens *testutil.StubTokenSource, collectBilling bool) *quickbooks.Client {
	t.Helper()
	return quickbooks.NewClient(quickbooks.Config{
		BaseURL:        baseURL,
		CollectBilling: collectBilling,
		RequestTimeout: 5 * time.Second,
	}, tokens, zerolog.Nop())
}

func capturedBody(id string) map[string]any {
	return map[string]any{"id": id, "status": "CAPTURED", "authCode": "AUTH1"}
}

func chargeReq() quickbooks.ChargeRequest {
	return quickbooks.ChargeRequest{
		Amount:         testutil.NewTestAmount(2500),
		Card:           testutil.NewTestCard(),
		IdempotencyKey: "donation-42",
	}
}

func TestCharge_Captured(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{{body: capturedBody("chg-1")}}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	result, err := client.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "chg-1", result.ID)
	assert.Equal(t, quickbooks.StatusCaptured, result.Status)

	req := stub.request(0)
	assert.Equal(t, "Bearer tok-1", req.authorization)
	assert.Equal(t, "/quickbooks/v4/payments/charges", req.path)
	assert.Equal(t, "25.00", req.body["amount"])
	assert.Equal(t, "USD", req.body["currency"])
	assert.NotEmpty(t, req.requestID)

	card, ok := req.body["card"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "4111111111111111", card["number"])
	_, hasAddress := card["address"]
	assert.False(t, hasAddress, "billing address omitted unless enabled")
	assert.Equal(t, 0, tokens.RefreshCalls)
}

func TestCharge_RetriesOnceWithNewTokenAfter401(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusUnauthorized, body: map[string]any{}},
		{body: capturedBody("chg-2")},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "stale-token", RefreshToken: "fresh-token"}
	client := newTestClient(t, srv.URL, tokens, false)

	result, err := client.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "chg-2", result.ID)

	require.Equal(t, 2, stub.callCount())
	assert.Equal(t, 1, tokens.RefreshCalls)
	// The retry must carry the refreshed token, never the stale one.
	assert.Equal(t, "Bearer stale-token", stub.request(0).authorization)
	assert.Equal(t, "Bearer fresh-token", stub.request(1).authorization)
}

func TestCharge_RetryWithRealManagerUsesExchangedToken(t *testing.T) {
	now := time.Now()

	// Token endpoint issuing the second pair on demand.
	var exchanges int
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":               "access-token-2",
			"refresh_token":              "refresh-token-2",
			"expires_in":                 3600,
			"x_refresh_token_expires_in": 8726400,
		})
	}))
	defer tokenSrv.Close()

	// Provider that rejects the stored token even though its recorded
	// expiry is a full hour away, then accepts the exchanged one.
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusUnauthorized, body: map[string]any{}},
		{body: capturedBody("chg-m")},
	}}
	providerSrv := httptest.NewServer(stub.handler())
	defer providerSrv.Close()

	store := testutil.NewMockCredentialStore(testutil.NewConnectedCredential(now))
	manager := oauth.NewManager(store, tokenSrv.URL, 15*time.Minute, zerolog.Nop())
	client := quickbooks.NewClient(quickbooks.Config{
		BaseURL:        providerSrv.URL,
		RequestTimeout: 5 * time.Second,
	}, manager, zerolog.Nop())

	result, err := client.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "chg-m", result.ID)

	require.Equal(t, 2, stub.callCount())
	assert.Equal(t, 1, exchanges, "the rejected token must force a real exchange")
	assert.Equal(t, "Bearer access-token-1", stub.request(0).authorization)
	assert.Equal(t, "Bearer access-token-2", stub.request(1).authorization)
}

func TestCharge_FreshRequestIDPerAttempt(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusUnauthorized, body: map[string]any{}},
		{body: capturedBody("chg-3")},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Charge(context.Background(), chargeReq())
	require.NoError(t, err)

	require.Equal(t, 2, stub.callCount())
	first := stub.request(0).requestID
	second := stub.request(1).requestID
	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second, "each attempt gets its own Request-Id")
}

func TestCharge_RetriesOnceAfterTimeout(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{body: capturedBody("chg-t"), delay: 300 * time.Millisecond},
		{body: capturedBody("chg-t")},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := quickbooks.NewClient(quickbooks.Config{
		BaseURL:        srv.URL,
		RequestTimeout: 50 * time.Millisecond,
	}, tokens, zerolog.Nop())

	result, err := client.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "chg-t", result.ID)
	assert.Equal(t, 1, tokens.RefreshCalls, "a timed-out charge refreshes and retries once")
}

func TestCharge_SecondTimeoutIsTerminal(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{body: capturedBody("chg-t"), delay: 300 * time.Millisecond},
		{body: capturedBody("chg-t"), delay: 300 * time.Millisecond},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := quickbooks.NewClient(quickbooks.Config{
		BaseURL:        srv.URL,
		RequestTimeout: 50 * time.Millisecond,
	}, tokens, zerolog.Nop())

	_, err := client.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Equal(t, 1, tokens.RefreshCalls)
}

func TestCharge_SecondFailureIsTerminal(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusUnauthorized, body: map[string]any{}},
		{status: http.StatusUnauthorized, body: map[string]any{}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, errors.ErrPaymentFailed)

	// Exactly one retry, no more.
	assert.Equal(t, 2, stub.callCount())
	assert.Equal(t, 1, tokens.RefreshCalls)
}

func TestCharge_RefreshFailureDuringRetry(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusUnauthorized, body: map[string]any{}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{
		Token:      "tok-1",
		RefreshErr: errors.ErrReauthorizationRequired,
	}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, errors.ErrPaymentFailed)

	// The failed refresh ends the attempt before a second provider call.
	assert.Equal(t, 1, stub.callCount())
}

func TestCharge_DeclinedIsNotAnError(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{body: map[string]any{"id": "chg-4", "status": "DECLINED"}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	result, err := client.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, quickbooks.StatusDeclined, result.Status)
	assert.Equal(t, 1, stub.callCount())
	assert.Equal(t, 0, tokens.RefreshCalls, "a decline is not a token problem")
}

func TestCharge_UnknownStatus(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{body: map[string]any{"id": "chg-5", "status": "PENDING_REVIEW"}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, errors.ErrProviderError)
}

func TestCharge_InvalidAmountRejectedBeforeAnyCall(t *testing.T) {
	stub := &providerStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	req := chargeReq()
	req.Amount.ValueCents = 0
	_, err := client.Charge(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrInvalidAmount)
	assert.Equal(t, 0, stub.callCount())
	assert.Equal(t, 0, tokens.AccessCalls)
}

func TestCharge_BillingAddressIncludedWhenEnabled(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{{body: capturedBody("chg-6")}}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, true)

	req := chargeReq()
	req.Card.Address = &quickbooks.Address{
		StreetAddress: "1 Main St",
		City:          "Springfield",
		Region:        "IL",
		Country:       "US",
		PostalCode:    "62704",
	}
	_, err := client.Charge(context.Background(), req)
	require.NoError(t, err)

	card := stub.request(0).body["card"].(map[string]any)
	address, ok := card["address"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Springfield", address["city"])
	assert.Equal(t, "62704", address["postalCode"])
}

func TestRefund_Issued(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{body: map[string]any{"id": "ref-1", "status": "ISSUED"}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	result, err := client.Refund(context.Background(), "chg-1", testutil.NewTestAmount(2500))
	require.NoError(t, err)
	assert.Equal(t, "ref-1", result.ID)
	assert.Equal(t, quickbooks.StatusIssued, result.Status)

	req := stub.request(0)
	assert.Equal(t, "/quickbooks/v4/payments/charges/chg-1/refunds", req.path)
	assert.Equal(t, "25.00", req.body["amount"])
}

func TestRefund_MissingChargeID(t *testing.T) {
	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, "http://unused.invalid", tokens, false)

	_, err := client.Refund(context.Background(), "", testutil.NewTestAmount(2500))
	assert.ErrorIs(t, err, errors.ErrMissingCharge)
	assert.Equal(t, 0, tokens.AccessCalls)
}

func TestRefund_NonIssuedStatusRejected(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{body: map[string]any{"id": "ref-2", "status": "DECLINED"}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Refund(context.Background(), "chg-1", testutil.NewTestAmount(2500))
	assert.ErrorIs(t, err, errors.ErrRefundRejected)
}

func TestRefund_MissingIDRejected(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{body: map[string]any{"status": "ISSUED"}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Refund(context.Background(), "chg-1", testutil.NewTestAmount(2500))
	assert.ErrorIs(t, err, errors.ErrRefundRejected)
}

func TestRefund_EmptyBodyIsAuthenticationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Refund(context.Background(), "chg-1", testutil.NewTestAmount(2500))
	assert.ErrorIs(t, err, errors.ErrRefundRejected)
	assert.Contains(t, err.Error(), "Authentication Fail")
}

func TestRefund_ErrorListAggregated(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{body: map[string]any{
			"errors": []map[string]any{
				{"code": "PMT-4000", "message": "amount is invalid.", "moreInfo": "https://developer.example.com/pmt-4000"},
				{"code": "PMT-5000", "message": "the request to process this transaction has been declined."},
			},
		}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Refund(context.Background(), "chg-1", testutil.NewTestAmount(2500))
	assert.ErrorIs(t, err, errors.ErrRefundRejected)
	assert.Contains(t, err.Error(),
		"PMT-4000: Amount is invalid. https://developer.example.com/pmt-4000 , PMT-5000: The request to process this transaction has been declined.")
}

func TestRefund_ErrorListOnHTTP400IsRejection(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusBadRequest, body: map[string]any{
			"errors": []map[string]any{
				{"code": "PMT-4000", "message": "amount is invalid.", "moreInfo": "https://developer.example.com/pmt-4000"},
			},
		}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Refund(context.Background(), "chg-1", testutil.NewTestAmount(2500))
	assert.ErrorIs(t, err, errors.ErrRefundRejected)
	assert.Contains(t, err.Error(), "PMT-4000: Amount is invalid. https://developer.example.com/pmt-4000")

	// A rejection never triggers the refresh-and-retry path.
	assert.Equal(t, 1, stub.callCount())
	assert.Equal(t, 0, tokens.RefreshCalls)
}

func TestRefund_ServerFaultIsProviderError(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusInternalServerError, body: map[string]any{"message": "internal error"}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Refund(context.Background(), "chg-1", testutil.NewTestAmount(2500))
	assert.ErrorIs(t, err, errors.ErrProviderError)
	assert.NotErrorIs(t, err, errors.ErrRefundRejected)
}

func TestCharge_ErrorListOnHTTP400IsProviderError(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusBadRequest, body: map[string]any{
			"errors": []map[string]any{
				{"code": "PMT-4000", "message": "amount is invalid."},
			},
		}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, errors.ErrProviderError)
	assert.Contains(t, err.Error(), "PMT-4000: Amount is invalid.")
	assert.Equal(t, 1, stub.callCount())
	assert.Equal(t, 0, tokens.RefreshCalls)
}

func TestCharge_ServerFaultIsProviderError(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusInternalServerError, body: map[string]any{"message": "internal error"}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "tok-1"}
	client := newTestClient(t, srv.URL, tokens, false)

	_, err := client.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, errors.ErrProviderError)
	assert.NotErrorIs(t, err, errors.ErrPaymentFailed)
}

func TestRefund_RetriesOnceAfter401(t *testing.T) {
	stub := &providerStub{responses: []stubResponse{
		{status: http.StatusUnauthorized, body: map[string]any{}},
		{body: map[string]any{"id": "ref-3", "status": "ISSUED"}},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tokens := &testutil.StubTokenSource{Token: "stale-token", RefreshToken: "fresh-token"}
	client := newTestClient(t, srv.URL, tokens, false)

	result, err := client.Refund(context.Background(), "chg-1", testutil.NewTestAmount(2500))
	require.NoError(t, err)
	assert.Equal(t, "ref-3", result.ID)
	require.Equal(t, 2, stub.callCount())
	assert.Equal(t, "Bearer fresh-token", stub.request(1).authorization)
}

func TestJoinErrors(t *testing.T) {
	msg := quickbooks.JoinErrors([]quickbooks.APIError{
		{Code: "A", Message: "bad", MoreInfo: ""},
		{Code: "B", Message: "worse", MoreInfo: "see docs"},
	})
	assert.Equal(t, "A: Bad , B: Worse see docs", msg)
}

func TestJoinErrors_Single(t *testing.T) {
	msg := quickbooks.JoinErrors([]quickbooks.APIError{
		{Code: "PMT-4000", Message: "amount is invalid."},
	})
	assert.Equal(t, "PMT-4000: Amount is invalid.", msg)
}
