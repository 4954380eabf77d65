package service

import (
	"context"
	stderrors "errors"
	"net/url"
	"time"

	"github.com/opendonate/quickbooks-gateway/internal/domain/charge"
	"github.com/opendonate/quickbooks-gateway/internal/domain/credential"
	domainErrors "github.com/opendonate/quickbooks-gateway/internal/domain/errors"
	"github.com/opendonate/quickbooks-gateway/internal/infrastructure/observability"
	"github.com/opendonate/quickbooks-gateway/internal/oauth"
	"github.com/opendonate/quickbooks-gateway/internal/quickbooks"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ConnectionStatus is the gateway's view of the OAuth connection.
type ConnectionStatus string

const (
	StatusConnected            ConnectionStatus = "connected"
	StatusNotConnected         ConnectionStatus = "not_connected"
	StatusNeedsReauthorization ConnectionStatus = "needs_reauthorization"
)

// GatewayService is the facade the HTTP layer calls into: connect handshake,
// charge, refund and connection status.
type GatewayService struct {
	store         credential.Store
	flow          *oauth.Flow
	tokens        *oauth.Manager
	client        *quickbooks.Client
	chargeBreaker *gobreaker.CircuitBreaker[*quickbooks.ChargeResult]
	refundBreaker *gobreaker.CircuitBreaker[*quickbooks.RefundResult]
	logger        zerolog.Logger
	metrics       *observability.Metrics
}

// NewGatewayService creates a GatewayService with circuit breakers around
// the provider payment calls. Business rejections (declined cards, rejected
// refunds) do not count as breaker failures; only infrastructure faults do.
func NewGatewayService(
	store credential.Store,
	flow *oauth.Flow,
	tokens *oauth.Manager,
	client *quickbooks.Client,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *GatewayService {
	s := &GatewayService{
		store:   store,
		flow:    flow,
		tokens:  tokens,
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
	s.chargeBreaker = gobreaker.NewCircuitBreaker[*quickbooks.ChargeResult](s.breakerSettings("quickbooks-charge"))
	s.refundBreaker = gobreaker.NewCircuitBreaker[*quickbooks.RefundResult](s.breakerSettings("quickbooks-refund"))
	return s
}

func (s *GatewayService) breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// The provider answered; the breaker only cares about faults.
			return stderrors.Is(err, domainErrors.ErrRefundRejected) ||
				stderrors.Is(err, domainErrors.ErrMissingCharge) ||
				stderrors.Is(err, domainErrors.ErrNotConnected) ||
				stderrors.Is(err, domainErrors.ErrInvalidAmount)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if s.metrics != nil {
				s.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
			s.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
}

// InitiateConnect builds the provider authorize URL for the admin to visit.
func (s *GatewayService) InitiateConnect(ctx context.Context) (string, error) {
	return s.flow.AuthorizeURL(ctx)
}

// CompleteConnect validates the provider callback and stores the first
// token pair. Handshake errors never auto-retry; a fresh admin-initiated
// connect is always required after a failure.
func (s *GatewayService) CompleteConnect(ctx context.Context, query url.Values) error {
	return s.flow.HandleCallback(ctx, query)
}

// SubmitCharge charges a card through the provider.
func (s *GatewayService) SubmitCharge(ctx context.Context, req quickbooks.ChargeRequest) (*quickbooks.ChargeResult, error) {
	result, err := s.chargeBreaker.Execute(func() (*quickbooks.ChargeResult, error) {
		return s.client.Charge(ctx, req)
	})
	s.countBreaker("quickbooks-charge", err)
	return result, err
}

// SubmitRefund refunds a prior charge through the provider. The caller owns
// any optimistic status change and must revert it on error.
func (s *GatewayService) SubmitRefund(ctx context.Context, chargeID string, amount charge.Amount) (*quickbooks.RefundResult, error) {
	result, err := s.refundBreaker.Execute(func() (*quickbooks.RefundResult, error) {
		return s.client.Refund(ctx, chargeID, amount)
	})
	s.countBreaker("quickbooks-refund", err)
	return result, err
}

// ConnectionStatus reports whether the gateway holds usable credentials.
func (s *GatewayService) ConnectionStatus(ctx context.Context) (ConnectionStatus, error) {
	cred, err := s.store.Load(ctx)
	if err != nil {
		return "", err
	}

	status := StatusConnected
	switch {
	case !cred.Connected():
		status = StatusNotConnected
	case cred.RefreshTokenExpired(time.Now()):
		status = StatusNeedsReauthorization
	}

	if s.metrics != nil {
		var v float64
		switch status {
		case StatusConnected:
			v = 1
		case StatusNeedsReauthorization:
			v = 2
		}
		s.metrics.ConnectionStatus.Set(v)
	}
	return status, nil
}

// Disconnect clears every persisted credential field together.
func (s *GatewayService) Disconnect(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("gateway disconnected, credential cleared")
	return nil
}

// WarmToken proactively keeps the access token inside its validity window.
// Called by the background refresher; never blocks payment traffic.
func (s *GatewayService) WarmToken(ctx context.Context) error {
	_, err := s.tokens.AccessToken(ctx)
	switch {
	case err == nil:
		s.countRefresherRun("ok")
		return nil
	case stderrors.Is(err, domainErrors.ErrNotConnected):
		s.countRefresherRun("not_connected")
		s.logger.Debug().Msg("refresher skipped, gateway not connected")
		return nil
	case stderrors.Is(err, domainErrors.ErrReauthorizationRequired):
		s.countRefresherRun("needs_reauthorization")
		s.logger.Warn().Msg("refresh token rejected, admin must reconnect")
		return err
	default:
		s.countRefresherRun("error")
		return err
	}
}

func (s *GatewayService) countBreaker(name string, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	s.metrics.CircuitBreakerRequests.WithLabelValues(name, result).Inc()
}

func (s *GatewayService) countRefresherRun(result string) {
	if s.metrics != nil {
		s.metrics.RefresherRuns.WithLabelValues(result).Inc()
	}
}
