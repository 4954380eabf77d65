package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opendonate/quickbooks-gateway/internal/domain/charge"
	"github.com/opendonate/quickbooks-gateway/internal/quickbooks"
	"github.com/opendonate/quickbooks-gateway/internal/service"
)

// GatewayController handles the connect handshake and payment endpoints.
type GatewayController struct {
	gateway *service.GatewayService
}

// NewGatewayController creates a new GatewayController.
func NewGatewayController(gateway *service.GatewayService) *GatewayController {
	return &GatewayController{gateway: gateway}
}

// InitiateConnect handles GET /api/v1/connect
func (h *GatewayController) InitiateConnect(w http.ResponseWriter, r *http.Request) {
	authorizeURL, err := h.gateway.InitiateConnect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectResponse{AuthorizeURL: authorizeURL})
}

// CompleteConnect handles GET /api/v1/connect/callback, the provider's
// redirect target.
func (h *GatewayController) CompleteConnect(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.CompleteConnect(r.Context(), r.URL.Query()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{Status: string(service.StatusConnected)})
}

// ConnectionStatus handles GET /api/v1/connection
func (h *GatewayController) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.gateway.ConnectionStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{Status: string(status)})
}

// Disconnect handles DELETE /api/v1/connection, clearing every persisted
// credential field together.
func (h *GatewayController) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{Status: string(service.StatusNotConnected)})
}

// CreateCharge handles POST /api/v1/charges
func (h *GatewayController) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req CreateChargeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	chargeReq := quickbooks.ChargeRequest{
		Amount: charge.Amount{ValueCents: req.AmountCents, Currency: req.Currency},
		Card: quickbooks.Card{
			Number:   req.Card.Number,
			ExpMonth: req.Card.ExpMonth,
			ExpYear:  req.Card.ExpYear,
			CVC:      req.Card.CVC,
			Name:     req.Card.Name,
		},
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if req.Card.Address != nil {
		chargeReq.Card.Address = &quickbooks.Address{
			StreetAddress: req.Card.Address.StreetAddress,
			City:          req.Card.Address.City,
			Region:        req.Card.Address.Region,
			Country:       req.Card.Address.Country,
			PostalCode:    req.Card.Address.PostalCode,
		}
	}

	result, err := h.gateway.SubmitCharge(r.Context(), chargeReq)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Status != quickbooks.StatusCaptured {
		status = http.StatusOK
	}
	writeJSON(w, status, ChargeResponse{
		ID:       result.ID,
		Status:   result.Status,
		AuthCode: result.AuthCode,
	})
}

// CreateRefund handles POST /api/v1/charges/{id}/refunds
func (h *GatewayController) CreateRefund(w http.ResponseWriter, r *http.Request) {
	chargeID := chi.URLParam(r, "id")

	var req CreateRefundRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	amount := charge.Amount{ValueCents: req.AmountCents, Currency: req.Currency}
	result, err := h.gateway.SubmitRefund(r.Context(), chargeID, amount)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, RefundResponse{
		ID:       result.ID,
		ChargeID: chargeID,
		Status:   result.Status,
	})
}
