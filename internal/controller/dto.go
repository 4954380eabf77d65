package controller

// --- Request DTOs ---
// These DTOs handle HTTP/JSON concerns (validation tags, wire field names).
// Amounts travel as integer minor units so money never passes through a
// float. Card fields are forwarded to the provider and never persisted.

// CardRequest holds the card fields for a charge.
type CardRequest struct {
	Number   string          `json:"number" validate:"required,numeric,min=12,max=19"`
	ExpMonth string          `json:"exp_month" validate:"required,len=2,numeric"`
	ExpYear  string          `json:"exp_year" validate:"required,len=4,numeric"`
	CVC      string          `json:"cvc" validate:"required,min=3,max=4,numeric"`
	Name     string          `json:"name" validate:"required"`
	Address  *AddressRequest `json:"address,omitempty"`
}

// AddressRequest is the optional billing address block.
type AddressRequest struct {
	StreetAddress string `json:"street_address"`
	City          string `json:"city"`
	Region        string `json:"region"`
	Country       string `json:"country"`
	PostalCode    string `json:"postal_code"`
}

// CreateChargeRequest holds the input for submitting a charge.
type CreateChargeRequest struct {
	AmountCents int64       `json:"amount_cents" validate:"required,gt=0"`
	Currency    string      `json:"currency" validate:"required,len=3"`
	Card        CardRequest `json:"card" validate:"required"`
}

// CreateRefundRequest holds the input for refunding a charge.
type CreateRefundRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

// --- Response DTOs ---

// ChargeResponse represents a charge result in API responses.
type ChargeResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	AuthCode string `json:"auth_code,omitempty"`
}

// RefundResponse represents a refund result in API responses.
type RefundResponse struct {
	ID       string `json:"id"`
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"`
}

// ConnectResponse carries the provider authorize URL.
type ConnectResponse struct {
	AuthorizeURL string `json:"authorize_url"`
}

// ConnectionResponse reports the gateway connection status.
type ConnectionResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
