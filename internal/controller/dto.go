package controller

import (
	"maps"
	"time"

	"github.com/cassiomorais/venuepay/internal/breaker"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/cassiomorais/venuepay/internal/payment"
	"github.com/cassiomorais/venuepay/internal/transaction"
)

// --- Request DTOs ---
// Amounts are integers in the smallest currency unit; the gateway never sees floats.

// CreatePaymentRequest holds the input for opening a payment.
type CreatePaymentRequest struct {
	Amount   int64             `json:"amount" validate:"required,gt=0"`
	Currency string            `json:"currency" validate:"required,len=3,alpha"`
	VenueID  string            `json:"venue_id" validate:"omitempty,max=64"`
	OrderID  string            `json:"order_id" validate:"omitempty,max=128"`
	Metadata map[string]string `json:"metadata,omitempty" validate:"omitempty,max=20,dive,keys,max=40,endkeys,max=500"`
}

// intentMetadata merges the well-known fields into the free-form metadata.
// The authenticated caller always wins over a client-supplied userId.
func (r CreatePaymentRequest) intentMetadata(userID string) map[string]string {
	meta := maps.Clone(r.Metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	delete(meta, intent.MetaTransactionID)
	if r.VenueID != "" {
		meta[intent.MetaVenueID] = r.VenueID
	}
	if r.OrderID != "" {
		meta[intent.MetaOrderID] = r.OrderID
	}
	if userID != "" {
		meta[intent.MetaUserID] = userID
	}
	return meta
}

// ConfirmPaymentRequest names the transaction that opened the intent.
type ConfirmPaymentRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,uuid"`
}

// --- Response DTOs ---

// PaymentResponse represents an intent together with its transaction.
type PaymentResponse struct {
	IntentID      string `json:"intent_id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Gateway       string `json:"gateway"`
	Variant       string `json:"variant"`
}

// ValidationResponse reports a payment verified against the gateway.
type ValidationResponse struct {
	IntentID string `json:"intent_id"`
	Valid    bool   `json:"valid"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	VenueID  string `json:"venue_id"`
	OrderID  string `json:"order_id,omitempty"`
}

// WebhookResponse acknowledges a webhook delivery.
type WebhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Handled   bool   `json:"handled"`
	Duplicate bool   `json:"duplicate"`
}

// OperationResponse is one recorded transaction operation.
type OperationResponse struct {
	Type      string `json:"type"`
	Completed bool   `json:"completed"`
}

// TransactionResponse represents an active transaction.
type TransactionResponse struct {
	ID            string              `json:"id"`
	State         string              `json:"state"`
	Variant       string              `json:"variant,omitempty"`
	VenueID       string              `json:"venue_id,omitempty"`
	Operations    []OperationResponse `json:"operations"`
	Compensations []string            `json:"compensations"`
	StartedAt     time.Time           `json:"started_at"`
}

// BreakerResponse represents one circuit breaker.
type BreakerResponse struct {
	Service             string     `json:"service"`
	Venue               string     `json:"venue"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	HalfOpenAttempts    int        `json:"half_open_attempts"`
	LastTransition      *time.Time `json:"last_transition,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

// FromProcessResult converts a freshly opened payment to an API response.
func FromProcessResult(res *payment.ProcessResult, req CreatePaymentRequest, p *payment.Processor) *PaymentResponse {
	return &PaymentResponse{
		IntentID:      res.IntentID,
		TransactionID: res.TransactionID,
		Status:        string(res.Status),
		Amount:        req.Amount,
		Currency:      req.Currency,
		Gateway:       p.Gateway(),
		Variant:       p.Variant(),
	}
}

// FromIntent converts a gateway intent to an API response.
func FromIntent(in *intent.Intent, txID string, p *payment.Processor) *PaymentResponse {
	return &PaymentResponse{
		IntentID:      in.ID,
		TransactionID: txID,
		Status:        string(in.Status),
		Amount:        in.Amount,
		Currency:      in.Currency,
		Gateway:       p.Gateway(),
		Variant:       p.Variant(),
	}
}

// FromValidatedIntent converts a succeeded intent to a validation response.
func FromValidatedIntent(in *intent.Intent) *ValidationResponse {
	return &ValidationResponse{
		IntentID: in.ID,
		Valid:    in.Status == intent.StatusSucceeded,
		Status:   string(in.Status),
		Amount:   in.Amount,
		Currency: in.Currency,
		VenueID:  in.Venue(),
		OrderID:  in.Metadata[intent.MetaOrderID],
	}
}

// FromWebhookResult converts a webhook outcome to an acknowledgement.
func FromWebhookResult(res *payment.WebhookResult) *WebhookResponse {
	return &WebhookResponse{
		Received:  true,
		EventID:   res.EventID,
		Type:      res.Type,
		Handled:   res.Handled,
		Duplicate: res.Duplicate,
	}
}

// FromSnapshot converts a transaction snapshot. Operation data and
// compensation payloads stay internal.
func FromSnapshot(s *transaction.Snapshot) *TransactionResponse {
	resp := &TransactionResponse{
		ID:            s.ID,
		State:         string(s.State),
		Variant:       stringMeta(s.Context, "processorVariant"),
		VenueID:       stringMeta(s.Context, intent.MetaVenueID),
		Operations:    make([]OperationResponse, 0, len(s.Operations)),
		Compensations: make([]string, 0, len(s.Compensations)),
		StartedAt:     s.StartedAt,
	}
	for _, op := range s.Operations {
		resp.Operations = append(resp.Operations, OperationResponse{Type: op.Type, Completed: op.Completed})
	}
	for _, c := range s.Compensations {
		resp.Compensations = append(resp.Compensations, c.Kind)
	}
	return resp
}

// FromBreakerSnapshot converts a breaker snapshot.
func FromBreakerSnapshot(s breaker.Snapshot) BreakerResponse {
	resp := BreakerResponse{
		Service:             s.Service,
		Venue:               s.Venue,
		State:               s.State.String(),
		ConsecutiveFailures: s.ConsecutiveFailures,
		HalfOpenAttempts:    s.HalfOpenAttempts,
	}
	if !s.LastTransition.IsZero() {
		at := s.LastTransition
		resp.LastTransition = &at
	}
	return resp
}

func stringMeta(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}
