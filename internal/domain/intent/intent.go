package intent

import (
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/venuepay/internal/domain/errors"
)

// Status is the gateway-defined progression of a payment intent.
type Status string

const (
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusRequiresConfirmation  Status = "requires_confirmation"
	StatusRequiresCapture       Status = "requires_capture"
	StatusProcessing            Status = "processing"
	StatusSucceeded             Status = "succeeded"
	StatusCanceled              Status = "canceled"
	StatusFailed                Status = "failed"
)

// CaptureMethod controls when authorized funds are transferred.
type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)

// Metadata keys understood by the payment core.
const (
	MetaUserID        = "userId"
	MetaVenueID       = "venueId"
	MetaOrderID       = "orderId"
	MetaTransactionID = "transactionId"
)

// DefaultVenue keys breaker state for requests that carry no venue.
const DefaultVenue = "default"

// Intent is a reference to a gateway-owned payment intent.
type Intent struct {
	ID       string
	Amount   int64 // smallest currency unit
	Currency string
	Status   Status
	Metadata map[string]string
}

// IsTerminal reports whether the gateway will not move the intent further.
func (i *Intent) IsTerminal() bool {
	return i.Status == StatusSucceeded || i.Status == StatusCanceled || i.Status == StatusFailed
}

// Venue returns the tenant the intent belongs to.
func (i *Intent) Venue() string {
	return VenueOf(i.Metadata)
}

// VenueOf extracts the venue id from intent metadata.
func VenueOf(meta map[string]string) string {
	if v := strings.TrimSpace(meta[MetaVenueID]); v != "" {
		return v
	}
	return DefaultVenue
}

// Record is the local bookkeeping row kept for every intent created through a transaction.
type Record struct {
	IntentID      string
	TransactionID string
	Gateway       string
	VenueID       string
	UserID        string
	Amount        int64
	Currency      string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewRecord builds the local record for a freshly created intent.
func NewRecord(in *Intent, transactionID string) *Record {
	now := time.Now()
	return &Record{
		IntentID:      in.ID,
		TransactionID: transactionID,
		VenueID:       in.Venue(),
		UserID:        in.Metadata[MetaUserID],
		Amount:        in.Amount,
		Currency:      in.Currency,
		Status:        in.Status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ValidateAmount checks amount and currency of a new payment.
func ValidateAmount(amount int64, currency string) error {
	if amount <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if currency == "" {
		return errors.NewValidationError("currency", "cannot be empty")
	}
	if len(currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	return nil
}

// FormatAmount returns a human-readable representation of an amount.
func FormatAmount(amount int64, currency string) string {
	whole := amount / 100
	frac := amount % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, strings.ToUpper(currency))
}
