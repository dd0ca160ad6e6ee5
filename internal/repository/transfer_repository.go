package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hypergate-backend/internal/models"
	"hypergate-backend/internal/utils"
)

// ErrTransferNotFound is returned when no record matches the given id or hash.
var ErrTransferNotFound = errors.New("transfer not found")

// ValidationError marks client-fixable input problems on create.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Notifier receives lifecycle events emitted by the store on create and
// status updates. Delivery is best-effort; implementations must not block.
type Notifier interface {
	NotifyTransfer(event string, transfer *models.Transfer)
}

// Lifecycle event names emitted through the Notifier.
const (
	EventTransferCreated = "transfer.created"
	EventTransferUpdated = "transfer.updated"
)

// TransferRepository is the persistence contract for transfer records. The
// Postgres and in-memory backends satisfy it identically; the backend is
// selected once at startup.
type TransferRepository interface {
	// Create assigns an id, normalizes the user address, and stores the
	// record in PENDING. Fails only with a ValidationError.
	Create(ctx context.Context, input *models.CreateTransferInput) (*models.Transfer, error)

	GetByID(ctx context.Context, id string) (*models.Transfer, error)

	// GetByTxHash matches either the bridge or the deposit hash,
	// normalized lower-case.
	GetByTxHash(ctx context.Context, txHash string) (*models.Transfer, error)

	// ListByUser returns records newest-first with offset pagination and
	// the total count. Limit is capped at MaxPageSize.
	ListByUser(ctx context.Context, userAddress string, page, limit int) ([]*models.Transfer, int64, error)

	// UpdateStatus applies a status change atomically with respect to
	// concurrent updates of the same record. TxHash routing: BRIDGING
	// writes bridgeTxHash, DEPOSITING and COMPLETED write depositTxHash.
	// CompletedAt is set exactly once, on the transition into COMPLETED.
	// A hash already owned by another record makes the write a no-op.
	UpdateStatus(ctx context.Context, id string, update *models.StatusUpdateInput) (*models.Transfer, error)

	// MarkStaleAsFailed force-fails records still PENDING or BRIDGING past
	// maxAge and returns how many changed. DEPOSITING is deliberately left
	// alone: those funds are in flight and need a recovery path, not a
	// silent failure.
	MarkStaleAsFailed(ctx context.Context, maxAge time.Duration) (int64, error)

	// GetRecent returns the newest records across all users, for monitoring.
	GetRecent(ctx context.Context, limit int) ([]*models.Transfer, error)

	// AggregateStats sums COMPLETED destination amounts with arbitrary
	// precision, skipping individually malformed amount strings.
	AggregateStats(ctx context.Context) (*models.TransferStats, error)

	// Clear wipes all records. Testing only.
	Clear(ctx context.Context) error
}

const (
	// MaxPageSize bounds ListByUser responses.
	MaxPageSize = 100

	defaultPageSize = 10

	staleErrorMessage = "Transfer timed out"
)

// ClampPagination normalizes a page request to what ListByUser will actually
// serve, so callers can echo accurate pagination metadata.
func ClampPagination(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func validateCreateInput(input *models.CreateTransferInput) error {
	if !utils.IsEvmAddress(input.UserAddress) {
		return &ValidationError{Field: "userAddress", Reason: "must be a 0x-prefixed 40 hex char address"}
	}
	if input.SourceChain == "" {
		return &ValidationError{Field: "sourceChain", Reason: "required"}
	}
	if input.SourceToken == "" {
		return &ValidationError{Field: "sourceToken", Reason: "required"}
	}
	if !utils.IsAtomicAmount(input.SourceAmount) {
		return &ValidationError{Field: "sourceAmount", Reason: "must be a non-negative integer string"}
	}
	if !utils.IsAtomicAmount(input.ExpectedDestinationAmount) {
		return &ValidationError{Field: "expectedDestinationAmount", Reason: "must be a non-negative integer string"}
	}
	return nil
}

func validateStatusUpdate(update *models.StatusUpdateInput) error {
	if !update.Status.IsValid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", update.Status)}
	}
	if update.TxHash != "" && !utils.IsTxHash(update.TxHash) {
		return &ValidationError{Field: "txHash", Reason: "must be a 0x-prefixed 64 hex char hash"}
	}
	return nil
}
