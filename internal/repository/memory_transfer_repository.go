package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"hypergate-backend/internal/models"
	"hypergate-backend/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// memoryTransferRepository implements TransferRepository in process memory.
// It backs the service when no database DSN is configured and carries the
// same contract as the Postgres implementation, including hash uniqueness
// and linearizable per-record updates.
type memoryTransferRepository struct {
	mu       sync.RWMutex
	byID     map[string]*models.Transfer
	byUser   map[string][]string // user address -> record ids, insertion order
	byTxHash map[string]string   // normalized hash -> record id
	notifier Notifier
}

// NewMemoryTransferRepository creates the volatile transfer repository.
// notifier may be nil.
func NewMemoryTransferRepository(notifier Notifier) TransferRepository {
	return &memoryTransferRepository{
		byID:     make(map[string]*models.Transfer),
		byUser:   make(map[string][]string),
		byTxHash: make(map[string]string),
		notifier: notifier,
	}
}

func (r *memoryTransferRepository) Create(ctx context.Context, input *models.CreateTransferInput) (*models.Transfer, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	transfer := &models.Transfer{
		ID:                uuid.NewString(),
		UserAddress:       utils.NormalizeAddress(input.UserAddress),
		SourceChain:       input.SourceChain,
		SourceToken:       input.SourceToken,
		SourceAmount:      input.SourceAmount,
		DestinationAmount: input.ExpectedDestinationAmount,
		Status:            models.TransferStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	r.mu.Lock()
	r.byID[transfer.ID] = transfer
	r.byUser[transfer.UserAddress] = append(r.byUser[transfer.UserAddress], transfer.ID)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"transfer_id":  transfer.ID,
		"user_address": transfer.UserAddress,
	}).Info("Transfer created")

	r.notify(EventTransferCreated, transfer)
	return copyTransfer(transfer), nil
}

func (r *memoryTransferRepository) GetByID(ctx context.Context, id string) (*models.Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	transfer, ok := r.byID[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return copyTransfer(transfer), nil
}

func (r *memoryTransferRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Transfer, error) {
	normalized := utils.NormalizeTxHash(txHash)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byTxHash[normalized]
	if !ok {
		return nil, ErrTransferNotFound
	}
	transfer, ok := r.byID[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return copyTransfer(transfer), nil
}

func (r *memoryTransferRepository) ListByUser(ctx context.Context, userAddress string, page, limit int) ([]*models.Transfer, int64, error) {
	page, limit = ClampPagination(page, limit)
	normalized := utils.NormalizeAddress(userAddress)

	r.mu.RLock()
	ids := r.byUser[normalized]
	all := make([]*models.Transfer, 0, len(ids))
	for _, id := range ids {
		if transfer, ok := r.byID[id]; ok {
			all = append(all, transfer)
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return []*models.Transfer{}, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	pageRecords := make([]*models.Transfer, 0, end-start)
	for _, transfer := range all[start:end] {
		pageRecords = append(pageRecords, copyTransfer(transfer))
	}
	return pageRecords, total, nil
}

func (r *memoryTransferRepository) UpdateStatus(ctx context.Context, id string, update *models.StatusUpdateInput) (*models.Transfer, error) {
	if err := validateStatusUpdate(update); err != nil {
		return nil, err
	}

	r.mu.Lock()
	transfer, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrTransferNotFound
	}

	if update.TxHash != "" {
		normalized := utils.NormalizeTxHash(update.TxHash)
		if ownerID, exists := r.byTxHash[normalized]; exists && ownerID != id {
			// Duplicate event delivery for a hash another record owns.
			result := copyTransfer(transfer)
			r.mu.Unlock()
			return result, nil
		}

		switch update.Status {
		case models.TransferStatusBridging:
			transfer.BridgeTxHash = normalized
		case models.TransferStatusDepositing, models.TransferStatusCompleted:
			transfer.DepositTxHash = normalized
		}
		r.byTxHash[normalized] = id
	}

	transfer.Status = update.Status
	transfer.ErrorMessage = update.ErrorMessage
	transfer.UpdatedAt = time.Now().UTC()
	if update.Status == models.TransferStatusCompleted && transfer.CompletedAt == nil {
		now := transfer.UpdatedAt
		transfer.CompletedAt = &now
	}

	result := copyTransfer(transfer)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"transfer_id": id,
		"status":      update.Status,
	}).Info("Transfer status updated")

	r.notify(EventTransferUpdated, result)
	return result, nil
}

func (r *memoryTransferRepository) MarkStaleAsFailed(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	r.mu.Lock()
	var cleaned int64
	for _, transfer := range r.byID {
		if transfer.Status != models.TransferStatusPending && transfer.Status != models.TransferStatusBridging {
			continue
		}
		if !transfer.CreatedAt.Before(cutoff) {
			continue
		}
		transfer.Status = models.TransferStatusFailed
		transfer.ErrorMessage = staleErrorMessage
		transfer.UpdatedAt = time.Now().UTC()
		cleaned++
	}
	r.mu.Unlock()

	if cleaned > 0 {
		logrus.WithField("cleaned", cleaned).Info("Marked stale transfers as failed")
	}
	return cleaned, nil
}

func (r *memoryTransferRepository) GetRecent(ctx context.Context, limit int) ([]*models.Transfer, error) {
	if limit < 1 || limit > MaxPageSize {
		limit = 50
	}

	r.mu.RLock()
	all := make([]*models.Transfer, 0, len(r.byID))
	for _, transfer := range r.byID {
		all = append(all, transfer)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}

	recent := make([]*models.Transfer, 0, len(all))
	for _, transfer := range all {
		recent = append(recent, copyTransfer(transfer))
	}
	return recent, nil
}

func (r *memoryTransferRepository) AggregateStats(ctx context.Context) (*models.TransferStats, error) {
	stats := &models.TransferStats{
		ByStatus: make(map[models.TransferStatus]int64, len(models.ValidStatuses)),
	}
	for _, status := range models.ValidStatuses {
		stats.ByStatus[status] = 0
	}

	r.mu.RLock()
	var completedAmounts []string
	for _, transfer := range r.byID {
		stats.ByStatus[transfer.Status]++
		stats.Total++
		if transfer.Status == models.TransferStatusCompleted {
			completedAmounts = append(completedAmounts, transfer.DestinationAmount)
		}
	}
	r.mu.RUnlock()

	stats.TotalVolume = sumAtomicAmounts(completedAmounts)
	return stats, nil
}

func (r *memoryTransferRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	r.byID = make(map[string]*models.Transfer)
	r.byUser = make(map[string][]string)
	r.byTxHash = make(map[string]string)
	r.mu.Unlock()
	return nil
}

func (r *memoryTransferRepository) notify(event string, transfer *models.Transfer) {
	if r.notifier != nil {
		r.notifier.NotifyTransfer(event, transfer)
	}
}

func copyTransfer(t *models.Transfer) *models.Transfer {
	dup := *t
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		dup.CompletedAt = &completed
	}
	return &dup
}
