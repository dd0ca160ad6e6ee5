package repository

import (
	"context"
	"errors"
	"math/big"
	"time"

	"hypergate-backend/internal/models"
	"hypergate-backend/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormTransferRepository implements TransferRepository on Postgres via gorm.
type gormTransferRepository struct {
	db       *gorm.DB
	notifier Notifier
}

// NewGormTransferRepository creates the Postgres-backed transfer repository.
// notifier may be nil.
func NewGormTransferRepository(db *gorm.DB, notifier Notifier) TransferRepository {
	return &gormTransferRepository{db: db, notifier: notifier}
}

func (r *gormTransferRepository) Create(ctx context.Context, input *models.CreateTransferInput) (*models.Transfer, error) {
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

	if err := r.db.WithContext(ctx).Create(transfer).Error; err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"transfer_id":  transfer.ID,
		"user_address": transfer.UserAddress,
	}).Info("Transfer created")

	r.notify(EventTransferCreated, transfer)
	return transfer, nil
}

func (r *gormTransferRepository) GetByID(ctx context.Context, id string) (*models.Transfer, error) {
	var transfer models.Transfer
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (r *gormTransferRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Transfer, error) {
	normalized := utils.NormalizeTxHash(txHash)

	var transfer models.Transfer
	err := r.db.WithContext(ctx).
		Where("bridge_tx_hash = ? OR deposit_tx_hash = ?", normalized, normalized).
		First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (r *gormTransferRepository) ListByUser(ctx context.Context, userAddress string, page, limit int) ([]*models.Transfer, int64, error) {
	page, limit = ClampPagination(page, limit)
	normalized := utils.NormalizeAddress(userAddress)

	var total int64
	query := r.db.WithContext(ctx).Model(&models.Transfer{}).Where("user_address = ?", normalized)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var transfers []*models.Transfer
	offset := (page - 1) * limit
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&transfers).Error
	if err != nil {
		return nil, 0, err
	}

	return transfers, total, nil
}

func (r *gormTransferRepository) UpdateStatus(ctx context.Context, id string, update *models.StatusUpdateInput) (*models.Transfer, error) {
	if err := validateStatusUpdate(update); err != nil {
		return nil, err
	}

	var transfer models.Transfer
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row lock serializes concurrent updates to the same record so
		// the lifecycle and the reconciler cannot lose each other's write.
		// SQLite (tests) has no row locks; writes there serialize on the
		// database write lock instead.
		query := tx.Where("id = ?", id)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := query.First(&transfer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTransferNotFound
		}
		if err != nil {
			return err
		}

		var normalized string
		if update.TxHash != "" {
			normalized = utils.NormalizeTxHash(update.TxHash)

			// Duplicate event delivery: a hash already owned by a
			// different record makes this write a no-op returning the
			// record as it stands.
			var owner models.Transfer
			err := tx.Where("(bridge_tx_hash = ? OR deposit_tx_hash = ?) AND id <> ?", normalized, normalized, id).
				First(&owner).Error
			if err == nil {
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		transfer.Status = update.Status
		transfer.ErrorMessage = update.ErrorMessage
		transfer.UpdatedAt = time.Now().UTC()

		// Persist only the touched columns. A full-row save would write
		// empty strings into untouched hash columns, and their unique
		// indexes reject the second record that tries it.
		changes := map[string]interface{}{
			"status":        transfer.Status,
			"error_message": transfer.ErrorMessage,
			"updated_at":    transfer.UpdatedAt,
		}

		if normalized != "" {
			switch update.Status {
			case models.TransferStatusBridging:
				transfer.BridgeTxHash = normalized
				changes["bridge_tx_hash"] = normalized
			case models.TransferStatusDepositing, models.TransferStatusCompleted:
				transfer.DepositTxHash = normalized
				changes["deposit_tx_hash"] = normalized
			}
		}

		if update.Status == models.TransferStatusCompleted && transfer.CompletedAt == nil {
			now := transfer.UpdatedAt
			transfer.CompletedAt = &now
			changes["completed_at"] = transfer.CompletedAt
		}

		return tx.Model(&transfer).Updates(changes).Error
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"transfer_id": id,
		"status":      update.Status,
	}).Info("Transfer status updated")

	r.notify(EventTransferUpdated, &transfer)
	return &transfer, nil
}

func (r *gormTransferRepository) MarkStaleAsFailed(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	// Single UPDATE with status guards: records that left PENDING/BRIDGING
	// before the sweep reaches them are untouched, and concurrent sweeps
	// cannot double-count.
	result := r.db.WithContext(ctx).Model(&models.Transfer{}).
		Where("status IN ? AND created_at < ?",
			[]models.TransferStatus{models.TransferStatusPending, models.TransferStatusBridging}, cutoff).
		Updates(map[string]interface{}{
			"status":        models.TransferStatusFailed,
			"error_message": staleErrorMessage,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		logrus.WithField("cleaned", result.RowsAffected).Info("Marked stale transfers as failed")
	}
	return result.RowsAffected, nil
}

func (r *gormTransferRepository) GetRecent(ctx context.Context, limit int) ([]*models.Transfer, error) {
	if limit < 1 || limit > MaxPageSize {
		limit = 50
	}
	var transfers []*models.Transfer
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&transfers).Error
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

func (r *gormTransferRepository) AggregateStats(ctx context.Context) (*models.TransferStats, error) {
	stats := &models.TransferStats{
		ByStatus: make(map[models.TransferStatus]int64, len(models.ValidStatuses)),
	}
	for _, status := range models.ValidStatuses {
		stats.ByStatus[status] = 0
	}

	type statusCount struct {
		Status models.TransferStatus
		Count  int64
	}
	var counts []statusCount
	err := r.db.WithContext(ctx).Model(&models.Transfer{}).
		Select("status, count(*) as count").Group("status").Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.ByStatus[c.Status] = c.Count
		stats.Total += c.Count
	}

	var amounts []string
	err = r.db.WithContext(ctx).Model(&models.Transfer{}).
		Where("status = ?", models.TransferStatusCompleted).
		Pluck("destination_amount", &amounts).Error
	if err != nil {
		return nil, err
	}

	stats.TotalVolume = sumAtomicAmounts(amounts)
	return stats, nil
}

func (r *gormTransferRepository) Clear(ctx context.Context) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.Transfer{}).Error
}

func (r *gormTransferRepository) notify(event string, transfer *models.Transfer) {
	if r.notifier != nil {
		r.notifier.NotifyTransfer(event, transfer)
	}
}

// sumAtomicAmounts adds decimal amount strings with arbitrary precision,
// skipping malformed entries rather than aborting the aggregate.
func sumAtomicAmounts(amounts []string) string {
	total := new(big.Int)
	for _, amount := range amounts {
		value, ok := new(big.Int).SetString(amount, 10)
		if !ok || value.Sign() < 0 {
			logrus.WithField("amount", amount).Warn("Skipping malformed destination amount in volume aggregate")
			continue
		}
		total.Add(total, value)
	}
	return total.String()
}
