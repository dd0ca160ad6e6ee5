package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"hypergate-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAddress = "0xAbCd000000000000000000000000000000000001"
	otherAddr   = "0x1111000000000000000000000000000000000002"
	bridgeHash  = "0x" + "aa11223344556677889900aabbccddeeff00112233445566778899aabbccddee"
	depositHash = "0x" + "bb11223344556677889900aabbccddeeff00112233445566778899aabbccddee"
)

func validInput(addr string) *models.CreateTransferInput {
	return &models.CreateTransferInput{
		UserAddress:               addr,
		SourceChain:               "arbitrum",
		SourceToken:               "0x0000000000000000000000000000000000000abc",
		SourceAmount:              "2500000000",
		ExpectedDestinationAmount: "2490000000",
	}
}

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) NotifyTransfer(event string, transfer *models.Transfer) {
	n.events = append(n.events, event)
}

func TestCreateAssignsIDAndNormalizesAddress(t *testing.T) {
	notifier := &recordingNotifier{}
	repo := NewMemoryTransferRepository(notifier)
	ctx := context.Background()

	transfer, err := repo.Create(ctx, validInput(testAddress))
	require.NoError(t, err)

	assert.NotEmpty(t, transfer.ID)
	assert.Equal(t, "0xabcd000000000000000000000000000000000001", transfer.UserAddress)
	assert.Equal(t, models.TransferStatusPending, transfer.Status)
	assert.Nil(t, transfer.CompletedAt)
	assert.Equal(t, []string{EventTransferCreated}, notifier.events)
}

func TestCreateRejectsBadInput(t *testing.T) {
	repo := NewMemoryTransferRepository(nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*models.CreateTransferInput)
	}{
		{"bad address", func(in *models.CreateTransferInput) { in.UserAddress = "not-an-address" }},
		{"missing chain", func(in *models.CreateTransferInput) { in.SourceChain = "" }},
		{"missing token", func(in *models.CreateTransferInput) { in.SourceToken = "" }},
		{"decimal amount", func(in *models.CreateTransferInput) { in.SourceAmount = "5.10" }},
		{"negative amount", func(in *models.CreateTransferInput) { in.SourceAmount = "-5" }},
		{"empty destination", func(in *models.CreateTransferInput) { in.ExpectedDestinationAmount = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := validInput(testAddress)
			tc.mutate(input)

			_, err := repo.Create(ctx, input)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestTxHashRoutingAcrossLifecycle(t *testing.T) {
	repo := NewMemoryTransferRepository(nil)
	ctx := context.Background()

	transfer, err := repo.Create(ctx, validInput(testAddress))
	require.NoError(t, err)

	updated, err := repo.UpdateStatus(ctx, transfer.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusBridging,
		TxHash: bridgeHash,
	})
	require.NoError(t, err)
	assert.Equal(t, bridgeHash, updated.BridgeTxHash)
	assert.Empty(t, updated.DepositTxHash)

	updated, err = repo.UpdateStatus(ctx, transfer.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: depositHash,
	})
	require.NoError(t, err)
	assert.Equal(t, bridgeHash, updated.BridgeTxHash)
	assert.Equal(t, depositHash, updated.DepositTxHash)
	require.NotNil(t, updated.CompletedAt)

	byBridge, err := repo.GetByTxHash(ctx, bridgeHash)
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, byBridge.ID)

	byDeposit, err := repo.GetByTxHash(ctx, depositHash)
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, byDeposit.ID)
}

func TestCompletedAtSetExactlyOnce(t *testing.T) {
	repo := NewMemoryTransferRepository(nil)
	ctx := context.Background()

	transfer, err := repo.Create(ctx, validInput(testAddress))
	require.NoError(t, err)

	first, err := repo.UpdateStatus(ctx, transfer.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: depositHash,
	})
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	time.Sleep(5 * time.Millisecond)
	second, err := repo.UpdateStatus(ctx, transfer.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: depositHash,
	})
	require.NoError(t, err)
	require.NotNil(t, second.CompletedAt)
	assert.True(t, first.CompletedAt.Equal(*second.CompletedAt))
}

func TestDuplicateHashOwnedByOtherRecordIsNoOp(t *testing.T) {
	repo := NewMemoryTransferRepository(nil)
	ctx := context.Background()

	owner, err := repo.Create(ctx, validInput(testAddress))
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, owner.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: depositHash,
	})
	require.NoError(t, err)

	other, err := repo.Create(ctx, validInput(otherAddr))
	require.NoError(t, err)

	result, err := repo.UpdateStatus(ctx, other.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: depositHash,
	})
	require.NoError(t, err)
	// The write must not steal the hash or change the record.
	assert.Equal(t, models.TransferStatusPending, result.Status)
	assert.Empty(t, result.DepositTxHash)

	lookup, err := repo.GetByTxHash(ctx, depositHash)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, lookup.ID)
}

func TestUpdateStatusValidation(t *testing.T) {
	repo := NewMemoryTransferRepository(nil)
	ctx := context.Background()

	transfer, err := repo.Create(ctx, validInput(testAddress))
	require.NoError(t, err)

	_, err = repo.UpdateStatus(ctx, transfer.ID, &models.StatusUpdateInput{Status: "SHIPPED"})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = repo.UpdateStatus(ctx, transfer.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusBridging,
		TxHash: "0x1234",
	})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = repo.UpdateStatus(ctx, "no-such-id", &models.StatusUpdateInput{
		Status: models.TransferStatusBridging,
	})
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestListByUserPagination(t *testing.T) {
	repo := NewMemoryTransferRepository(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Create(ctx, validInput(testAddress))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := repo.Create(ctx, validInput(otherAddr))
	require.NoError(t, err)

	var seen []string
	expected := []int{2, 2, 1}
	for page := 1; page <= 3; page++ {
		records, total, err := repo.ListByUser(ctx, testAddress, page, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, records, expected[page-1], "page %d", page)
		for _, record := range records {
			seen = append(seen, record.ID)
		}
	}

	// Newest first, no duplicates across pages.
	unique := make(map[string]bool)
	for _, id := range seen {
		assert.False(t, unique[id], "duplicate id %s across pages", id)
		unique[id] = true
	}
	assert.Len(t, unique, 5)

	empty, total, err := repo.ListByUser(ctx, testAddress, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Empty(t, empty)
}

func TestMarkStaleAsFailedSelectivity(t *testing.T) {
	repo := NewMemoryTransferRepository(nil).(*memoryTransferRepository)
	ctx := context.Background()

	age := func(id string, d time.Duration) {
		repo.mu.Lock()
		repo.byID[id].CreatedAt = time.Now().UTC().Add(-d)
		repo.mu.Unlock()
	}

	stalePending, _ := repo.Create(ctx, validInput(testAddress))
	age(stalePending.ID, time.Hour)

	staleBridging, _ := repo.Create(ctx, validInput(testAddress))
	_, err := repo.UpdateStatus(ctx, staleBridging.ID, &models.StatusUpdateInput{Status: models.TransferStatusBridging})
	require.NoError(t, err)
	age(staleBridging.ID, time.Hour)

	staleDepositing, _ := repo.Create(ctx, validInput(testAddress))
	_, err = repo.UpdateStatus(ctx, staleDepositing.ID, &models.StatusUpdateInput{Status: models.TransferStatusDepositing})
	require.NoError(t, err)
	age(staleDepositing.ID, time.Hour)

	freshPending, _ := repo.Create(ctx, validInput(testAddress))

	count, err := repo.MarkStaleAsFailed(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	for id, want := range map[string]models.TransferStatus{
		stalePending.ID:    models.TransferStatusFailed,
		staleBridging.ID:   models.TransferStatusFailed,
		staleDepositing.ID: models.TransferStatusDepositing,
		freshPending.ID:    models.TransferStatusPending,
	} {
		got, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "record %s", id)
	}

	failed, err := repo.GetByID(ctx, stalePending.ID)
	require.NoError(t, err)
	assert.Equal(t, staleErrorMessage, failed.ErrorMessage)
}

func TestAggregateStatsSkipsMalformedAmounts(t *testing.T) {
	repo := NewMemoryTransferRepository(nil).(*memoryTransferRepository)
	ctx := context.Background()

	for i, amount := range []string{"1000000", "2000000", "garbage"} {
		input := validInput(testAddress)
		input.ExpectedDestinationAmount = "1"
		transfer, err := repo.Create(ctx, input)
		require.NoError(t, err)

		repo.mu.Lock()
		repo.byID[transfer.ID].Status = models.TransferStatusCompleted
		repo.byID[transfer.ID].DestinationAmount = amount
		repo.mu.Unlock()
		_ = i
	}
	pending, err := repo.Create(ctx, validInput(otherAddr))
	require.NoError(t, err)
	_ = pending

	stats, err := repo.AggregateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(3), stats.ByStatus[models.TransferStatusCompleted])
	assert.Equal(t, int64(1), stats.ByStatus[models.TransferStatusPending])
	assert.Equal(t, "3000000", stats.TotalVolume)
}

func TestGetRecentOrdersNewestFirst(t *testing.T) {
	repo := NewMemoryTransferRepository(nil)
	ctx := context.Background()

	var last string
	for i := 0; i < 4; i++ {
		transfer, err := repo.Create(ctx, validInput(fmt.Sprintf("0x%040d", i)))
		require.NoError(t, err)
		last = transfer.ID
		time.Sleep(time.Millisecond)
	}

	recent, err := repo.GetRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, last, recent[0].ID)
}
