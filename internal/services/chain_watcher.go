package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"hypergate-backend/internal/config"
	"hypergate-backend/internal/metrics"
	"hypergate-backend/internal/models"
	"hypergate-backend/internal/repository"

	"github.com/ethereum/go-ethereum"
	"github.com/sirupsen/logrus"
)

// DepositSource is the chain access the watcher needs. BlockchainService
// implements it; tests substitute a fake log stream.
type DepositSource interface {
	FilterDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]DepositEvent, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// DepositSubscriber is implemented by sources that can push events over a
// live subscription. The watcher prefers it and falls back to polling when
// the source reports no subscription transport.
type DepositSubscriber interface {
	SubscribeDeposits(ctx context.Context, out chan<- DepositEvent) (ethereum.Subscription, error)
}

const (
	watcherPollInterval = 15 * time.Second
	watcherMaxBackoff   = 2 * time.Minute
	seenHashLimit       = 10000
	unknownSourceChain  = "unknown"
)

// ChainWatcher follows USDC transfers into the asset bridge and reconciles
// them against the transfer store. It also owns the periodic sweep that
// fails transfers stuck in a non-terminal status.
//
// Exactly one watcher runs per process; reconciliation is serialized so
// duplicate events cannot race each other.
type ChainWatcher struct {
	repo    repository.TransferRepository
	source  DepositSource
	sweep   time.Duration
	maxAge  time.Duration
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool

	lastBlock uint64
	seen      map[string]struct{}
}

// NewChainWatcher builds a watcher from the deposit settings.
func NewChainWatcher(repo repository.TransferRepository, source DepositSource, deposits *config.DepositConfig) *ChainWatcher {
	return &ChainWatcher{
		repo:   repo,
		source: source,
		sweep:  deposits.SweepInterval(),
		maxAge: deposits.StaleMaxAge(),
		stopCh: make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
}

// Start launches the event poll loop and the stale sweep loop.
func (w *ChainWatcher) Start() {
	if w.started {
		return
	}
	w.started = true

	w.wg.Add(2)
	go w.watchLoop()
	go w.sweepLoop()

	logrus.WithFields(logrus.Fields{
		"sweep_interval": w.sweep,
		"stale_max_age":  w.maxAge,
	}).Info("Chain watcher started")
}

// Stop signals both loops and waits for them to exit.
func (w *ChainWatcher) Stop() {
	if !w.started {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	logrus.Info("Chain watcher stopped")
}

func (w *ChainWatcher) watchLoop() {
	defer w.wg.Done()

	if subscriber, ok := w.source.(DepositSubscriber); ok {
		if w.subscribeLoop(subscriber) {
			return
		}
		// Fell through: the source has no subscription transport.
	}
	w.pollLoop()
}

// subscribeLoop maintains a live event subscription, resubscribing with
// backoff on transport failure. Returns true when stopped, false when the
// source cannot subscribe at all and the watcher should poll instead.
func (w *ChainWatcher) subscribeLoop(source DepositSubscriber) bool {
	backoff := time.Second
	for {
		select {
		case <-w.stopCh:
			return true
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		events := make(chan DepositEvent, 64)
		sub, err := source.SubscribeDeposits(ctx, events)
		if err != nil {
			cancel()
			if errors.Is(err, ErrNoSubscriptionTransport) {
				logrus.Info("No websocket endpoint, deposit watcher polling for events")
				return false
			}
			logrus.WithError(err).Warn("Deposit subscription failed, retrying")
			metrics.WatcherReconnects.Inc()
			select {
			case <-w.stopCh:
				return true
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > watcherMaxBackoff {
				backoff = watcherMaxBackoff
			}
			continue
		}
		backoff = time.Second
		logrus.Info("Subscribed to deposit events")

		w.consumeSubscription(sub, events)
		sub.Unsubscribe()
		cancel()

		select {
		case <-w.stopCh:
			return true
		default:
		}

		metrics.WatcherReconnects.Inc()
		// Fill the gap between the dropped subscription and the new one.
		if err := w.pollOnce(); err != nil {
			logrus.WithError(err).Warn("Gap fill after resubscribe failed")
		}
	}
}

// consumeSubscription reconciles pushed events until the subscription errors
// or the watcher stops. The block cursor tracks delivered events so a later
// gap fill does not rescan what the subscription already covered.
func (w *ChainWatcher) consumeSubscription(sub ethereum.Subscription, events <-chan DepositEvent) {
	for {
		select {
		case <-w.stopCh:
			return
		case err := <-sub.Err():
			if err != nil {
				logrus.WithError(err).Warn("Deposit subscription dropped")
			}
			return
		case event := <-events:
			metrics.DepositEventsObserved.Inc()
			if event.BlockNumber > w.lastBlock {
				w.lastBlock = event.BlockNumber
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.Reconcile(ctx, event)
			cancel()
		}
	}
}

func (w *ChainWatcher) pollLoop() {
	backoff := watcherPollInterval
	for {
		select {
		case <-w.stopCh:
			return
		case <-time.After(backoff):
		}

		if err := w.pollOnce(); err != nil {
			logrus.WithError(err).Warn("Deposit event poll failed")
			metrics.WatcherReconnects.Inc()
			// Double up to the cap; a healthy poll resets below.
			backoff *= 2
			if backoff > watcherMaxBackoff {
				backoff = watcherMaxBackoff
			}
			continue
		}
		backoff = watcherPollInterval
	}
}

func (w *ChainWatcher) pollOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	latest, err := w.source.LatestBlock(ctx)
	if err != nil {
		return err
	}

	if w.lastBlock == 0 {
		// First poll: start at the tip. Historical events belong to the
		// operator's backfill tooling, not the live watcher.
		w.lastBlock = latest
		return nil
	}
	if latest <= w.lastBlock {
		return nil
	}

	events, err := w.source.FilterDeposits(ctx, w.lastBlock+1, latest)
	if err != nil {
		return err
	}
	w.lastBlock = latest

	for _, event := range events {
		metrics.DepositEventsObserved.Inc()
		w.Reconcile(ctx, event)
	}
	return nil
}

// Reconcile folds one on-chain deposit event into the store. Delivery of
// the same event any number of times converges on the same record state.
func (w *ChainWatcher) Reconcile(ctx context.Context, event DepositEvent) {
	if event.TxHash == "" {
		return
	}
	if _, ok := w.seen[event.TxHash]; ok {
		metrics.DepositEventsReconciled.WithLabelValues("duplicate").Inc()
		return
	}
	w.rememberHash(event.TxHash)

	transfer, err := w.repo.GetByTxHash(ctx, event.TxHash)
	switch {
	case err == nil:
		w.completeKnown(ctx, transfer, event)
	case errors.Is(err, repository.ErrTransferNotFound):
		w.recordUnknown(ctx, event)
	default:
		logrus.WithFields(logrus.Fields{
			"tx_hash": event.TxHash,
			"error":   err,
		}).Error("Deposit event lookup failed")
	}
}

func (w *ChainWatcher) completeKnown(ctx context.Context, transfer *models.Transfer, event DepositEvent) {
	if transfer.Status == models.TransferStatusCompleted {
		metrics.DepositEventsReconciled.WithLabelValues("already_completed").Inc()
		return
	}

	_, err := w.repo.UpdateStatus(ctx, transfer.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: event.TxHash,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"transfer_id": transfer.ID,
			"tx_hash":     event.TxHash,
			"error":       err,
		}).Error("Failed to complete transfer from chain event")
		return
	}

	metrics.DepositEventsReconciled.WithLabelValues("completed").Inc()
	logrus.WithFields(logrus.Fields{
		"transfer_id": transfer.ID,
		"tx_hash":     event.TxHash,
	}).Info("Transfer completed from chain event")
}

// recordUnknown creates a record for a deposit the API never saw, for
// example a user sending USDC straight to the bridge. The record starts
// PENDING like any other and is immediately completed with the event hash.
func (w *ChainWatcher) recordUnknown(ctx context.Context, event DepositEvent) {
	amount := "0"
	if event.Amount != nil {
		amount = event.Amount.String()
	}

	transfer, err := w.repo.Create(ctx, &models.CreateTransferInput{
		UserAddress:               event.UserAddress,
		SourceChain:               unknownSourceChain,
		SourceToken:               "USDC",
		SourceAmount:              amount,
		ExpectedDestinationAmount: amount,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"tx_hash": event.TxHash,
			"user":    event.UserAddress,
			"error":   err,
		}).Error("Failed to record unknown deposit")
		return
	}

	_, err = w.repo.UpdateStatus(ctx, transfer.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: event.TxHash,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"transfer_id": transfer.ID,
			"tx_hash":     event.TxHash,
			"error":       err,
		}).Error("Failed to complete unknown deposit record")
		return
	}

	metrics.DepositEventsReconciled.WithLabelValues("created").Inc()
	logrus.WithFields(logrus.Fields{
		"transfer_id": transfer.ID,
		"tx_hash":     event.TxHash,
		"user":        event.UserAddress,
	}).Info("Recorded deposit with no prior transfer record")
}

func (w *ChainWatcher) rememberHash(txHash string) {
	if len(w.seen) >= seenHashLimit {
		// The map only guards against short-window duplicate delivery;
		// dropping it wholesale is fine, reconciliation is idempotent.
		w.seen = make(map[string]struct{})
	}
	w.seen[txHash] = struct{}{}
}

func (w *ChainWatcher) sweepLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.SweepStale()
		}
	}
}

// SweepStale fails every transfer stuck in PENDING or BRIDGING past the
// configured age. DEPOSITING records are left alone, funds are already on
// the destination chain and a deposit retry can still finish them.
func (w *ChainWatcher) SweepStale() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := w.repo.MarkStaleAsFailed(ctx, w.maxAge)
	if err != nil {
		logrus.WithError(err).Error("Stale transfer sweep failed")
		return
	}
	if count > 0 {
		metrics.StaleTransfersFailed.Add(float64(count))
		logrus.WithField("count", count).Warn("Marked stale transfers as failed")
	}
}
