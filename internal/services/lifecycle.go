package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"hypergate-backend/internal/config"
	"hypergate-backend/internal/metrics"
	"hypergate-backend/internal/models"
	"hypergate-backend/internal/repository"

	"github.com/sirupsen/logrus"
)

// LifecycleState is the client-observable progression of one transfer.
type LifecycleState string

const (
	StateIdle        LifecycleState = "IDLE"
	StateQuoting     LifecycleState = "QUOTING"
	StateSafetyGuard LifecycleState = "SAFETY_GUARD"
	StateBridging    LifecycleState = "BRIDGING"
	StateDepositing  LifecycleState = "DEPOSITING"
	StateSuccess     LifecycleState = "SUCCESS"
)

// LifecycleError is the orthogonal error channel. It can be set alongside
// any state and must be cleared before re-entering the happy path.
type LifecycleError string

const (
	ErrNone         LifecycleError = ""
	ErrBelowMinimum LifecycleError = "BELOW_MINIMUM"
	ErrNoGas        LifecycleError = "NO_GAS"
	ErrBridgeFailed LifecycleError = "BRIDGE_FAILED"
	ErrDepositFail  LifecycleError = "DEPOSIT_FAILED"
)

// ErrInvalidTransition is returned when a requested transition is not legal
// from the current snapshot.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrCancelNotAllowed is returned for cancellation attempts after an
// on-chain action has been dispatched.
var ErrCancelNotAllowed = errors.New("cannot cancel after a transaction was dispatched")

// Snapshot is the immutable state of one lifecycle. Transitions are pure
// functions returning the next snapshot; side effects happen in the Runner
// around them.
type Snapshot struct {
	State          LifecycleState
	Err            LifecycleError
	Quote          *RouteQuote
	Payload        *SafetyGuardPayload
	RealizedAmount *big.Int // atomic units observed on chain after bridging
	RiskArmed      bool     // first acknowledgment of an unsafe transfer
	TransferID     string
}

// NewSnapshot returns the initial IDLE snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{State: StateIdle}
}

// beginQuote moves IDLE to QUOTING. Requires a clear error channel.
func beginQuote(s Snapshot) (Snapshot, error) {
	if s.State != StateIdle || s.Err != ErrNone {
		return s, ErrInvalidTransition
	}
	s.State = StateQuoting
	return s, nil
}

// attachQuote moves QUOTING to SAFETY_GUARD with the guard payload attached.
func attachQuote(s Snapshot, quote *RouteQuote, payload SafetyGuardPayload) (Snapshot, error) {
	if s.State != StateQuoting {
		return s, ErrInvalidTransition
	}
	s.State = StateSafetyGuard
	s.Quote = quote
	s.Payload = &payload
	s.RiskArmed = false
	return s, nil
}

// accept moves SAFETY_GUARD to BRIDGING. A safe payload proceeds on the
// first acceptance. An unsafe payload requires two: the first arms the
// action, the second executes it. This is the only thing standing between
// the operator and a burned deposit.
func accept(s Snapshot) (Snapshot, error) {
	if s.State != StateSafetyGuard || s.Payload == nil {
		return s, ErrInvalidTransition
	}
	if !s.Payload.IsSafe && !s.RiskArmed {
		s.RiskArmed = true
		return s, nil
	}
	s.State = StateBridging
	s.RiskArmed = false
	return s, nil
}

// cancel returns to IDLE. Legal only before anything was dispatched.
func cancel(s Snapshot) (Snapshot, error) {
	switch s.State {
	case StateIdle, StateQuoting, StateSafetyGuard:
		return NewSnapshot(), nil
	default:
		return s, ErrCancelNotAllowed
	}
}

// bridgeSettled moves BRIDGING to DEPOSITING carrying the realized amount.
func bridgeSettled(s Snapshot, realized *big.Int) (Snapshot, error) {
	if s.State != StateBridging {
		return s, ErrInvalidTransition
	}
	s.State = StateDepositing
	s.RealizedAmount = realized
	return s, nil
}

// bridgeFailed returns BRIDGING to IDLE with BRIDGE_FAILED set. Funds stay
// at the source; a plain retry from IDLE recovers.
func bridgeFailed(s Snapshot) (Snapshot, error) {
	if s.State != StateBridging {
		return s, ErrInvalidTransition
	}
	s.State = StateIdle
	s.Err = ErrBridgeFailed
	return s, nil
}

// depositConfirmed moves DEPOSITING to SUCCESS.
func depositConfirmed(s Snapshot) (Snapshot, error) {
	if s.State != StateDepositing {
		return s, ErrInvalidTransition
	}
	s.State = StateSuccess
	s.Err = ErrNone
	return s, nil
}

// depositFailed keeps DEPOSITING and sets the error channel. Funds are one
// hop short of the destination, so the state is retained for a deposit-only
// retry; noGas selects the gas top-up recovery path.
func depositFailed(s Snapshot, noGas bool) (Snapshot, error) {
	if s.State != StateDepositing {
		return s, ErrInvalidTransition
	}
	if noGas {
		s.Err = ErrNoGas
	} else {
		s.Err = ErrDepositFail
	}
	return s, nil
}

// retryDeposit clears a deposit-side error and re-enters DEPOSITING with the
// last realized amount. The bridge leg is never re-run from here.
func retryDeposit(s Snapshot) (Snapshot, error) {
	if s.State != StateDepositing || (s.Err != ErrDepositFail && s.Err != ErrNoGas) {
		return s, ErrInvalidTransition
	}
	if s.RealizedAmount == nil {
		return s, fmt.Errorf("%w: no realized amount recorded", ErrInvalidTransition)
	}
	s.Err = ErrNone
	return s, nil
}

// Quoter obtains a route quote from the bridge-routing engine.
type Quoter interface {
	QuoteRoute(ctx context.Context, input *models.CreateTransferInput) (*RouteQuote, error)
}

// Runner owns one transfer's lifecycle and performs the side effects around
// each pure transition: quoting, on-chain re-validation, and asynchronous
// status persistence. Persistence failures are logged and never block the
// on-chain path; losing a status write must not mean losing the funds.
type Runner struct {
	repo     repository.TransferRepository
	guard    *SafetyGuard
	quoter   Quoter
	verifier ChainVerifier
	balances BalanceWaiter

	input    *models.CreateTransferInput
	snapshot Snapshot
}

// BalanceWaiter re-validates the bridged balance on the destination chain.
type BalanceWaiter interface {
	WaitForBridgedAmount(ctx context.Context, account string, reported *big.Int) (*big.Int, error)
}

// BridgedBalancePoller adapts BlockchainService's balance polling to the
// lifecycle's BalanceWaiter with the configured interval and deadline.
type BridgedBalancePoller struct {
	chain        *BlockchainService
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewBridgedBalancePoller builds a poller from the deposit settings.
func NewBridgedBalancePoller(chain *BlockchainService, deposits *config.DepositConfig) *BridgedBalancePoller {
	return &BridgedBalancePoller{
		chain:        chain,
		pollInterval: deposits.BalancePollInterval(),
		maxWait:      deposits.BalanceMaxWait(),
	}
}

func (p *BridgedBalancePoller) WaitForBridgedAmount(ctx context.Context, account string, reported *big.Int) (*big.Int, error) {
	return p.chain.WaitForBridgedBalance(ctx, account, reported, p.pollInterval, p.maxWait)
}

const persistTimeout = 10 * time.Second

func contextWithPersistTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}

// NewRunner creates a lifecycle runner for one prospective transfer.
func NewRunner(repo repository.TransferRepository, guard *SafetyGuard, quoter Quoter, verifier ChainVerifier, balances BalanceWaiter, input *models.CreateTransferInput) *Runner {
	return &Runner{
		repo:     repo,
		guard:    guard,
		quoter:   quoter,
		verifier: verifier,
		balances: balances,
		input:    input,
		snapshot: NewSnapshot(),
	}
}

// Snapshot returns the current lifecycle snapshot.
func (r *Runner) Snapshot() Snapshot {
	return r.snapshot
}

// RequestQuote drives IDLE through QUOTING to SAFETY_GUARD.
func (r *Runner) RequestQuote(ctx context.Context) (Snapshot, error) {
	next, err := beginQuote(r.snapshot)
	if err != nil {
		return r.snapshot, err
	}
	r.snapshot = next

	quote, err := r.quoter.QuoteRoute(ctx, r.input)
	if err != nil {
		// Quoting touched nothing on chain; fall straight back to IDLE.
		r.snapshot = NewSnapshot()
		return r.snapshot, fmt.Errorf("route quote failed: %w", err)
	}

	payload := r.guard.Evaluate(quote)
	next, err = attachQuote(r.snapshot, quote, payload)
	if err != nil {
		return r.snapshot, err
	}
	if !payload.IsSafe {
		next.Err = ErrBelowMinimum
	}
	r.snapshot = next
	return r.snapshot, nil
}

// Accept acknowledges the safety guard. Unsafe transfers need two calls.
// When the acceptance actually executes, a PENDING record is created and
// moved to BRIDGING.
func (r *Runner) Accept(ctx context.Context) (Snapshot, error) {
	if r.snapshot.Err == ErrBelowMinimum {
		// BELOW_MINIMUM blocks the happy path but not the armed override.
		r.snapshot.Err = ErrNone
	}
	next, err := accept(r.snapshot)
	if err != nil {
		return r.snapshot, err
	}
	r.snapshot = next

	if r.snapshot.State != StateBridging {
		// First acknowledgment of an unsafe transfer: armed, not executed.
		r.snapshot.Err = ErrBelowMinimum
		return r.snapshot, nil
	}

	if r.snapshot.TransferID == "" {
		transfer, err := r.repo.Create(ctx, r.input)
		if err != nil {
			return r.snapshot, err
		}
		r.snapshot.TransferID = transfer.ID
	}
	return r.snapshot, nil
}

// Cancel aborts before any transaction was dispatched.
func (r *Runner) Cancel() (Snapshot, error) {
	next, err := cancel(r.snapshot)
	if err != nil {
		return r.snapshot, err
	}
	r.snapshot = next
	return r.snapshot, nil
}

// OnBridgeStarted records the bridge transaction hash once it is dispatched.
func (r *Runner) OnBridgeStarted(txHash string) Snapshot {
	r.persistStatus(&models.StatusUpdateInput{
		Status: models.TransferStatusBridging,
		TxHash: txHash,
	})
	return r.snapshot
}

// OnBridgeCompleted handles the routing engine's completion report. The
// reported amount is never trusted as-is: the destination balance is
// re-read, and when the observed balance is lower but nonzero the lower
// value is substituted. A zero observed balance fails the bridge leg.
func (r *Runner) OnBridgeCompleted(ctx context.Context, reported *big.Int) (Snapshot, error) {
	if r.snapshot.State != StateBridging {
		return r.snapshot, ErrInvalidTransition
	}

	observed, err := r.balances.WaitForBridgedAmount(ctx, r.input.UserAddress, reported)
	if err != nil {
		logrus.WithError(err).Warn("Bridged balance re-validation errored")
	}

	if observed == nil || observed.Sign() == 0 {
		next, terr := bridgeFailed(r.snapshot)
		if terr != nil {
			return r.snapshot, terr
		}
		r.snapshot = next
		metrics.LifecycleFailures.WithLabelValues(string(ErrBridgeFailed)).Inc()
		r.persistStatus(&models.StatusUpdateInput{
			Status:       models.TransferStatusFailed,
			ErrorMessage: "bridge completed but no funds observed on destination",
		})
		return r.snapshot, nil
	}

	realized := observed
	if reported != nil && observed.Cmp(reported) > 0 {
		// Only ever substitute downward. A higher observed balance may
		// include unrelated funds already sitting at the address.
		realized = reported
	}

	next, err := bridgeSettled(r.snapshot, realized)
	if err != nil {
		return r.snapshot, err
	}
	r.snapshot = next
	r.persistStatus(&models.StatusUpdateInput{Status: models.TransferStatusDepositing})
	return r.snapshot, nil
}

// OnBridgeFailed handles a routing engine failure report. Funds remain at
// the source.
func (r *Runner) OnBridgeFailed() (Snapshot, error) {
	next, err := bridgeFailed(r.snapshot)
	if err != nil {
		return r.snapshot, err
	}
	r.snapshot = next
	metrics.LifecycleFailures.WithLabelValues(string(ErrBridgeFailed)).Inc()
	r.persistStatus(&models.StatusUpdateInput{
		Status:       models.TransferStatusFailed,
		ErrorMessage: "bridge transaction failed",
	})
	return r.snapshot, nil
}

// OnDepositConfirmed handles confirmation of the core deposit transaction.
func (r *Runner) OnDepositConfirmed(txHash string) (Snapshot, error) {
	next, err := depositConfirmed(r.snapshot)
	if err != nil {
		return r.snapshot, err
	}
	r.snapshot = next
	metrics.TransfersCompleted.Inc()
	r.persistStatus(&models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: txHash,
	})
	return r.snapshot, nil
}

// OnDepositFailed handles a failed deposit leg. Funds already arrived at
// the intermediate address, so the record stays DEPOSITING and recovery is
// a deposit-only retry, never a bridge re-run.
func (r *Runner) OnDepositFailed(ctx context.Context) (Snapshot, error) {
	noGas := r.detectNoGas(ctx)
	next, err := depositFailed(r.snapshot, noGas)
	if err != nil {
		return r.snapshot, err
	}
	r.snapshot = next
	metrics.LifecycleFailures.WithLabelValues(string(r.snapshot.Err)).Inc()

	message := "deposit transaction failed, funds at intermediate address"
	if noGas {
		message = "deposit failed: insufficient gas token balance"
	}
	r.persistStatus(&models.StatusUpdateInput{
		Status:       models.TransferStatusDepositing,
		ErrorMessage: message,
	})
	return r.snapshot, nil
}

// RetryDeposit clears a deposit-side error and re-enters the deposit leg
// with the last realized amount.
func (r *Runner) RetryDeposit() (Snapshot, error) {
	next, err := retryDeposit(r.snapshot)
	if err != nil {
		return r.snapshot, err
	}
	r.snapshot = next
	return r.snapshot, nil
}

// RealizedAmount returns the amount the deposit retry must use.
func (r *Runner) RealizedAmount() *big.Int {
	return r.snapshot.RealizedAmount
}

func (r *Runner) detectNoGas(ctx context.Context) bool {
	if r.verifier == nil {
		return false
	}
	balance, err := r.verifier.GasBalance(ctx, r.input.UserAddress)
	if err != nil {
		logrus.WithError(err).Warn("Gas balance check failed")
		return false
	}
	return balance.Sign() == 0
}

// persistStatus records a status change asynchronously. The on-chain action
// is already underway or done; a failed write is logged, not propagated.
func (r *Runner) persistStatus(update *models.StatusUpdateInput) {
	transferID := r.snapshot.TransferID
	if transferID == "" {
		return
	}
	go func() {
		ctx, cancelFn := contextWithPersistTimeout()
		defer cancelFn()
		if _, err := r.repo.UpdateStatus(ctx, transferID, update); err != nil {
			logrus.WithFields(logrus.Fields{
				"transfer_id": transferID,
				"status":      update.Status,
				"error":       err,
			}).Error("Failed to persist lifecycle status")
		}
	}()
}
