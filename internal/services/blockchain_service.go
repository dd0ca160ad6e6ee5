package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"hypergate-backend/internal/config"
	"hypergate-backend/internal/utils"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)").
var erc20TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// erc20BalanceOfSelector is the 4-byte selector of balanceOf(address).
var erc20BalanceOfSelector = common.Hex2Bytes("70a08231")

// DepositEvent is one observed arrival of USDC at the asset bridge.
type DepositEvent struct {
	TxHash      string
	UserAddress string
	Amount      *big.Int
	BlockNumber uint64
}

// Verification status labels.
const (
	VerifyStatusSuccess  = "success"
	VerifyStatusReverted = "reverted"
	VerifyStatusNotFound = "not_found"
)

// VerificationResult is the outcome of an on-chain transaction check.
type VerificationResult struct {
	Verified    bool     `json:"verified"`
	Status      string   `json:"status"`
	BlockNumber uint64   `json:"blockNumber"`
	Amount      *big.Int `json:"amount,omitempty"`
	Recipient   string   `json:"recipient,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ChainVerifier is the subset of chain access the lifecycle and the webhook
// handlers need. BlockchainService implements it; tests substitute fakes.
type ChainVerifier interface {
	VerifyTransaction(ctx context.Context, txHash string, expectedAmount *big.Int, expectedRecipient string) (*VerificationResult, error)
	TokenBalance(ctx context.Context, account string) (*big.Int, error)
	GasBalance(ctx context.Context, account string) (*big.Int, error)
}

// ErrNoSubscriptionTransport reports that no websocket endpoint was
// configured, so log subscriptions are unavailable and callers must poll.
var ErrNoSubscriptionTransport = errors.New("no websocket transport configured")

// BlockchainService reads confirmed state from HyperEVM. It holds one client
// per configured RPC endpoint and fails over between them per call. When a
// websocket endpoint is configured a separate client serves log subscriptions.
type BlockchainService struct {
	network  config.NetworkConfig
	clients  []*ethclient.Client
	wsClient *ethclient.Client
	usdc     common.Address
	bridge   common.Address
}

// NewBlockchainService dials every configured RPC endpoint. At least one
// endpoint must connect; the rest are kept for failover.
func NewBlockchainService(network config.NetworkConfig) (*BlockchainService, error) {
	service := &BlockchainService{
		network: network,
		usdc:    common.HexToAddress(network.USDCContract),
		bridge:  common.HexToAddress(network.AssetBridge),
	}

	for _, endpoint := range network.RPCEndpoints {
		client, err := ethclient.Dial(endpoint)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"error":    err,
			}).Warn("Failed to dial RPC endpoint, trying next")
			continue
		}
		service.clients = append(service.clients, client)
	}

	if len(service.clients) == 0 {
		return nil, fmt.Errorf("no RPC endpoint reachable for %s", network.Name)
	}

	if network.WSEndpoint != "" {
		client, err := ethclient.Dial(network.WSEndpoint)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"endpoint": network.WSEndpoint,
				"error":    err,
			}).Warn("Failed to dial websocket endpoint, deposit watcher will poll")
		} else {
			service.wsClient = client
		}
	}

	logrus.WithFields(logrus.Fields{
		"network": network.Name,
		"clients": len(service.clients),
	}).Info("Blockchain clients initialized")
	return service, nil
}

// Close releases all RPC connections.
func (s *BlockchainService) Close() {
	for _, client := range s.clients {
		client.Close()
	}
	if s.wsClient != nil {
		s.wsClient.Close()
	}
}

// Ready reports whether the chain is reachable, for the readiness probe.
func (s *BlockchainService) Ready(ctx context.Context) bool {
	_, err := s.latestBlock(ctx)
	return err == nil
}

func (s *BlockchainService) latestBlock(ctx context.Context) (uint64, error) {
	var lastErr error
	for _, client := range s.clients {
		number, err := client.BlockNumber(ctx)
		if err == nil {
			return number, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("all RPC endpoints failed: %w", lastErr)
}

// VerifyTransaction checks that a claimed transaction exists, succeeded, and
// (when expectations are given) moved at least the expected amount to the
// expected recipient. Webhook handlers reject claims this does not confirm.
func (s *BlockchainService) VerifyTransaction(ctx context.Context, txHash string, expectedAmount *big.Int, expectedRecipient string) (*VerificationResult, error) {
	if !utils.IsTxHash(txHash) {
		return &VerificationResult{Verified: false, Error: "malformed transaction hash"}, nil
	}
	hash := common.HexToHash(txHash)

	var receipt *types.Receipt
	var lastErr error
	for _, client := range s.clients {
		receipt, lastErr = client.TransactionReceipt(ctx, hash)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		if lastErr == ethereum.NotFound {
			return &VerificationResult{Verified: false, Status: VerifyStatusNotFound, Error: "transaction not found"}, nil
		}
		return nil, fmt.Errorf("receipt lookup failed: %w", lastErr)
	}

	result := &VerificationResult{
		Status:      VerifyStatusSuccess,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		result.Status = VerifyStatusReverted
		result.Error = "transaction reverted"
		return result, nil
	}

	amount, recipient := s.decodeTransfer(receipt.Logs)
	if amount != nil {
		result.Amount = amount
		result.Recipient = recipient
	}

	if expectedAmount != nil {
		if amount == nil {
			result.Error = "no token transfer found in transaction"
			return result, nil
		}
		if amount.Cmp(expectedAmount) < 0 {
			result.Error = fmt.Sprintf("transferred amount %s below expected %s", amount, expectedAmount)
			return result, nil
		}
	}
	if expectedRecipient != "" && !strings.EqualFold(recipient, expectedRecipient) {
		result.Error = fmt.Sprintf("transfer recipient %s does not match expected %s", recipient, expectedRecipient)
		return result, nil
	}

	result.Verified = true
	return result, nil
}

// decodeTransfer finds the first USDC Transfer log in a receipt and returns
// its amount and recipient.
func (s *BlockchainService) decodeTransfer(logs []*types.Log) (*big.Int, string) {
	for _, record := range logs {
		if record.Address != s.usdc {
			continue
		}
		if len(record.Topics) != 3 || record.Topics[0] != erc20TransferTopic {
			continue
		}
		to := common.BytesToAddress(record.Topics[2].Bytes())
		amount := new(big.Int).SetBytes(record.Data)
		return amount, strings.ToLower(to.Hex())
	}
	return nil, ""
}

// TokenBalance reads the USDC balance of an account via eth_call.
func (s *BlockchainService) TokenBalance(ctx context.Context, account string) (*big.Int, error) {
	callData := make([]byte, 0, 36)
	callData = append(callData, erc20BalanceOfSelector...)
	callData = append(callData, common.LeftPadBytes(common.HexToAddress(account).Bytes(), 32)...)

	msg := ethereum.CallMsg{To: &s.usdc, Data: callData}

	var lastErr error
	for _, client := range s.clients {
		raw, err := client.CallContract(ctx, msg, nil)
		if err == nil {
			return new(big.Int).SetBytes(raw), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("balanceOf call failed: %w", lastErr)
}

// GasBalance reads the native gas-token balance of an account, used to
// distinguish a NO_GAS deposit failure from other failures.
func (s *BlockchainService) GasBalance(ctx context.Context, account string) (*big.Int, error) {
	addr := common.HexToAddress(account)

	var lastErr error
	for _, client := range s.clients {
		balance, err := client.BalanceAt(ctx, addr, nil)
		if err == nil {
			return balance, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("balance lookup failed: %w", lastErr)
}

// depositQuery matches USDC Transfer events whose recipient is the asset
// bridge, regardless of sender.
func (s *BlockchainService) depositQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{s.usdc},
		Topics: [][]common.Hash{
			{erc20TransferTopic},
			nil,
			{common.BytesToHash(common.LeftPadBytes(s.bridge.Bytes(), 32))},
		},
	}
}

// depositFromLog decodes one matched log into a DepositEvent, resolving the
// depositor from the transfer sender. Reorged logs are dropped.
func depositFromLog(record types.Log) (DepositEvent, bool) {
	if record.Removed || len(record.Topics) != 3 {
		return DepositEvent{}, false
	}
	from := common.BytesToAddress(record.Topics[1].Bytes())
	return DepositEvent{
		TxHash:      strings.ToLower(record.TxHash.Hex()),
		UserAddress: strings.ToLower(from.Hex()),
		Amount:      new(big.Int).SetBytes(record.Data),
		BlockNumber: record.BlockNumber,
	}, true
}

// FilterDeposits returns USDC Transfer events into the asset bridge between
// two blocks.
func (s *BlockchainService) FilterDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]DepositEvent, error) {
	query := s.depositQuery()
	query.FromBlock = new(big.Int).SetUint64(fromBlock)
	query.ToBlock = new(big.Int).SetUint64(toBlock)

	var logs []types.Log
	var lastErr error
	for _, client := range s.clients {
		logs, lastErr = client.FilterLogs(ctx, query)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("log filter failed: %w", lastErr)
	}

	events := make([]DepositEvent, 0, len(logs))
	for _, record := range logs {
		if event, ok := depositFromLog(record); ok {
			events = append(events, event)
		}
	}
	return events, nil
}

// SubscribeDeposits streams bridge deposit events over the websocket
// endpoint into out. Transport failures surface on the returned
// subscription's Err channel; the caller resubscribes. Returns
// ErrNoSubscriptionTransport when no websocket endpoint is configured.
func (s *BlockchainService) SubscribeDeposits(ctx context.Context, out chan<- DepositEvent) (ethereum.Subscription, error) {
	if s.wsClient == nil {
		return nil, ErrNoSubscriptionTransport
	}

	logs := make(chan types.Log, 64)
	sub, err := s.wsClient.SubscribeFilterLogs(ctx, s.depositQuery(), logs)
	if err != nil {
		return nil, fmt.Errorf("log subscription failed: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case record := <-logs:
				event, ok := depositFromLog(record)
				if !ok {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// LatestBlock exposes the chain head for the watcher's polling cursor.
func (s *BlockchainService) LatestBlock(ctx context.Context) (uint64, error) {
	return s.latestBlock(ctx)
}

// WaitForBridgedBalance polls the destination USDC balance until it reaches
// minimum or maxWait elapses, returning the last observed balance either way.
// Polling replaces a fixed settle delay: balance visibility after a bridge is
// not bounded by any single constant.
func (s *BlockchainService) WaitForBridgedBalance(ctx context.Context, account string, minimum *big.Int, pollInterval, maxWait time.Duration) (*big.Int, error) {
	deadline := time.Now().Add(maxWait)
	interval := pollInterval

	var observed *big.Int
	for {
		balance, err := s.TokenBalance(ctx, account)
		if err == nil {
			observed = balance
			if minimum != nil && balance.Cmp(minimum) >= 0 {
				return balance, nil
			}
		} else {
			logrus.WithError(err).Warn("Bridged balance read failed, retrying")
		}

		if time.Now().After(deadline) {
			if observed == nil {
				return nil, fmt.Errorf("balance unavailable after %v", maxWait)
			}
			return observed, nil
		}

		select {
		case <-ctx.Done():
			return observed, ctx.Err()
		case <-time.After(interval):
		}

		// Back off gradually; chain reads get no cheaper under load.
		if interval < 10*time.Second {
			interval = interval * 3 / 2
		}
	}
}
