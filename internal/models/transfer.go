package models

import (
	"time"
)

// TransferStatus persisted transfer record status enum
type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "PENDING"    // record created, nothing on chain yet
	TransferStatusBridging   TransferStatus = "BRIDGING"   // cross-chain bridge transaction dispatched
	TransferStatusDepositing TransferStatus = "DEPOSITING" // funds on HyperEVM, core deposit in flight
	TransferStatusCompleted  TransferStatus = "COMPLETED"  // funds live in the trading account
	TransferStatusFailed     TransferStatus = "FAILED"     // terminal failure, errorMessage set
)

// ValidStatuses lists every persistable status, used for request validation.
var ValidStatuses = []TransferStatus{
	TransferStatusPending,
	TransferStatusBridging,
	TransferStatusDepositing,
	TransferStatusCompleted,
	TransferStatusFailed,
}

// IsValid reports whether s is a known transfer status.
func (s TransferStatus) IsValid() bool {
	for _, valid := range ValidStatuses {
		if s == valid {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TransferStatus) Terminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusFailed
}

// Transfer is one bridge-and-deposit attempt, whether initiated through the
// API or observed on chain by the reconciler. Amounts are decimal strings in
// atomic token units.
type Transfer struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserAddress string `json:"user_address" gorm:"index;not null;type:varchar(42)"` // stored lower-case

	SourceChain       string `json:"source_chain" gorm:"not null"`
	SourceToken       string `json:"source_token" gorm:"not null"`
	SourceAmount      string `json:"source_amount" gorm:"not null"`
	DestinationAmount string `json:"destination_amount" gorm:"not null"`

	// Each hash is set exactly once and owned by exactly one record; the
	// unique indexes make duplicate chain-event deliveries no-ops.
	BridgeTxHash  string `json:"bridge_tx_hash,omitempty" gorm:"uniqueIndex;type:varchar(66);default:null"`
	DepositTxHash string `json:"deposit_tx_hash,omitempty" gorm:"uniqueIndex;type:varchar(66);default:null"`

	Status       TransferStatus `json:"status" gorm:"index;not null"`
	ErrorMessage string         `json:"error_message,omitempty" gorm:"type:text"`

	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (Transfer) TableName() string {
	return "transfers"
}

// CreateTransferInput is the payload accepted by the create endpoint.
type CreateTransferInput struct {
	UserAddress               string `json:"userAddress" binding:"required"`
	SourceChain               string `json:"sourceChain" binding:"required"`
	SourceToken               string `json:"sourceToken" binding:"required"`
	SourceAmount              string `json:"sourceAmount" binding:"required"`
	ExpectedDestinationAmount string `json:"expectedDestinationAmount" binding:"required"`
}

// StatusUpdateInput is the payload accepted by the status endpoint and the
// webhooks. TxHash routing depends on Status: BRIDGING writes bridgeTxHash,
// DEPOSITING and COMPLETED write depositTxHash.
type StatusUpdateInput struct {
	Status       TransferStatus `json:"status" binding:"required"`
	TxHash       string         `json:"txHash,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// TransferStats aggregate view over all records.
type TransferStats struct {
	Total       int64                    `json:"total"`
	ByStatus    map[TransferStatus]int64 `json:"byStatus"`
	TotalVolume string                   `json:"totalVolume"` // atomic units, arbitrary precision
}
