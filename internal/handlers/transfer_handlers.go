package handlers

import (
	"errors"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"hypergate-backend/internal/metrics"
	"hypergate-backend/internal/models"
	"hypergate-backend/internal/repository"
	"hypergate-backend/internal/services"
	"hypergate-backend/internal/utils"

	"github.com/gin-gonic/gin"
)

// TransferHandler serves the transfer API. It stays thin: validation and
// persistence live in the repository, chain reads in the verifier.
type TransferHandler struct {
	repo     repository.TransferRepository
	verifier services.ChainVerifier
	push     *services.WebSocketPushService
}

// NewTransferHandler wires the handler's dependencies.
func NewTransferHandler(repo repository.TransferRepository, verifier services.ChainVerifier, push *services.WebSocketPushService) *TransferHandler {
	return &TransferHandler{repo: repo, verifier: verifier, push: push}
}

func respondData(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
		"meta":    gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)},
	})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   message,
		"meta":    gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)},
	})
}

// CreateTransfer handles POST /api/transfers
func (h *TransferHandler) CreateTransfer(c *gin.Context) {
	var input models.CreateTransferInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	transfer, err := h.repo.Create(c.Request.Context(), &input)
	if err != nil {
		if repository.IsValidationError(err) {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("Failed to create transfer: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to create transfer")
		return
	}

	metrics.TransfersCreated.Inc()
	respondData(c, http.StatusCreated, transfer)
}

// GetTransfer handles GET /api/transfers/:id
func (h *TransferHandler) GetTransfer(c *gin.Context) {
	transfer, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrTransferNotFound) {
			respondError(c, http.StatusNotFound, "transfer not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load transfer")
		return
	}
	respondData(c, http.StatusOK, transfer)
}

// ListUserTransfers handles GET /api/transfers/user/:address
func (h *TransferHandler) ListUserTransfers(c *gin.Context) {
	address := c.Param("address")
	if !utils.IsEvmAddress(address) {
		respondError(c, http.StatusBadRequest, "invalid wallet address")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	// The store clamps the same way; echoing its result keeps the metadata
	// consistent with the rows actually returned.
	page, limit = repository.ClampPagination(page, limit)

	transfers, total, err := h.repo.ListByUser(c.Request.Context(), address, page, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list transfers")
		return
	}

	totalPages := (total + int64(limit) - 1) / int64(limit)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    transfers,
		"pagination": gin.H{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": totalPages,
		},
		"meta": gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)},
	})
}

// UpdateStatus handles PATCH /api/transfers/:id/status
func (h *TransferHandler) UpdateStatus(c *gin.Context) {
	var input models.StatusUpdateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	transfer, err := h.repo.UpdateStatus(c.Request.Context(), c.Param("id"), &input)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTransferNotFound):
			respondError(c, http.StatusNotFound, "transfer not found")
		case repository.IsValidationError(err):
			respondError(c, http.StatusBadRequest, err.Error())
		default:
			log.Printf("Failed to update transfer %s: %v", c.Param("id"), err)
			respondError(c, http.StatusInternalServerError, "failed to update transfer")
		}
		return
	}

	metrics.TransferStatusUpdates.WithLabelValues(string(transfer.Status)).Inc()
	respondData(c, http.StatusOK, transfer)
}

type bridgeSuccessRequest struct {
	TxHash string `json:"txHash" binding:"required"`
	Amount string `json:"amount"`
}

// ConfirmBridgeSuccess handles POST /api/transfers/:id/bridge-success. The
// reported bridge transaction is verified on chain before the record moves
// to DEPOSITING; an unverifiable hash is rejected outright.
func (h *TransferHandler) ConfirmBridgeSuccess(c *gin.Context) {
	var req bridgeSuccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !utils.IsTxHash(req.TxHash) {
		respondError(c, http.StatusBadRequest, "invalid transaction hash")
		return
	}

	var expectedAmount *big.Int
	if req.Amount != "" {
		parsed, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok {
			respondError(c, http.StatusBadRequest, "invalid amount")
			return
		}
		expectedAmount = parsed
	}

	result, err := h.verifier.VerifyTransaction(c.Request.Context(), req.TxHash, expectedAmount, "")
	if err != nil {
		log.Printf("Bridge verification errored for %s: %v", req.TxHash, err)
		respondError(c, http.StatusBadGateway, "chain verification unavailable")
		return
	}
	if !result.Verified {
		respondError(c, http.StatusBadRequest, "bridge transaction not verified: "+result.Error)
		return
	}

	transfer, err := h.repo.UpdateStatus(c.Request.Context(), c.Param("id"), &models.StatusUpdateInput{
		Status: models.TransferStatusBridging,
		TxHash: req.TxHash,
	})
	if err == nil {
		transfer, err = h.repo.UpdateStatus(c.Request.Context(), c.Param("id"), &models.StatusUpdateInput{
			Status: models.TransferStatusDepositing,
		})
	}
	if err != nil {
		if errors.Is(err, repository.ErrTransferNotFound) {
			respondError(c, http.StatusNotFound, "transfer not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to update transfer")
		return
	}

	respondData(c, http.StatusOK, transfer)
}

type depositSuccessRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}

// ConfirmDepositSuccess handles POST /api/transfers/:id/l1-success. The
// deposit hash is checked on chain best effort: a verification outage does
// not block completion, only a positively failed transaction does.
func (h *TransferHandler) ConfirmDepositSuccess(c *gin.Context) {
	var req depositSuccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !utils.IsTxHash(req.TxHash) {
		respondError(c, http.StatusBadRequest, "invalid transaction hash")
		return
	}

	result, err := h.verifier.VerifyTransaction(c.Request.Context(), req.TxHash, nil, "")
	if err != nil {
		log.Printf("Deposit verification unavailable for %s, completing anyway: %v", req.TxHash, err)
	} else if !result.Verified && result.Status == services.VerifyStatusReverted {
		respondError(c, http.StatusBadRequest, "deposit transaction reverted on chain")
		return
	}

	transfer, err := h.repo.UpdateStatus(c.Request.Context(), c.Param("id"), &models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: req.TxHash,
	})
	if err != nil {
		if errors.Is(err, repository.ErrTransferNotFound) {
			respondError(c, http.StatusNotFound, "transfer not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to update transfer")
		return
	}

	metrics.TransfersCompleted.Inc()
	respondData(c, http.StatusOK, transfer)
}

// GetStats handles GET /api/transfers/stats
func (h *TransferHandler) GetStats(c *gin.Context) {
	stats, err := h.repo.AggregateStats(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to aggregate stats")
		return
	}
	respondData(c, http.StatusOK, stats)
}

// GetRecent handles GET /api/transfers/recent, an operator endpoint behind
// the admin IP allowlist.
func (h *TransferHandler) GetRecent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > repository.MaxPageSize {
		limit = 20
	}

	transfers, err := h.repo.GetRecent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list recent transfers")
		return
	}
	respondData(c, http.StatusOK, transfers)
}

type verifyRequest struct {
	TxHash            string `json:"txHash" binding:"required"`
	ExpectedAmount    string `json:"expectedAmount"`
	ExpectedRecipient string `json:"expectedRecipient"`
}

// VerifyTransaction handles POST /api/verify, an on-demand chain check for
// support tooling.
func (h *TransferHandler) VerifyTransaction(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !utils.IsTxHash(req.TxHash) {
		respondError(c, http.StatusBadRequest, "invalid transaction hash")
		return
	}

	var expectedAmount *big.Int
	if req.ExpectedAmount != "" {
		parsed, ok := new(big.Int).SetString(req.ExpectedAmount, 10)
		if !ok {
			respondError(c, http.StatusBadRequest, "invalid expected amount")
			return
		}
		expectedAmount = parsed
	}
	if req.ExpectedRecipient != "" && !utils.IsEvmAddress(req.ExpectedRecipient) {
		respondError(c, http.StatusBadRequest, "invalid expected recipient")
		return
	}

	result, err := h.verifier.VerifyTransaction(c.Request.Context(), req.TxHash, expectedAmount, req.ExpectedRecipient)
	if err != nil {
		respondError(c, http.StatusBadGateway, "chain verification unavailable")
		return
	}
	respondData(c, http.StatusOK, result)
}

// SubscribeWebSocket handles GET /ws/:address
func (h *TransferHandler) SubscribeWebSocket(c *gin.Context) {
	address := c.Param("address")
	if !utils.IsEvmAddress(address) {
		respondError(c, http.StatusBadRequest, "invalid wallet address")
		return
	}
	h.push.HandleWebSocket(c.Writer, c.Request, address)
}
