package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"hypergate-backend/internal/models"
	"hypergate-backend/internal/repository"
	"hypergate-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	handlerAddr = "0x5555000000000000000000000000000000000005"
	handlerHash = "0x" + "ff11223344556677889900aabbccddeeff00112233445566778899aabbccddee"
)

type stubVerifier struct {
	result *services.VerificationResult
	err    error
}

func (v *stubVerifier) VerifyTransaction(ctx context.Context, txHash string, expectedAmount *big.Int, expectedRecipient string) (*services.VerificationResult, error) {
	return v.result, v.err
}

func (v *stubVerifier) TokenBalance(ctx context.Context, account string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (v *stubVerifier) GasBalance(ctx context.Context, account string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func newTestAPI(t *testing.T, verifier services.ChainVerifier) (*gin.Engine, repository.TransferRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemoryTransferRepository(nil)
	if verifier == nil {
		verifier = &stubVerifier{result: &services.VerificationResult{Verified: true, Status: services.VerifyStatusSuccess}}
	}
	handler := NewTransferHandler(repo, verifier, services.NewWebSocketPushService())

	engine := gin.New()
	engine.POST("/api/transfers", handler.CreateTransfer)
	engine.GET("/api/transfers/stats", handler.GetStats)
	engine.GET("/api/transfers/user/:address", handler.ListUserTransfers)
	engine.GET("/api/transfers/:id", handler.GetTransfer)
	engine.PATCH("/api/transfers/:id/status", handler.UpdateStatus)
	engine.POST("/api/transfers/:id/bridge-success", handler.ConfirmBridgeSuccess)
	engine.POST("/api/transfers/:id/l1-success", handler.ConfirmDepositSuccess)
	engine.POST("/api/verify", handler.VerifyTransaction)

	return engine, repo
}

func doJSON(engine *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, path, bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(recorder, request)
	return recorder
}

func createBody() map[string]string {
	return map[string]string{
		"userAddress":               handlerAddr,
		"sourceChain":               "arbitrum",
		"sourceToken":               "0x0000000000000000000000000000000000000abc",
		"sourceAmount":              "5200000",
		"expectedDestinationAmount": "5150000",
	}
}

func TestCreateTransferEndpoint(t *testing.T) {
	engine, _ := newTestAPI(t, nil)

	recorder := doJSON(engine, http.MethodPost, "/api/transfers", createBody())
	require.Equal(t, http.StatusCreated, recorder.Code)

	var response struct {
		Success bool            `json:"success"`
		Data    models.Transfer `json:"data"`
		Meta    struct {
			Timestamp string `json:"timestamp"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.True(t, response.Success)
	assert.NotEmpty(t, response.Data.ID)
	assert.Equal(t, models.TransferStatusPending, response.Data.Status)
	assert.NotEmpty(t, response.Meta.Timestamp)
}

func TestCreateTransferRejectsMissingFields(t *testing.T) {
	engine, _ := newTestAPI(t, nil)

	body := createBody()
	delete(body, "sourceChain")
	recorder := doJSON(engine, http.MethodPost, "/api/transfers", body)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"success":false`)
}

func TestCreateTransferRejectsBadAddress(t *testing.T) {
	engine, _ := newTestAPI(t, nil)

	body := createBody()
	body["userAddress"] = "not-an-address"
	recorder := doJSON(engine, http.MethodPost, "/api/transfers", body)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGetTransferNotFound(t *testing.T) {
	engine, _ := newTestAPI(t, nil)

	recorder := doJSON(engine, http.MethodGet, "/api/transfers/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestListUserTransfersPaginationEnvelope(t *testing.T) {
	engine, repo := newTestAPI(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Create(ctx, &models.CreateTransferInput{
			UserAddress:               handlerAddr,
			SourceChain:               "base",
			SourceToken:               "0x0000000000000000000000000000000000000abc",
			SourceAmount:              fmt.Sprintf("%d", 1000000+i),
			ExpectedDestinationAmount: "990000",
		})
		require.NoError(t, err)
	}

	recorder := doJSON(engine, http.MethodGet, "/api/transfers/user/"+handlerAddr+"?page=3&limit=2", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Success    bool              `json:"success"`
		Data       []models.Transfer `json:"data"`
		Pagination struct {
			Page       int   `json:"page"`
			Limit      int   `json:"limit"`
			Total      int64 `json:"total"`
			TotalPages int64 `json:"totalPages"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.True(t, response.Success)
	assert.Len(t, response.Data, 1)
	assert.Equal(t, int64(5), response.Pagination.Total)
	assert.Equal(t, int64(3), response.Pagination.TotalPages)
}

func TestListUserTransfersOversizedLimitMatchesRows(t *testing.T) {
	engine, repo := newTestAPI(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Create(ctx, &models.CreateTransferInput{
			UserAddress:               handlerAddr,
			SourceChain:               "base",
			SourceToken:               "0x0000000000000000000000000000000000000abc",
			SourceAmount:              fmt.Sprintf("%d", 1000000+i),
			ExpectedDestinationAmount: "990000",
		})
		require.NoError(t, err)
	}

	recorder := doJSON(engine, http.MethodGet, "/api/transfers/user/"+handlerAddr+"?limit=500", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Data       []models.Transfer `json:"data"`
		Pagination struct {
			Page       int   `json:"page"`
			Limit      int   `json:"limit"`
			TotalPages int64 `json:"totalPages"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))

	// The echoed limit is the clamp the store applied, not the raw query.
	assert.Len(t, response.Data, 3)
	assert.Equal(t, repository.MaxPageSize, response.Pagination.Limit)
	assert.Equal(t, int64(1), response.Pagination.TotalPages)
}

func TestListUserTransfersRejectsBadAddress(t *testing.T) {
	engine, _ := newTestAPI(t, nil)

	recorder := doJSON(engine, http.MethodGet, "/api/transfers/user/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	engine, repo := newTestAPI(t, nil)

	transfer, err := repo.Create(context.Background(), &models.CreateTransferInput{
		UserAddress:               handlerAddr,
		SourceChain:               "base",
		SourceToken:               "0x0000000000000000000000000000000000000abc",
		SourceAmount:              "1000000",
		ExpectedDestinationAmount: "990000",
	})
	require.NoError(t, err)

	recorder := doJSON(engine, http.MethodPatch, "/api/transfers/"+transfer.ID+"/status", map[string]string{
		"status": "SHIPPED",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestBridgeSuccessRejectsUnverifiedTransaction(t *testing.T) {
	verifier := &stubVerifier{result: &services.VerificationResult{
		Verified: false,
		Status:   services.VerifyStatusNotFound,
		Error:    "transaction not found",
	}}
	engine, repo := newTestAPI(t, verifier)

	transfer, err := repo.Create(context.Background(), &models.CreateTransferInput{
		UserAddress:               handlerAddr,
		SourceChain:               "base",
		SourceToken:               "0x0000000000000000000000000000000000000abc",
		SourceAmount:              "1000000",
		ExpectedDestinationAmount: "990000",
	})
	require.NoError(t, err)

	recorder := doJSON(engine, http.MethodPost, "/api/transfers/"+transfer.ID+"/bridge-success", map[string]string{
		"txHash": handlerHash,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	unchanged, err := repo.GetByID(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusPending, unchanged.Status)
}

func TestDepositSuccessCompletesTransfer(t *testing.T) {
	engine, repo := newTestAPI(t, nil)

	transfer, err := repo.Create(context.Background(), &models.CreateTransferInput{
		UserAddress:               handlerAddr,
		SourceChain:               "base",
		SourceToken:               "0x0000000000000000000000000000000000000abc",
		SourceAmount:              "1000000",
		ExpectedDestinationAmount: "990000",
	})
	require.NoError(t, err)

	recorder := doJSON(engine, http.MethodPost, "/api/transfers/"+transfer.ID+"/l1-success", map[string]string{
		"txHash": handlerHash,
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	completed, err := repo.GetByID(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusCompleted, completed.Status)
	assert.Equal(t, handlerHash, completed.DepositTxHash)
	require.NotNil(t, completed.CompletedAt)
}

func TestDepositSuccessRejectsRevertedTransaction(t *testing.T) {
	verifier := &stubVerifier{result: &services.VerificationResult{
		Verified: false,
		Status:   services.VerifyStatusReverted,
		Error:    "transaction reverted",
	}}
	engine, repo := newTestAPI(t, verifier)

	transfer, err := repo.Create(context.Background(), &models.CreateTransferInput{
		UserAddress:               handlerAddr,
		SourceChain:               "base",
		SourceToken:               "0x0000000000000000000000000000000000000abc",
		SourceAmount:              "1000000",
		ExpectedDestinationAmount: "990000",
	})
	require.NoError(t, err)

	recorder := doJSON(engine, http.MethodPost, "/api/transfers/"+transfer.ID+"/l1-success", map[string]string{
		"txHash": handlerHash,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	unchanged, err := repo.GetByID(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusPending, unchanged.Status)
}

func TestVerifyEndpoint(t *testing.T) {
	verifier := &stubVerifier{result: &services.VerificationResult{
		Verified:    true,
		Status:      services.VerifyStatusSuccess,
		BlockNumber: 1234,
	}}
	engine, _ := newTestAPI(t, verifier)

	recorder := doJSON(engine, http.MethodPost, "/api/verify", map[string]string{
		"txHash": handlerHash,
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"verified":true`)

	recorder = doJSON(engine, http.MethodPost, "/api/verify", map[string]string{
		"txHash": "0xnothex",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestStatsEndpoint(t *testing.T) {
	engine, repo := newTestAPI(t, nil)
	ctx := context.Background()

	transfer, err := repo.Create(ctx, &models.CreateTransferInput{
		UserAddress:               handlerAddr,
		SourceChain:               "base",
		SourceToken:               "0x0000000000000000000000000000000000000abc",
		SourceAmount:              "1000000",
		ExpectedDestinationAmount: "990000",
	})
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, transfer.ID, &models.StatusUpdateInput{
		Status: models.TransferStatusCompleted,
		TxHash: handlerHash,
	})
	require.NoError(t, err)

	recorder := doJSON(engine, http.MethodGet, "/api/transfers/stats", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Data models.TransferStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, int64(1), response.Data.Total)
	assert.Equal(t, "990000", response.Data.TotalVolume)
}
