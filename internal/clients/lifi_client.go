package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"hypergate-backend/internal/config"
	"hypergate-backend/internal/models"
	"hypergate-backend/internal/services"
)

// LiFiClient LI.FI routing API client
type LiFiClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLiFiClient creates a new LI.FI client
func NewLiFiClient() *LiFiClient {
	return &LiFiClient{
		baseURL: "https://li.quest/v1",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// LiFiQuoteRequest represents a LI.FI quote request
type LiFiQuoteRequest struct {
	FromChain   string `json:"fromChain"`
	ToChain     string `json:"toChain"`
	FromToken   string `json:"fromToken"`
	ToToken     string `json:"toToken"`
	FromAmount  string `json:"fromAmount"`
	FromAddress string `json:"fromAddress,omitempty"`
	ToAddress   string `json:"toAddress,omitempty"`
}

// LiFiQuoteResponse represents a LI.FI quote response
type LiFiQuoteResponse struct {
	Type   string `json:"type"`
	Id     string `json:"id"`
	Tool   string `json:"tool"`
	Action struct {
		FromChainId int    `json:"fromChainId"`
		ToChainId   int    `json:"toChainId"`
		FromToken   Token  `json:"fromToken"`
		ToToken     Token  `json:"toToken"`
		FromAmount  string `json:"fromAmount"`
		ToAmount    string `json:"toAmount"`
		Slippage    string `json:"slippage"`
	} `json:"action"`
	Estimate struct {
		Tool              string    `json:"tool"`
		FromAmount        string    `json:"fromAmount"`
		FromAmountUSD     string    `json:"fromAmountUSD"`
		ToAmount          string    `json:"toAmount"`
		ToAmountMin       string    `json:"toAmountMin"`
		ToAmountUSD       string    `json:"toAmountUSD"`
		ApprovalAddress   string    `json:"approvalAddress"`
		ExecutionDuration int       `json:"executionDuration"` // seconds
		FeeCosts          []FeeCost `json:"feeCosts"`
		GasCosts          []GasCost `json:"gasCosts"`
	} `json:"estimate"`
	TransactionRequest interface{} `json:"transactionRequest,omitempty"`
}

// Token represents a token
type Token struct {
	Address  string `json:"address"`
	ChainId  int    `json:"chainId"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Name     string `json:"name"`
	PriceUSD string `json:"priceUSD"`
}

// FeeCost represents fee cost
type FeeCost struct {
	Name      string `json:"name"`
	Amount    string `json:"amount"`
	AmountUSD string `json:"amountUSD"`
	Token     Token  `json:"token"`
}

// GasCost represents gas cost
type GasCost struct {
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	AmountUSD string `json:"amountUSD"`
	Token     Token  `json:"token"`
	Estimate  string `json:"estimate"`
	Limit     string `json:"limit"`
}

// GetQuote gets a quote from LI.FI
func (c *LiFiClient) GetQuote(ctx context.Context, req *LiFiQuoteRequest) (*LiFiQuoteResponse, error) {
	params := url.Values{}
	params.Add("fromChain", req.FromChain)
	params.Add("toChain", req.ToChain)
	params.Add("fromToken", req.FromToken)
	params.Add("toToken", req.ToToken)
	params.Add("fromAmount", req.FromAmount)

	if req.FromAddress != "" {
		params.Add("fromAddress", req.FromAddress)
	}
	if req.ToAddress != "" {
		params.Add("toAddress", req.ToAddress)
	}

	reqURL := fmt.Sprintf("%s/quote?%s", c.baseURL, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("LiFi API error (status %d): %s", resp.StatusCode, string(body))
	}

	var quoteResp LiFiQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quoteResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &quoteResp, nil
}

// LiFiRouter turns raw LI.FI quotes into the USD route figures the safety
// guard evaluates. It quotes routes into the configured destination chain
// and USDC contract only.
type LiFiRouter struct {
	client      *LiFiClient
	destChainID int64
	usdc        string
}

// NewLiFiRouter builds a router against the destination network settings.
func NewLiFiRouter(client *LiFiClient, network config.NetworkConfig) *LiFiRouter {
	return &LiFiRouter{
		client:      client,
		destChainID: network.ChainID,
		usdc:        network.USDCContract,
	}
}

// QuoteRoute fetches a quote for the prospective transfer and reduces it to
// USD figures. Gas costs are kept per step so the guard can fall back to
// summation when the aggregate is missing.
func (r *LiFiRouter) QuoteRoute(ctx context.Context, input *models.CreateTransferInput) (*services.RouteQuote, error) {
	resp, err := r.client.GetQuote(ctx, &LiFiQuoteRequest{
		FromChain:   input.SourceChain,
		ToChain:     strconv.FormatInt(r.destChainID, 10),
		FromToken:   input.SourceToken,
		ToToken:     r.usdc,
		FromAmount:  input.SourceAmount,
		FromAddress: input.UserAddress,
		ToAddress:   input.UserAddress,
	})
	if err != nil {
		return nil, err
	}

	quote := &services.RouteQuote{
		SourceAmountUSD:      parseUSD(resp.Estimate.FromAmountUSD),
		DestinationAmountUSD: parseUSD(resp.Estimate.ToAmountUSD),
	}
	if quote.SourceAmountUSD == 0 {
		quote.SourceAmountUSD = tokenAmountUSD(resp.Action.FromAmount, resp.Action.FromToken)
	}
	if quote.DestinationAmountUSD == 0 {
		quote.DestinationAmountUSD = tokenAmountUSD(resp.Estimate.ToAmount, resp.Action.ToToken)
	}

	var totalGas float64
	for _, gas := range resp.Estimate.GasCosts {
		stepUSD := parseUSD(gas.AmountUSD)
		quote.StepGasCostsUSD = append(quote.StepGasCostsUSD, stepUSD)
		totalGas += stepUSD
	}
	quote.GasCostUSD = totalGas

	return quote, nil
}

func parseUSD(value string) float64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0
	}
	return parsed
}

// tokenAmountUSD derives a USD value from an atomic amount and the token's
// quoted price, for responses that omit the aggregate USD fields.
func tokenAmountUSD(atomicAmount string, token Token) float64 {
	amount := parseUSD(atomicAmount)
	price := parseUSD(token.PriceUSD)
	if amount == 0 || price == 0 || token.Decimals < 0 {
		return 0
	}
	return amount / math.Pow10(token.Decimals) * price
}
