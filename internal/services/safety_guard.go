package services

import (
	"hypergate-backend/internal/config"
)

// RouteQuote is the USD view of a bridge route, derived from the routing
// engine's estimate. GasCostUSD may be zero when the engine only reports
// per-step costs; StepGasCostsUSD covers that case.
type RouteQuote struct {
	SourceAmountUSD      float64   `json:"sourceAmountUsd"`
	DestinationAmountUSD float64   `json:"destinationAmountUsd"`
	GasCostUSD           float64   `json:"gasCostUsd"`
	StepGasCostsUSD      []float64 `json:"stepGasCostsUsd,omitempty"`
}

// SafetyGuardPayload is the fee breakdown shown before a transfer is
// dispatched. Derived fresh per quote and never persisted.
type SafetyGuardPayload struct {
	InputAmount    float64 `json:"inputAmount"`
	BridgeFee      float64 `json:"bridgeFee"`
	GasCost        float64 `json:"gasCost"`
	NetAmount      float64 `json:"netAmount"`
	IsSafe         bool    `json:"isSafe"`
	ExceedsMaximum bool    `json:"exceedsMaximum"`
}

// SafetyGuard decides whether a quoted net amount clears the destination
// protocol's burn threshold. The configured minimum carries a buffer above
// the literal threshold because an exact match still risks loss to rounding.
type SafetyGuard struct {
	minimumUSD float64
	maximumUSD float64
}

// NewSafetyGuard creates a SafetyGuard from the deposit configuration.
func NewSafetyGuard(deposits *config.DepositConfig) *SafetyGuard {
	return &SafetyGuard{
		minimumUSD: deposits.MinimumUSD,
		maximumUSD: deposits.MaximumUSD,
	}
}

// Evaluate computes the fee breakdown for a quote. Pure; safe to call
// repeatedly while re-quoting after a failed attempt.
func (g *SafetyGuard) Evaluate(quote *RouteQuote) SafetyGuardPayload {
	totalGas := quote.GasCostUSD
	if totalGas <= 0 {
		for _, stepGas := range quote.StepGasCostsUSD {
			totalGas += stepGas
		}
	}

	bridgeFee := quote.SourceAmountUSD - quote.DestinationAmountUSD - totalGas
	if bridgeFee < 0 {
		bridgeFee = 0
	}

	net := quote.DestinationAmountUSD

	return SafetyGuardPayload{
		InputAmount:    quote.SourceAmountUSD,
		BridgeFee:      bridgeFee,
		GasCost:        totalGas,
		NetAmount:      net,
		IsSafe:         net >= g.minimumUSD,
		ExceedsMaximum: g.maximumUSD > 0 && quote.SourceAmountUSD > g.maximumUSD,
	}
}

// MinimumUSD exposes the configured floor for display alongside the payload.
func (g *SafetyGuard) MinimumUSD() float64 {
	return g.minimumUSD
}
