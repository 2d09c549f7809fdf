// Package risk computes health-factor and liquidation metrics for a
// lending position. Everything here is pure: no I/O, no caches, fast
// enough to run on every form-input change.
package risk

import (
	"encoding/json"
	"math"
)

// Operation identifies which side of the position a proposed amount
// affects.
type Operation string

const (
	OperationDeposit  Operation = "deposit"
	OperationWithdraw Operation = "withdraw"
	OperationBorrow   Operation = "borrow"
	OperationRepay    Operation = "repay"
)

// Level is a four-band classification of the projected health factor.
type Level string

const (
	LevelSafe        Level = "safe"
	LevelModerate    Level = "moderate"
	LevelHigh        Level = "high"
	LevelLiquidation Level = "liquidation"
)

// Metrics is the derived risk state. Recomputed on every input change;
// never cached across price ticks.
type Metrics struct {
	CurrentHF   float64 `json:"currentHF"`
	ProjectedHF float64 `json:"projectedHF"`

	CurrentLTV   float64 `json:"currentLTV"`
	ProjectedLTV float64 `json:"projectedLTV"`

	// LiquidationPrice is the collateral-asset price at which the
	// projected health factor reaches 1, assuming a stable-valued
	// debt asset.
	LiquidationPrice float64 `json:"liquidationPrice"`

	// PercentDropToLiquidation is how far the collateral price can
	// fall, in percent, before liquidation.
	PercentDropToLiquidation float64 `json:"percentDropToLiquidation"`

	Level Level `json:"riskLevel"`
}

// MarshalJSON renders infinite health factors as null, since plain
// JSON cannot carry them.
func (m Metrics) MarshalJSON() ([]byte, error) {
	finite := func(v float64) *float64 {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil
		}
		return &v
	}
	return json.Marshal(struct {
		CurrentHF                *float64 `json:"currentHF"`
		ProjectedHF              *float64 `json:"projectedHF"`
		CurrentLTV               float64  `json:"currentLTV"`
		ProjectedLTV             float64  `json:"projectedLTV"`
		LiquidationPrice         float64  `json:"liquidationPrice"`
		PercentDropToLiquidation float64  `json:"percentDropToLiquidation"`
		Level                    Level    `json:"riskLevel"`
	}{
		CurrentHF:                finite(m.CurrentHF),
		ProjectedHF:              finite(m.ProjectedHF),
		CurrentLTV:               m.CurrentLTV,
		ProjectedLTV:             m.ProjectedLTV,
		LiquidationPrice:         m.LiquidationPrice,
		PercentDropToLiquidation: m.PercentDropToLiquidation,
		Level:                    m.Level,
	})
}

// Input describes the current position and one proposed operation.
type Input struct {
	CurrentCollateralRaw uint64 // minor units
	CurrentDebtRaw       uint64 // minor units

	CollateralDecimals uint8
	DebtDecimals       uint8

	CollateralPrice float64
	DebtPrice       float64 // usually 1 for a stable debt asset

	LiquidationThreshold float64 // e.g. 0.80

	Operation Operation
	Amount    float64 // natural units, non-negative
}

// debtDust is the value below which debt is treated as zero.
const debtDust = 1e-6

// CalculateProjectedRisk applies the proposed operation to the position
// and derives risk metrics for both the current and projected state.
func CalculateProjectedRisk(in Input) Metrics {
	// Convert the proposed amount to minor units of the affected side.
	decimals := in.DebtDecimals
	if in.Operation == OperationDeposit || in.Operation == OperationWithdraw {
		decimals = in.CollateralDecimals
	}
	var amountRaw int64
	if !math.IsNaN(in.Amount) && in.Amount > 0 {
		amountRaw = int64(math.Trunc(in.Amount * math.Pow(10, float64(decimals))))
	}

	var collateralDelta, debtDelta int64
	switch in.Operation {
	case OperationDeposit:
		collateralDelta = amountRaw
	case OperationWithdraw:
		collateralDelta = -amountRaw
	case OperationBorrow:
		debtDelta = amountRaw
	case OperationRepay:
		debtDelta = -amountRaw
	}

	// Over-withdrawal and over-repayment saturate at zero rather than
	// going negative.
	projectedCollateralRaw := clampDelta(in.CurrentCollateralRaw, collateralDelta)
	projectedDebtRaw := clampDelta(in.CurrentDebtRaw, debtDelta)

	colDivisor := math.Pow(10, float64(in.CollateralDecimals))
	debtDivisor := math.Pow(10, float64(in.DebtDecimals))

	currentColVal := float64(in.CurrentCollateralRaw) / colDivisor * in.CollateralPrice
	currentDebtVal := float64(in.CurrentDebtRaw) / debtDivisor * in.DebtPrice
	projectedColVal := float64(projectedCollateralRaw) / colDivisor * in.CollateralPrice
	projectedDebtVal := float64(projectedDebtRaw) / debtDivisor * in.DebtPrice

	projectedColAmount := float64(projectedCollateralRaw) / colDivisor

	m := Metrics{
		CurrentHF:        healthFactor(currentColVal, currentDebtVal, in.LiquidationThreshold),
		ProjectedHF:      healthFactor(projectedColVal, projectedDebtVal, in.LiquidationThreshold),
		CurrentLTV:       loanToValue(currentColVal, currentDebtVal),
		ProjectedLTV:     loanToValue(projectedColVal, projectedDebtVal),
		LiquidationPrice: liquidationPrice(projectedColAmount, projectedDebtVal, in.LiquidationThreshold),
	}

	m.PercentDropToLiquidation = percentDrop(in.CollateralPrice, m.LiquidationPrice, m.ProjectedHF)
	m.Level = Classify(m.ProjectedHF)
	return m
}

// clampDelta applies a signed delta to a raw balance, saturating at zero.
func clampDelta(current uint64, delta int64) uint64 {
	if delta >= 0 {
		return current + uint64(delta)
	}
	dec := uint64(-delta)
	if dec >= current {
		return 0
	}
	return current - dec
}

// healthFactor is (collateral value x liquidation threshold) / debt
// value. No debt means infinite health; debt with no collateral means
// zero.
func healthFactor(colVal, debtVal, threshold float64) float64 {
	if debtVal <= debtDust {
		return math.Inf(1)
	}
	if colVal <= 0 {
		return 0
	}
	return colVal * threshold / debtVal
}

func loanToValue(colVal, debtVal float64) float64 {
	if colVal <= debtDust {
		return 0
	}
	if debtVal <= 0 {
		return 0
	}
	return debtVal / colVal
}

// liquidationPrice solves HF = 1 for the collateral price.
func liquidationPrice(colAmount, debtVal, threshold float64) float64 {
	if colAmount <= 0 || debtVal <= 0 {
		return 0
	}
	return debtVal / (colAmount * threshold)
}

func percentDrop(price, liqPrice, projectedHF float64) float64 {
	if liqPrice > 0 && price > 0 {
		return math.Max(0, (price-liqPrice)/price) * 100
	}
	if math.IsInf(projectedHF, 1) {
		// No debt: the price can drop all the way.
		return 100
	}
	return 0
}

// Classify maps a projected health factor to a risk band.
func Classify(hf float64) Level {
	switch {
	case hf > 2.0:
		return LevelSafe
	case hf > 1.2:
		return LevelModerate
	case hf > 1.05:
		return LevelHigh
	default:
		return LevelLiquidation
	}
}
