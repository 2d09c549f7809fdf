// Package leverage composes the four-step leverage loop: deposit,
// borrow, swap the borrowed asset back into collateral, re-deposit the
// proceeds. The result is one atomic instruction bundle; a quote
// failure aborts composition before any instruction is surfaced.
package leverage

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/gagliardetto/solana-go"

	"lendloop/engine/builder"
	"lendloop/engine/lending"
	"lendloop/engine/risk"
	solsvc "lendloop/service/solana"
)

// LoopParams describes one leverage loop request. Amounts are natural
// units of the respective asset.
type LoopParams struct {
	VaultID    uint64
	PositionID uint64

	InitialCollateral float64
	BorrowAmount      float64

	CollateralMint solana.PublicKey
	DebtMint       solana.PublicKey
	Signer         solana.PublicKey

	SlippageBps int

	// Risk projection inputs.
	Position             lending.Position
	CollateralPrice      float64
	DebtPrice            float64
	LiquidationThreshold float64
}

// LoopPlan is the composed bundle plus projection metadata. Stage
// groups are reported separately for display; Instructions is the
// strict-order concatenation of all four.
type LoopPlan struct {
	Instructions []solana.Instruction
	LookupTables solsvc.LookupTables

	DepositInstructions   []solana.Instruction
	BorrowInstructions    []solana.Instruction
	SwapInstructions      []solana.Instruction
	RedepositInstructions []solana.Instruction

	// EstimatedSwapOut is the quoted collateral received for the
	// borrowed amount, in minor units.
	EstimatedSwapOut uint64

	TotalCollateralDeltaRaw int64
	DebtDeltaRaw            int64

	ProjectedRisk risk.Metrics
}

// Composer orchestrates the lending-instruction service and the swap
// client into a single bundle.
type Composer struct {
	client  *solsvc.Client
	lending lending.InstructionService
	jupiter *JupiterClient
	logger  *slog.Logger
}

func NewComposer(client *solsvc.Client, svc lending.InstructionService, jupiter *JupiterClient, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{client: client, lending: svc, jupiter: jupiter, logger: logger}
}

// Compose builds the loop bundle. The quote step runs before any
// instruction group is assembled into the plan, so a failed quote never
// yields a partial bundle.
func (c *Composer) Compose(ctx context.Context, params LoopParams) (*LoopPlan, error) {
	colDecimals, err := c.client.MintDecimals(ctx, params.CollateralMint)
	if err != nil {
		return nil, fmt.Errorf("resolve collateral decimals: %w", err)
	}
	debtDecimals, err := c.client.MintDecimals(ctx, params.DebtMint)
	if err != nil {
		return nil, fmt.Errorf("resolve debt decimals: %w", err)
	}

	initialRaw := builder.ToMinorUnits(params.InitialCollateral, colDecimals)
	borrowRaw := builder.ToMinorUnits(params.BorrowAmount, debtDecimals)
	if initialRaw <= 0 || borrowRaw <= 0 {
		return nil, fmt.Errorf("leverage loop requires positive collateral and borrow amounts")
	}

	quote, err := c.jupiter.Quote(ctx, params.DebtMint, params.CollateralMint, uint64(borrowRaw), params.SlippageBps)
	if err != nil {
		return nil, err
	}
	swap, err := c.jupiter.SwapInstructions(ctx, quote, params.Signer)
	if err != nil {
		return nil, err
	}

	deposit, err := c.lending.OperateInstructions(ctx, lending.OperateParams{
		VaultID:         params.VaultID,
		PositionID:      params.PositionID,
		CollateralDelta: initialRaw,
		Signer:          params.Signer,
	})
	if err != nil {
		return nil, fmt.Errorf("deposit instructions: %w", err)
	}
	borrow, err := c.lending.OperateInstructions(ctx, lending.OperateParams{
		VaultID:    params.VaultID,
		PositionID: params.PositionID,
		DebtDelta:  borrowRaw,
		Signer:     params.Signer,
	})
	if err != nil {
		return nil, fmt.Errorf("borrow instructions: %w", err)
	}
	redeposit, err := c.lending.OperateInstructions(ctx, lending.OperateParams{
		VaultID:         params.VaultID,
		PositionID:      params.PositionID,
		CollateralDelta: int64(quote.OutAmount),
		Signer:          params.Signer,
	})
	if err != nil {
		return nil, fmt.Errorf("re-deposit instructions: %w", err)
	}

	plan := &LoopPlan{
		DepositInstructions:     deposit.Instructions,
		BorrowInstructions:      borrow.Instructions,
		SwapInstructions:        swap.Instructions(),
		RedepositInstructions:   redeposit.Instructions,
		EstimatedSwapOut:        quote.OutAmount,
		TotalCollateralDeltaRaw: initialRaw + int64(quote.OutAmount),
		DebtDeltaRaw:            borrowRaw,
	}

	plan.Instructions = append(plan.Instructions, plan.DepositInstructions...)
	plan.Instructions = append(plan.Instructions, plan.BorrowInstructions...)
	plan.Instructions = append(plan.Instructions, plan.SwapInstructions...)
	plan.Instructions = append(plan.Instructions, plan.RedepositInstructions...)

	plan.LookupTables = make(solsvc.LookupTables)
	plan.LookupTables.Merge(deposit.LookupTables)
	plan.LookupTables.Merge(borrow.LookupTables)
	plan.LookupTables.Merge(swap.LookupTables)
	plan.LookupTables.Merge(redeposit.LookupTables)

	plan.ProjectedRisk = c.projectRisk(params, colDecimals, debtDecimals, plan)

	c.logger.DebugContext(ctx, "composed leverage loop",
		"instructions", len(plan.Instructions),
		"estimated_swap_out", quote.OutAmount,
		"projected_hf", plan.ProjectedRisk.ProjectedHF)

	return plan, nil
}

// projectRisk evaluates the position as it will exist after the full
// loop, in two stages: the whole collateral increase first, then the
// debt increase.
func (c *Composer) projectRisk(params LoopParams, colDecimals, debtDecimals uint8, plan *LoopPlan) risk.Metrics {
	afterCollateral := params.Position.CollateralRaw + uint64(plan.TotalCollateralDeltaRaw)

	return risk.CalculateProjectedRisk(risk.Input{
		CurrentCollateralRaw: afterCollateral,
		CurrentDebtRaw:       params.Position.DebtRaw,
		CollateralDecimals:   colDecimals,
		DebtDecimals:         debtDecimals,
		CollateralPrice:      params.CollateralPrice,
		DebtPrice:            params.DebtPrice,
		LiquidationThreshold: params.LiquidationThreshold,
		Operation:            risk.OperationBorrow,
		Amount:               float64(plan.DebtDeltaRaw) / math.Pow(10, float64(debtDecimals)),
	})
}
