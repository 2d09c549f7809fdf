// Package lending models the on-chain lending position and the
// boundary to the external lending-instruction service. The service is
// a black box that turns minor-unit deltas into protocol instructions;
// this package never reimplements on-chain program logic.
package lending

import (
	"context"

	"github.com/gagliardetto/solana-go"

	solsvc "lendloop/service/solana"
)

// Position is the on-chain collateral/debt state for one
// (vault, position) pair. Fetched, never mutated, by this engine; the
// protocol bookkeeping fields are opaque pass-through.
type Position struct {
	VaultID    uint64 `json:"vaultId"`
	PositionID uint64 `json:"positionId"`

	// Raw balances in minor units, non-negative.
	CollateralRaw uint64 `json:"collateralRaw"`
	DebtRaw       uint64 `json:"debtRaw"`

	// Protocol bookkeeping, passed through untouched.
	TickIndex  int32 `json:"tickIndex"`
	Liquidated bool  `json:"liquidated"`
}

// OperateParams describes one lending operation in minor units.
// Positive deltas deposit/borrow; negative deltas withdraw/repay.
type OperateParams struct {
	VaultID         uint64
	PositionID      uint64
	CollateralDelta int64
	DebtDelta       int64
	Signer          solana.PublicKey
}

// OperateResult is the ordered instruction list plus the lookup tables
// the instructions reference.
type OperateResult struct {
	Instructions []solana.Instruction
	LookupTables solsvc.LookupTables
}

// InstructionService produces lending-protocol instructions for an
// operation. Failures propagate as build failures; retry responsibility
// lives in the RPC guard beneath the implementation.
type InstructionService interface {
	OperateInstructions(ctx context.Context, params OperateParams) (*OperateResult, error)
}
