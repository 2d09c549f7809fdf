// Package builder turns a lending operation request into an ordered,
// unsigned instruction plan with explicit compute-budget instructions.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"lendloop/engine/lending"
	solsvc "lendloop/service/solana"
)

// DefaultComputeUnitLimit is the conservative ceiling used for the
// first simulation pass, before the optimizer tightens it.
const DefaultComputeUnitLimit = 1_400_000

// Input is one lending operation request. Deltas are signed natural
// units; positive deposits/borrows, negative withdraws/repays.
type Input struct {
	VaultID    uint64
	PositionID uint64

	CollateralDelta float64
	DebtDelta       float64

	CollateralMint solana.PublicKey
	DebtMint       solana.PublicKey
	Signer         solana.PublicKey

	// Zero values mean "use defaults".
	ComputeUnitLimit uint32
	PriorityFee      uint64

	PreInstructions  []solana.Instruction
	PostInstructions []solana.Instruction

	SimulateOnly bool
}

// ComputedTransaction is the builder's output. It is immutable;
// WithComputeBudget derives a new value rather than mutating.
type ComputedTransaction struct {
	Instructions []solana.Instruction
	LookupTables solsvc.LookupTables

	CollateralDeltaRaw int64
	DebtDeltaRaw       int64

	ComputeUnits uint32
	PriorityFee  uint64

	Payer solana.PublicKey
}

// AllInstructions returns the compute-budget pair followed by the
// operation instructions, in submission order.
func (ct *ComputedTransaction) AllInstructions() []solana.Instruction {
	out := make([]solana.Instruction, 0, len(ct.Instructions)+2)
	out = append(out,
		computebudget.NewSetComputeUnitLimitInstruction(ct.ComputeUnits).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(ct.PriorityFee).Build(),
	)
	return append(out, ct.Instructions...)
}

// WithComputeBudget returns a copy carrying a tightened compute budget.
func (ct *ComputedTransaction) WithComputeBudget(units uint32, priorityFee uint64) *ComputedTransaction {
	next := *ct
	next.ComputeUnits = units
	next.PriorityFee = priorityFee
	return &next
}

// Builder composes lending-service instructions, wrap-native handling,
// and compute-budget instructions into a ComputedTransaction.
type Builder struct {
	client  *solsvc.Client
	lending lending.InstructionService
	logger  *slog.Logger
}

func New(client *solsvc.Client, svc lending.InstructionService, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{client: client, lending: svc, logger: logger}
}

// ToMinorUnits converts a natural-unit amount to minor units,
// truncating toward zero so a conversion never overdraws.
func ToMinorUnits(amount float64, decimals uint8) int64 {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0
	}
	return int64(math.Trunc(amount * math.Pow(10, float64(decimals))))
}

// Build produces the instruction plan for one operation. Decimal lookup
// failures are fatal here; transient RPC retries happen in the guard
// below the connection client.
func (b *Builder) Build(ctx context.Context, in Input) (*ComputedTransaction, error) {
	colDecimals, err := b.client.MintDecimals(ctx, in.CollateralMint)
	if err != nil {
		return nil, fmt.Errorf("resolve collateral decimals: %w", err)
	}
	debtDecimals, err := b.client.MintDecimals(ctx, in.DebtMint)
	if err != nil {
		return nil, fmt.Errorf("resolve debt decimals: %w", err)
	}

	colDeltaRaw := ToMinorUnits(in.CollateralDelta, colDecimals)
	debtDeltaRaw := ToMinorUnits(in.DebtDelta, debtDecimals)

	b.logger.DebugContext(ctx, "building lending transaction",
		"vault_id", in.VaultID,
		"position_id", in.PositionID,
		"collateral_delta_raw", colDeltaRaw,
		"debt_delta_raw", debtDeltaRaw)

	op, err := b.lending.OperateInstructions(ctx, lending.OperateParams{
		VaultID:         in.VaultID,
		PositionID:      in.PositionID,
		CollateralDelta: colDeltaRaw,
		DebtDelta:       debtDeltaRaw,
		Signer:          in.Signer,
	})
	if err != nil {
		return nil, fmt.Errorf("lending instructions: %w", err)
	}

	var ixs []solana.Instruction
	if colDeltaRaw > 0 && in.CollateralMint.Equals(solana.WrappedSol) {
		wrap, err := b.wrapNativeInstructions(ctx, in.Signer, uint64(colDeltaRaw))
		if err != nil {
			return nil, err
		}
		ixs = append(ixs, wrap...)
	}
	ixs = append(ixs, in.PreInstructions...)
	ixs = append(ixs, op.Instructions...)
	ixs = append(ixs, in.PostInstructions...)

	units := in.ComputeUnitLimit
	if units == 0 {
		units = DefaultComputeUnitLimit
	}
	fee := in.PriorityFee
	if fee == 0 {
		fee = solsvc.MinPriorityFee
	}

	return &ComputedTransaction{
		Instructions:       ixs,
		LookupTables:       op.LookupTables,
		CollateralDeltaRaw: colDeltaRaw,
		DebtDeltaRaw:       debtDeltaRaw,
		ComputeUnits:       units,
		PriorityFee:        fee,
		Payer:              in.Signer,
	}, nil
}

// wrapNativeInstructions funds the signer's wrapped-SOL token account:
// create it only when missing, move lamports in, then sync the balance.
func (b *Builder) wrapNativeInstructions(ctx context.Context, owner solana.PublicKey, lamports uint64) ([]solana.Instruction, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, solana.WrappedSol)
	if err != nil {
		return nil, fmt.Errorf("derive wrapped account: %w", err)
	}
	exists, err := b.client.AccountExists(ctx, ata)
	if err != nil {
		return nil, fmt.Errorf("check wrapped account: %w", err)
	}

	var ixs []solana.Instruction
	if !exists {
		ixs = append(ixs, associatedtokenaccount.NewCreateInstruction(owner, owner, solana.WrappedSol).Build())
	}
	ixs = append(ixs,
		system.NewTransferInstruction(lamports, owner, ata).Build(),
		token.NewSyncNativeInstruction(ata).Build(),
	)
	return ixs, nil
}

// Assemble binds the plan to a fresh blockhash and returns an unsigned
// versioned transaction ready for simulation or signing.
func (b *Builder) Assemble(ctx context.Context, ct *ComputedTransaction) (*solana.Transaction, error) {
	blockhash, err := b.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest blockhash: %w", err)
	}

	opts := []solana.TransactionOption{solana.TransactionPayer(ct.Payer)}
	if len(ct.LookupTables) > 0 {
		opts = append(opts, solana.TransactionAddressTables(ct.LookupTables))
	}

	tx, err := solana.NewTransaction(ct.AllInstructions(), blockhash, opts...)
	if err != nil {
		return nil, fmt.Errorf("assemble transaction: %w", err)
	}
	return tx, nil
}
