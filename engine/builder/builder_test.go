package builder

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendloop/engine/lending"
	"lendloop/service/rpcguard"
	solsvc "lendloop/service/solana"
)

// mockRPCClient serves mint accounts and a fixed blockhash.
type mockRPCClient struct {
	mu           sync.Mutex
	accounts     map[solana.PublicKey][]byte
	accountCalls map[solana.PublicKey]int
	blockhash    solana.Hash
}

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accountCalls == nil {
		m.accountCalls = make(map[solana.PublicKey]int)
	}
	m.accountCalls[account]++
	data, ok := m.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{
			Data: rpc.DataBytesOrJSONFromBytes(data),
		},
	}, nil
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: m.blockhash},
	}, nil
}

func (m *mockRPCClient) SimulateTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	return &rpc.SimulateTransactionResponse{}, nil
}

func (m *mockRPCClient) SendRawTransactionWithOpts(ctx context.Context, encodedTx []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	return solana.Signature{}, nil
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{}, nil
}

func (m *mockRPCClient) GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error) {
	return nil, nil
}

// mockInstructionService returns a canned instruction list and records
// the params it was called with.
type mockInstructionService struct {
	lastParams lending.OperateParams
	result     *lending.OperateResult
	err        error
}

func (m *mockInstructionService) OperateInstructions(ctx context.Context, params lending.OperateParams) (*lending.OperateResult, error) {
	m.lastParams = params
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

var (
	testDebtMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testProgram  = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
)

func mintAccount(decimals uint8) []byte {
	data := make([]byte, 82)
	data[44] = decimals
	return data
}

func coreInstruction() solana.Instruction {
	return solana.NewInstruction(testProgram, solana.AccountMetaSlice{}, []byte{1, 2, 3})
}

func newTestBuilder(t *testing.T, mock *mockRPCClient, svc lending.InstructionService) *Builder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := rpcguard.New(rpcguard.Options{
		Spacing:        time.Microsecond,
		MaxRetries:     1,
		InitialBackoff: time.Microsecond,
	}, nil, logger)
	client := solsvc.NewClient(mock, guard, nil, logger)
	return New(client, svc, logger)
}

func baseInput(signer solana.PublicKey) Input {
	return Input{
		VaultID:         1,
		PositionID:      7,
		CollateralMint:  solana.WrappedSol,
		DebtMint:        testDebtMint,
		Signer:          signer,
		CollateralDelta: 1.5,
		DebtDelta:       100,
	}
}

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount   float64
		decimals uint8
		want     int64
	}{
		{1.5, 6, 1_500_000},
		{1.9999994, 6, 1_999_999},
		{0.0000009, 6, 0},
		{0, 9, 0},
		{-1.5, 6, -1_500_000},
		{10, 9, 10_000_000_000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToMinorUnits(tt.amount, tt.decimals), "amount=%v decimals=%d", tt.amount, tt.decimals)
	}
}

func TestBuild_WrapNativeWhenDepositingSol(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{
		solana.WrappedSol: mintAccount(9),
		testDebtMint:      mintAccount(6),
	}}
	svc := &mockInstructionService{result: &lending.OperateResult{
		Instructions: []solana.Instruction{coreInstruction()},
	}}
	b := newTestBuilder(t, mock, svc)

	ct, err := b.Build(context.Background(), baseInput(signer))
	require.NoError(t, err)

	// Wrapped account missing: create + transfer + sync, then the core
	// instruction.
	require.Len(t, ct.Instructions, 4)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, ct.Instructions[0].ProgramID())
	assert.Equal(t, solana.SystemProgramID, ct.Instructions[1].ProgramID())
	assert.Equal(t, solana.TokenProgramID, ct.Instructions[2].ProgramID())
	assert.Equal(t, testProgram, ct.Instructions[3].ProgramID())

	assert.Equal(t, int64(1_500_000_000), ct.CollateralDeltaRaw)
	assert.Equal(t, int64(100_000_000), ct.DebtDeltaRaw)
	assert.Equal(t, int64(1_500_000_000), svc.lastParams.CollateralDelta)
}

func TestBuild_WrapSkipsCreateWhenAccountExists(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	ata, _, err := solana.FindAssociatedTokenAddress(signer, solana.WrappedSol)
	require.NoError(t, err)

	mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{
		solana.WrappedSol: mintAccount(9),
		testDebtMint:      mintAccount(6),
		ata:               {0},
	}}
	svc := &mockInstructionService{result: &lending.OperateResult{
		Instructions: []solana.Instruction{coreInstruction()},
	}}
	b := newTestBuilder(t, mock, svc)

	ct, err := b.Build(context.Background(), baseInput(signer))
	require.NoError(t, err)

	require.Len(t, ct.Instructions, 3)
	assert.Equal(t, solana.SystemProgramID, ct.Instructions[0].ProgramID())
	assert.Equal(t, solana.TokenProgramID, ct.Instructions[1].ProgramID())

	// Exactly one existence check per build.
	assert.Equal(t, 1, mock.accountCalls[ata])
}

func TestBuild_NoWrapForZeroOrNegativeDelta(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	for _, delta := range []float64{0, -1.5} {
		mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{
			solana.WrappedSol: mintAccount(9),
			testDebtMint:      mintAccount(6),
		}}
		svc := &mockInstructionService{result: &lending.OperateResult{
			Instructions: []solana.Instruction{coreInstruction()},
		}}
		b := newTestBuilder(t, mock, svc)

		in := baseInput(signer)
		in.CollateralDelta = delta

		ct, err := b.Build(context.Background(), in)
		require.NoError(t, err)
		require.Len(t, ct.Instructions, 1, "delta=%v", delta)
		assert.Equal(t, testProgram, ct.Instructions[0].ProgramID())
	}
}

func TestBuild_NoWrapForNonNativeCollateral(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	otherMint := solana.NewWallet().PublicKey()
	mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{
		otherMint:    mintAccount(8),
		testDebtMint: mintAccount(6),
	}}
	svc := &mockInstructionService{result: &lending.OperateResult{
		Instructions: []solana.Instruction{coreInstruction()},
	}}
	b := newTestBuilder(t, mock, svc)

	in := baseInput(signer)
	in.CollateralMint = otherMint

	ct, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, ct.Instructions, 1)
}

func TestBuild_PreAndPostInstructions(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	preProgram := solana.NewWallet().PublicKey()
	postProgram := solana.NewWallet().PublicKey()

	mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{
		solana.WrappedSol: mintAccount(9),
		testDebtMint:      mintAccount(6),
	}}
	svc := &mockInstructionService{result: &lending.OperateResult{
		Instructions: []solana.Instruction{coreInstruction()},
	}}
	b := newTestBuilder(t, mock, svc)

	in := baseInput(signer)
	in.CollateralDelta = 0 // no wrap, keep ordering simple
	in.PreInstructions = []solana.Instruction{solana.NewInstruction(preProgram, solana.AccountMetaSlice{}, nil)}
	in.PostInstructions = []solana.Instruction{solana.NewInstruction(postProgram, solana.AccountMetaSlice{}, nil)}

	ct, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, ct.Instructions, 3)
	assert.Equal(t, preProgram, ct.Instructions[0].ProgramID())
	assert.Equal(t, testProgram, ct.Instructions[1].ProgramID())
	assert.Equal(t, postProgram, ct.Instructions[2].ProgramID())
}

func TestBuild_DefaultAndOverrideComputeBudget(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{
		solana.WrappedSol: mintAccount(9),
		testDebtMint:      mintAccount(6),
	}}
	svc := &mockInstructionService{result: &lending.OperateResult{
		Instructions: []solana.Instruction{coreInstruction()},
	}}
	b := newTestBuilder(t, mock, svc)

	ct, err := b.Build(context.Background(), baseInput(signer))
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultComputeUnitLimit), ct.ComputeUnits)
	assert.Equal(t, uint64(solsvc.MinPriorityFee), ct.PriorityFee)

	in := baseInput(signer)
	in.ComputeUnitLimit = 200_000
	in.PriorityFee = 5_000

	ct, err = b.Build(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, uint32(200_000), ct.ComputeUnits)
	assert.Equal(t, uint64(5_000), ct.PriorityFee)
}

func TestBuild_DecimalLookupFailureIsFatal(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{}} // no mints
	svc := &mockInstructionService{result: &lending.OperateResult{}}
	b := newTestBuilder(t, mock, svc)

	_, err := b.Build(context.Background(), baseInput(signer))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collateral decimals")
}

func TestWithComputeBudget_DoesNotMutateOriginal(t *testing.T) {
	ct := &ComputedTransaction{ComputeUnits: DefaultComputeUnitLimit, PriorityFee: 1000}

	tightened := ct.WithComputeBudget(55_000, 2_500)

	assert.Equal(t, uint32(55_000), tightened.ComputeUnits)
	assert.Equal(t, uint64(2_500), tightened.PriorityFee)
	assert.Equal(t, uint32(DefaultComputeUnitLimit), ct.ComputeUnits)
	assert.Equal(t, uint64(1000), ct.PriorityFee)
}

func TestAllInstructions_ComputeBudgetFirst(t *testing.T) {
	ct := &ComputedTransaction{
		Instructions: []solana.Instruction{coreInstruction()},
		ComputeUnits: 55_000,
		PriorityFee:  2_500,
	}

	all := ct.AllInstructions()
	require.Len(t, all, 3)
	assert.Equal(t, computebudget.ProgramID, all[0].ProgramID())
	assert.Equal(t, computebudget.ProgramID, all[1].ProgramID())
	assert.Equal(t, testProgram, all[2].ProgramID())
}

func TestAssemble_BindsFreshBlockhash(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	blockhash := solana.HashFromBytes([]byte("00000000000000000000000000000abc"))
	mock := &mockRPCClient{
		accounts: map[solana.PublicKey][]byte{
			solana.WrappedSol: mintAccount(9),
			testDebtMint:      mintAccount(6),
		},
		blockhash: blockhash,
	}
	svc := &mockInstructionService{result: &lending.OperateResult{
		Instructions: []solana.Instruction{coreInstruction()},
	}}
	b := newTestBuilder(t, mock, svc)

	ct, err := b.Build(context.Background(), baseInput(signer))
	require.NoError(t, err)

	tx, err := b.Assemble(context.Background(), ct)
	require.NoError(t, err)
	assert.Equal(t, blockhash, tx.Message.RecentBlockhash)
	assert.Equal(t, signer, tx.Message.AccountKeys[0])
}
