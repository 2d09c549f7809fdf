package leverage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendloop/engine/enginerr"
	"lendloop/engine/lending"
	"lendloop/service/rpcguard"
	solsvc "lendloop/service/solana"
)

var (
	testCollateralMint = solana.WrappedSol
	testDebtMint       = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	swapProgram        = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	lendProgram        = solana.MustPublicKeyFromBase58("4MangoMjqJ2firMokCjjGgoK8d4MXcrgL7XJaL3w6fVg")
)

type mockRPCClient struct {
	accounts map[solana.PublicKey][]byte
}

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	data, ok := m.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)},
	}, nil
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{}}, nil
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

// mockLendingService tags each group's instruction data with the call
// index so ordering is checkable, and attaches a per-call lookup table.
type mockLendingService struct {
	calls  []lending.OperateParams
	tables []solana.PublicKey
}

func (m *mockLendingService) OperateInstructions(ctx context.Context, params lending.OperateParams) (*lending.OperateResult, error) {
	idx := len(m.calls)
	m.calls = append(m.calls, params)

	tables := make(solsvc.LookupTables)
	if idx < len(m.tables) {
		tables[m.tables[idx]] = solana.PublicKeySlice{solana.NewWallet().PublicKey()}
	}
	return &lending.OperateResult{
		Instructions: []solana.Instruction{
			solana.NewInstruction(lendProgram, solana.AccountMetaSlice{}, []byte{byte(idx)}),
		},
		LookupTables: tables,
	}, nil
}

type mockTableResolver struct{}

func (mockTableResolver) FetchLookupTable(ctx context.Context, table solana.PublicKey) (solana.PublicKeySlice, error) {
	return solana.PublicKeySlice{solana.NewWallet().PublicKey()}, nil
}

func wireInstruction(program solana.PublicKey) solsvc.WireInstruction {
	return solsvc.WireInstruction{
		ProgramID: program.String(),
		Data:      "AQID", // base64 of 0x010203
	}
}

// jupiterServer serves a quote and swap-instructions pair. Handlers
// can be overridden per test.
func jupiterServer(t *testing.T, outAmount string, swapTable solana.PublicKey) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var requests []*http.Request
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r)
		json.NewEncoder(w).Encode(map[string]any{
			"inAmount":  "100000000",
			"outAmount": outAmount,
		})
	})
	mux.HandleFunc("/swap-instructions", func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), outAmount)
		json.NewEncoder(w).Encode(map[string]any{
			"setupInstructions":           []solsvc.WireInstruction{wireInstruction(solana.TokenProgramID)},
			"swapInstruction":             wireInstruction(swapProgram),
			"cleanupInstruction":          wireInstruction(solana.TokenProgramID),
			"addressLookupTableAddresses": []string{swapTable.String()},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestComposer(t *testing.T, baseURL string, svc lending.InstructionService) *Composer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := rpcguard.New(rpcguard.Options{
		Spacing:        time.Microsecond,
		MaxRetries:     -1,
		InitialBackoff: time.Microsecond,
	}, nil, logger)
	mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{
		testCollateralMint: mintAccount(9),
		testDebtMint:       mintAccount(6),
	}}
	client := solsvc.NewClient(mock, guard, nil, logger)
	jup := NewJupiterClient(baseURL, nil, mockTableResolver{}, logger)
	return NewComposer(client, svc, jup, logger)
}

func mintAccount(decimals uint8) []byte {
	data := make([]byte, 82)
	data[44] = decimals
	return data
}

func baseParams(signer solana.PublicKey) LoopParams {
	return LoopParams{
		VaultID:              3,
		PositionID:           11,
		InitialCollateral:    1,   // 1 SOL
		BorrowAmount:         100, // 100 USDC
		CollateralMint:       testCollateralMint,
		DebtMint:             testDebtMint,
		Signer:               signer,
		SlippageBps:          50,
		CollateralPrice:      150,
		DebtPrice:            1,
		LiquidationThreshold: 0.80,
	}
}

func TestCompose_FourStageBundle(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	swapTable := solana.NewWallet().PublicKey()
	srv, requests := jupiterServer(t, "600000000", swapTable) // 0.6 SOL out

	depositTable := solana.NewWallet().PublicKey()
	borrowTable := solana.NewWallet().PublicKey()
	svc := &mockLendingService{tables: []solana.PublicKey{depositTable, borrowTable, depositTable}}
	c := newTestComposer(t, srv.URL, svc)

	plan, err := c.Compose(context.Background(), baseParams(signer))
	require.NoError(t, err)

	// deposit, borrow, setup+swap+cleanup, re-deposit
	require.Len(t, plan.Instructions, 6)
	assert.Equal(t, plan.DepositInstructions[0], plan.Instructions[0])
	assert.Equal(t, plan.BorrowInstructions[0], plan.Instructions[1])
	assert.Equal(t, plan.SwapInstructions[0], plan.Instructions[2])
	assert.Equal(t, swapProgram, plan.Instructions[3].ProgramID())
	assert.Equal(t, plan.RedepositInstructions[0], plan.Instructions[5])

	// Deltas sized from the quote.
	assert.Equal(t, uint64(600_000_000), plan.EstimatedSwapOut)
	assert.Equal(t, int64(1_600_000_000), plan.TotalCollateralDeltaRaw)
	assert.Equal(t, int64(100_000_000), plan.DebtDeltaRaw)

	// The lending service saw deposit, borrow, then the re-deposit of
	// the quoted output.
	require.Len(t, svc.calls, 3)
	assert.Equal(t, int64(1_000_000_000), svc.calls[0].CollateralDelta)
	assert.Equal(t, int64(100_000_000), svc.calls[1].DebtDelta)
	assert.Equal(t, int64(600_000_000), svc.calls[2].CollateralDelta)

	// Union of every group's lookup tables.
	assert.Contains(t, plan.LookupTables, depositTable)
	assert.Contains(t, plan.LookupTables, borrowTable)
	assert.Contains(t, plan.LookupTables, swapTable)
	assert.Len(t, plan.LookupTables, 3)

	// 1.6 SOL at 150 against 100 of debt: (240 * 0.8) / 100 = 1.92.
	assert.InDelta(t, 1.92, plan.ProjectedRisk.ProjectedHF, 1e-9)

	// Quote requested debt -> collateral with the configured slippage.
	q := (*requests)[0].URL.Query()
	assert.Equal(t, testDebtMint.String(), q.Get("inputMint"))
	assert.Equal(t, testCollateralMint.String(), q.Get("outputMint"))
	assert.Equal(t, "100000000", q.Get("amount"))
	assert.Equal(t, "50", q.Get("slippageBps"))
}

func TestCompose_QuoteErrorAbortsBeforeInstructions(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no route", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	svc := &mockLendingService{}
	c := newTestComposer(t, srv.URL, svc)

	plan, err := c.Compose(context.Background(), baseParams(signer))
	require.Error(t, err)
	assert.Nil(t, plan)
	assert.Equal(t, enginerr.KindQuoteFailure, enginerr.KindOf(err))

	// No partial bundle: the lending service was never consulted.
	assert.Empty(t, svc.calls)
}

func TestCompose_ZeroOutAmountIsQuoteFailure(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	srv, _ := jupiterServer(t, "0", solana.NewWallet().PublicKey())

	svc := &mockLendingService{}
	c := newTestComposer(t, srv.URL, svc)

	_, err := c.Compose(context.Background(), baseParams(signer))
	require.Error(t, err)
	assert.Equal(t, enginerr.KindQuoteFailure, enginerr.KindOf(err))
	assert.Empty(t, svc.calls)
}

func TestQuote_MissingOutAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"inAmount": "100"})
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jup := NewJupiterClient(srv.URL, nil, mockTableResolver{}, logger)

	_, err := jup.Quote(context.Background(), testDebtMint, testCollateralMint, 100, 50)
	require.Error(t, err)
	assert.Equal(t, enginerr.KindQuoteFailure, enginerr.KindOf(err))
}

func TestSwapInstructions_MissingSwapInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"setupInstructions": []solsvc.WireInstruction{},
		})
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jup := NewJupiterClient(srv.URL, nil, mockTableResolver{}, logger)

	_, err := jup.SwapInstructions(context.Background(), &Quote{Raw: json.RawMessage(`{}`)}, solana.NewWallet().PublicKey())
	require.Error(t, err)
	assert.Equal(t, enginerr.KindQuoteFailure, enginerr.KindOf(err))
}

func TestSwapBundle_InstructionOrder(t *testing.T) {
	setup := solana.NewInstruction(solana.TokenProgramID, solana.AccountMetaSlice{}, nil)
	swap := solana.NewInstruction(swapProgram, solana.AccountMetaSlice{}, nil)
	cleanup := solana.NewInstruction(solana.TokenProgramID, solana.AccountMetaSlice{}, []byte{9})

	b := &SwapBundle{
		SetupInstructions:  []solana.Instruction{setup},
		SwapInstruction:    swap,
		CleanupInstruction: cleanup,
	}
	ixs := b.Instructions()
	require.Len(t, ixs, 3)
	assert.Equal(t, setup, ixs[0])
	assert.Equal(t, swap, ixs[1])
	assert.Equal(t, cleanup, ixs[2])

	b.CleanupInstruction = nil
	assert.Len(t, b.Instructions(), 2)
}
