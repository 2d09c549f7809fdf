package leverage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"

	"lendloop/engine/enginerr"
	solsvc "lendloop/service/solana"
)

// TableResolver fetches the addresses held by an address lookup table.
type TableResolver interface {
	FetchLookupTable(ctx context.Context, table solana.PublicKey) (solana.PublicKeySlice, error)
}

// Quote is a validated swap quote. Raw carries the untouched quote
// body, which the swap-instructions endpoint wants echoed back.
type Quote struct {
	InputMint  solana.PublicKey
	OutputMint solana.PublicKey
	InAmount   uint64
	OutAmount  uint64

	Raw json.RawMessage
}

// SwapBundle is the decoded instruction set for one swap.
type SwapBundle struct {
	SetupInstructions  []solana.Instruction
	SwapInstruction    solana.Instruction
	CleanupInstruction solana.Instruction // nil when absent
	LookupTables       solsvc.LookupTables
}

// Instructions returns the bundle flattened in execution order.
func (b *SwapBundle) Instructions() []solana.Instruction {
	out := make([]solana.Instruction, 0, len(b.SetupInstructions)+2)
	out = append(out, b.SetupInstructions...)
	out = append(out, b.SwapInstruction)
	if b.CleanupInstruction != nil {
		out = append(out, b.CleanupInstruction)
	}
	return out
}

// JupiterClient talks to the swap aggregator's quote and
// swap-instructions endpoints.
type JupiterClient struct {
	baseURL    string
	httpClient *http.Client
	tables     TableResolver
	logger     *slog.Logger
}

// NewJupiterClient creates a swap service client. If httpClient is nil
// a default with a 15s timeout is used.
func NewJupiterClient(baseURL string, httpClient *http.Client, tables TableResolver, logger *slog.Logger) *JupiterClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JupiterClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		tables:     tables,
		logger:     logger,
	}
}

// Quote requests a swap quote. A non-OK response or a missing/zero
// output amount is a quote failure; composition must abort on it.
func (c *JupiterClient) Quote(ctx context.Context, inputMint, outputMint solana.PublicKey, amount uint64, slippageBps int) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint.String())
	q.Set("outputMint", outputMint.String())
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(slippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create quote request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindQuoteFailure, "quote request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindQuoteFailure, "failed to read quote response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, enginerr.New(enginerr.KindQuoteFailure,
			fmt.Sprintf("quote endpoint returned %d: %s", resp.StatusCode, body))
	}

	var decoded struct {
		InAmount  string `json:"inAmount"`
		OutAmount string `json:"outAmount"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, enginerr.Wrap(enginerr.KindQuoteFailure, "failed to decode quote response", err)
	}
	if decoded.OutAmount == "" {
		return nil, enginerr.New(enginerr.KindQuoteFailure, "quote carries no output amount")
	}
	outAmount, err := strconv.ParseUint(decoded.OutAmount, 10, 64)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindQuoteFailure, "invalid quote output amount", err)
	}
	if outAmount == 0 {
		return nil, enginerr.New(enginerr.KindQuoteFailure, "quote output amount is zero")
	}
	inAmount, _ := strconv.ParseUint(decoded.InAmount, 10, 64)

	c.logger.DebugContext(ctx, "received swap quote",
		"input_mint", inputMint.String(),
		"output_mint", outputMint.String(),
		"in_amount", inAmount,
		"out_amount", outAmount)

	return &Quote{
		InputMint:  inputMint,
		OutputMint: outputMint,
		InAmount:   inAmount,
		OutAmount:  outAmount,
		Raw:        json.RawMessage(body),
	}, nil
}

type swapInstructionsRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSol bool            `json:"wrapAndUnwrapSol"`
}

type swapInstructionsResponse struct {
	SetupInstructions           []solsvc.WireInstruction `json:"setupInstructions"`
	SwapInstruction             *solsvc.WireInstruction  `json:"swapInstruction"`
	CleanupInstruction          *solsvc.WireInstruction  `json:"cleanupInstruction"`
	AddressLookupTableAddresses []string                 `json:"addressLookupTableAddresses"`
}

// SwapInstructions exchanges a quote for serialized instructions and
// decodes them into native values at the boundary.
func (c *JupiterClient) SwapInstructions(ctx context.Context, quote *Quote, signer solana.PublicKey) (*SwapBundle, error) {
	reqBody, err := json.Marshal(swapInstructionsRequest{
		QuoteResponse:    quote.Raw,
		UserPublicKey:    signer.String(),
		WrapAndUnwrapSol: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap-instructions request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap-instructions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create swap-instructions request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindQuoteFailure, "swap-instructions request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, enginerr.New(enginerr.KindQuoteFailure,
			fmt.Sprintf("swap-instructions endpoint returned %d: %s", resp.StatusCode, msg))
	}

	var decoded swapInstructionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, enginerr.Wrap(enginerr.KindQuoteFailure, "failed to decode swap-instructions response", err)
	}
	if decoded.SwapInstruction == nil {
		return nil, enginerr.New(enginerr.KindQuoteFailure, "swap-instructions response missing swap instruction")
	}

	bundle := &SwapBundle{LookupTables: make(solsvc.LookupTables)}
	for i, wire := range decoded.SetupInstructions {
		ix, err := wire.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to decode setup instruction %d: %w", i, err)
		}
		bundle.SetupInstructions = append(bundle.SetupInstructions, ix)
	}
	swapIx, err := decoded.SwapInstruction.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode swap instruction: %w", err)
	}
	bundle.SwapInstruction = swapIx
	if decoded.CleanupInstruction != nil {
		cleanupIx, err := decoded.CleanupInstruction.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to decode cleanup instruction: %w", err)
		}
		bundle.CleanupInstruction = cleanupIx
	}

	for _, addr := range decoded.AddressLookupTableAddresses {
		key, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid lookup table address %q: %w", addr, err)
		}
		addresses, err := c.tables.FetchLookupTable(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve lookup table %s: %w", addr, err)
		}
		bundle.LookupTables[key] = addresses
	}

	c.logger.DebugContext(ctx, "decoded swap instructions",
		"setup", len(bundle.SetupInstructions),
		"cleanup", bundle.CleanupInstruction != nil,
		"lookup_tables", len(bundle.LookupTables))

	return bundle, nil
}
