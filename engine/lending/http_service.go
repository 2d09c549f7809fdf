package lending

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"

	solsvc "lendloop/service/solana"
)

// TableResolver fetches the addresses held by an address lookup table.
// *solana.Client satisfies it.
type TableResolver interface {
	FetchLookupTable(ctx context.Context, table solana.PublicKey) (solana.PublicKeySlice, error)
}

// HTTPService talks to the lending protocol's instruction API. The API
// returns serialized instructions which are decoded into native values
// right here at the boundary.
type HTTPService struct {
	baseURL    string
	httpClient *http.Client
	tables     TableResolver
	logger     *slog.Logger
}

// NewHTTPService creates an instruction service client. If httpClient
// is nil a default with a 15s timeout is used.
func NewHTTPService(baseURL string, httpClient *http.Client, tables TableResolver, logger *slog.Logger) *HTTPService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPService{
		baseURL:    baseURL,
		httpClient: httpClient,
		tables:     tables,
		logger:     logger,
	}
}

type operateRequest struct {
	VaultID    uint64 `json:"vaultId"`
	PositionID uint64 `json:"positionId"`
	ColAmount  string `json:"colAmount"`  // minor units, signed, as string
	DebtAmount string `json:"debtAmount"` // minor units, signed, as string
	Signer     string `json:"signer"`
}

type operateResponse struct {
	Instructions                []solsvc.WireInstruction `json:"instructions"`
	AddressLookupTableAddresses []string                 `json:"addressLookupTableAddresses"`
}

// OperateInstructions requests the protocol instructions for one
// operation and decodes them into native instruction values.
func (s *HTTPService) OperateInstructions(ctx context.Context, params OperateParams) (*OperateResult, error) {
	reqBody := operateRequest{
		VaultID:    params.VaultID,
		PositionID: params.PositionID,
		ColAmount:  strconv.FormatInt(params.CollateralDelta, 10),
		DebtAmount: strconv.FormatInt(params.DebtDelta, 10),
		Signer:     params.Signer.String(),
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/operate-instructions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("operate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("lending api returned %d: %s", resp.StatusCode, msg)
	}

	var decoded operateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode operate response: %w", err)
	}

	instructions := make([]solana.Instruction, 0, len(decoded.Instructions))
	for i, wire := range decoded.Instructions {
		ix, err := wire.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to decode instruction %d: %w", i, err)
		}
		instructions = append(instructions, ix)
	}

	tables := make(solsvc.LookupTables)
	for _, addr := range decoded.AddressLookupTableAddresses {
		key, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid lookup table address %q: %w", addr, err)
		}
		addresses, err := s.tables.FetchLookupTable(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve lookup table %s: %w", addr, err)
		}
		tables[key] = addresses
	}

	s.logger.DebugContext(ctx, "fetched operate instructions",
		"vault_id", params.VaultID,
		"position_id", params.PositionID,
		"instructions", len(instructions),
		"lookup_tables", len(tables),
	)

	return &OperateResult{
		Instructions: instructions,
		LookupTables: tables,
	}, nil
}
