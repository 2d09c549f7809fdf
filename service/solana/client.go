package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"lendloop/service/metrics"
	"lendloop/service/rpcguard"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real
// Solana nodes. *rpc.Client satisfies it directly.
type RPCClient interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)

	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)

	SimulateTransactionWithOpts(
		ctx context.Context,
		transaction *solana.Transaction,
		opts *rpc.SimulateTransactionOpts,
	) (*rpc.SimulateTransactionResponse, error)

	SendRawTransactionWithOpts(ctx context.Context, encodedTx []byte, opts rpc.TransactionOpts) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		transactionSignatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error)
}

var _ RPCClient = (*rpc.Client)(nil)

// NewRPCClient creates an RPCClient for the given endpoint.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string) RPCClient {
	return rpc.New(rpcURL)
}

// Client wraps the RPC client with domain-specific operations. Every
// network call goes through the injected guard, which owns spacing,
// retries and rate-limit handling; nothing here retries on its own.
type Client struct {
	rpc     RPCClient
	guard   *rpcguard.Guard
	logger  *slog.Logger
	metrics *metrics.Metrics

	decimals *decimalsCache
	fees     *feeCache
}

// NewClient creates a new Solana client. If m is nil, no metrics are recorded.
func NewClient(rpcClient RPCClient, guard *rpcguard.Guard, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:      rpcClient,
		guard:    guard,
		logger:   logger,
		metrics:  m,
		decimals: newDecimalsCache(),
		fees:     newFeeCache(),
	}
}

// AccountData fetches the raw bytes of an account. Returns an error if
// the account does not exist.
func (c *Client) AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	out, err := rpcguard.Call(ctx, c.guard, "GetAccountInfo", func(ctx context.Context) (*rpc.GetAccountInfoResult, error) {
		return c.rpc.GetAccountInfo(ctx, account)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account %s: %w", account, err)
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return nil, fmt.Errorf("account %s has no data", account)
	}
	return out.Value.Data.GetBinary(), nil
}

// AccountExists reports whether an account exists on chain. A not-found
// response is a valid answer, not an error, so it is absorbed inside
// the guarded call rather than retried.
func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	return rpcguard.Call(ctx, c.guard, "GetAccountInfo", func(ctx context.Context) (bool, error) {
		out, err := c.rpc.GetAccountInfo(ctx, account)
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return out != nil && out.Value != nil, nil
	})
}

// LatestBlockhash fetches a fresh recent blockhash at confirmed commitment.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := rpcguard.Call(ctx, c.guard, "GetLatestBlockhash", func(ctx context.Context) (*rpc.GetLatestBlockhashResult, error) {
		return c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to fetch latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

// Simulate dry-runs an unsigned transaction against a freshly
// substituted recent blockhash. The raw RPC response is returned;
// failure classification lives in the simulate package.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error) {
	return rpcguard.Call(ctx, c.guard, "SimulateTransaction", func(ctx context.Context) (*rpc.SimulateTransactionResponse, error) {
		return c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
			SigVerify:              false,
			ReplaceRecentBlockhash: true,
			Commitment:             rpc.CommitmentProcessed,
		})
	})
}

// SendRaw submits signed transaction bytes with preflight checks
// disabled (the caller already simulated) and a small node-side retry
// count.
func (c *Client) SendRaw(ctx context.Context, signedTx []byte, maxRetries uint) (solana.Signature, error) {
	sig, err := rpcguard.Call(ctx, c.guard, "SendRawTransaction", func(ctx context.Context) (solana.Signature, error) {
		return c.rpc.SendRawTransactionWithOpts(ctx, signedTx, rpc.TransactionOpts{
			SkipPreflight:       true,
			PreflightCommitment: rpc.CommitmentConfirmed,
			MaxRetries:          &maxRetries,
		})
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	c.logger.InfoContext(ctx, "transaction sent", "signature", sig.String())
	return sig, nil
}

// SignatureStatus fetches the status of a single signature, searching
// transaction history. Returns nil when the signature is not yet known
// to the cluster.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	out, err := rpcguard.Call(ctx, c.guard, "GetSignatureStatuses", func(ctx context.Context) (*rpc.GetSignatureStatusesResult, error) {
		return c.rpc.GetSignatureStatuses(ctx, true, sig)
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}
