package solana

import (
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ExplorerTxLink builds a human-facing explorer link for a transaction
// signature, e.g. https://solscan.io/tx/<signature>.
func ExplorerTxLink(baseURL string, sig solana.Signature) string {
	if baseURL == "" {
		baseURL = "https://solscan.io/tx/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL + sig.String()
}
