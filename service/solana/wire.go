package solana

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// WireInstruction is the serialized instruction format returned by
// external instruction services (the swap API and the lending API).
// It is decoded into a concrete solana.Instruction immediately at the
// service boundary; nothing downstream sees the wire shape.
type WireInstruction struct {
	ProgramID string        `json:"programId"`
	Accounts  []WireAccount `json:"accounts"`
	Data      string        `json:"data"` // base64
}

// WireAccount is one account entry of a WireInstruction.
type WireAccount struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// Decode converts a WireInstruction into a native instruction value.
func (w WireInstruction) Decode() (solana.Instruction, error) {
	programID, err := solana.PublicKeyFromBase58(w.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid program id %q: %w", w.ProgramID, err)
	}

	accounts := make(solana.AccountMetaSlice, 0, len(w.Accounts))
	for _, acc := range w.Accounts {
		pubkey, err := solana.PublicKeyFromBase58(acc.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("invalid account %q: %w", acc.Pubkey, err)
		}
		accounts = append(accounts, solana.NewAccountMeta(pubkey, acc.IsWritable, acc.IsSigner))
	}

	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid instruction data: %w", err)
	}

	return solana.NewInstruction(programID, accounts, data), nil
}

// LookupTables maps address-lookup-table accounts to the addresses they
// hold, the shape solana.TransactionAddressTables expects.
type LookupTables map[solana.PublicKey]solana.PublicKeySlice

// Merge folds other into t, keeping existing entries on conflict.
func (t LookupTables) Merge(other LookupTables) {
	for key, addresses := range other {
		if _, ok := t[key]; !ok {
			t[key] = addresses
		}
	}
}

// Address lookup table account layout: a 56-byte metadata header
// followed by packed 32-byte addresses.
const lookupTableMetaSize = 56

// ParseLookupTableAddresses extracts the stored addresses from a raw
// address-lookup-table account.
func ParseLookupTableAddresses(data []byte) (solana.PublicKeySlice, error) {
	if len(data) < lookupTableMetaSize {
		return nil, fmt.Errorf("lookup table account too short: %d bytes", len(data))
	}
	body := data[lookupTableMetaSize:]
	if len(body)%32 != 0 {
		return nil, fmt.Errorf("lookup table body not a multiple of 32: %d bytes", len(body))
	}

	addresses := make(solana.PublicKeySlice, 0, len(body)/32)
	for off := 0; off < len(body); off += 32 {
		addresses = append(addresses, solana.PublicKeyFromBytes(body[off:off+32]))
	}
	return addresses, nil
}

// FetchLookupTable fetches and parses an address lookup table account.
func (c *Client) FetchLookupTable(ctx context.Context, table solana.PublicKey) (solana.PublicKeySlice, error) {
	data, err := c.AccountData(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lookup table %s: %w", table, err)
	}
	return ParseLookupTableAddresses(data)
}
