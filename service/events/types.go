package events

import (
	"time"
)

// LifecycleEvent represents one executor state transition published to
// NATS. Events for a signer land on the subject "txlifecycle.{signer}".
type LifecycleEvent struct {
	// Signer is the wallet driving the operation.
	Signer string `json:"signer"`

	// Status is the executor state entered, e.g. "simulating".
	Status string `json:"status"`

	// Operation identifiers
	VaultID    uint64 `json:"vault_id"`
	PositionID uint64 `json:"position_id"`

	// Populated once known
	Signature    string `json:"signature,omitempty"`
	ExplorerLink string `json:"explorer_link,omitempty"`
	Error        string `json:"error,omitempty"`

	// Simulation metrics, populated from optimizing onward
	UnitsConsumed uint64 `json:"units_consumed,omitempty"`
	ComputeUnits  uint32 `json:"compute_units,omitempty"`
	PriorityFee   uint64 `json:"priority_fee,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}
