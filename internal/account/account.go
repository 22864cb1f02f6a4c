package account

import (
	"errors"
	"fmt"
	"time"
)

// Transfer parallelism and batching bounds enforced by Validate.
const (
	MinParallelTransfers = 1
	MaxParallelTransfers = 10
	MinBatchItems        = 1
	MaxBatchItems        = 100
)

// Defaults applied by ApplyDefaults for unset fields.
const (
	DefaultParallelTransfers = 4
	DefaultBatchItems        = 50
)

// Sentinel validation errors, checked with errors.Is.
var (
	ErrNoHashedID = errors.New("account: hashed id is required")
	ErrNoSyncRoot = errors.New("account: local sync root is required")
)

// Account holds the per-account settings the sync engine consumes. The UI
// shell creates and edits accounts; the engine reads them and updates only
// LastSyncUTC at session finalize.
type Account struct {
	HashedID             HashedID
	DisplayName          string
	LocalSyncRoot        string // absolute path to the local sync directory
	MaxParallelTransfers int    // bounded 1..10
	MaxBatchItems        int    // bounded 1..100
	BandwidthLimit       string // "5MB/s"-style rate; "" or "0" = unlimited
	DebugLogging         bool   // enables DebugLog rows for this account
	DetailedSessionLogs  bool   // enables SessionLog/OperationLog rows
	LastSyncUTC          time.Time
}

// ApplyDefaults fills zero-valued tunables with their defaults. It does not
// touch identity fields; Validate rejects those when missing.
func (a *Account) ApplyDefaults() {
	if a.MaxParallelTransfers == 0 {
		a.MaxParallelTransfers = DefaultParallelTransfers
	}

	if a.MaxBatchItems == 0 {
		a.MaxBatchItems = DefaultBatchItems
	}
}

// Validate checks identity fields and tunable bounds. Returns the first
// problem found, wrapping the sentinel errors above where applicable.
func (a *Account) Validate() error {
	if a.HashedID.IsZero() {
		return ErrNoHashedID
	}

	if a.LocalSyncRoot == "" {
		return fmt.Errorf("%w (account %s)", ErrNoSyncRoot, a.HashedID.Short())
	}

	if a.MaxParallelTransfers < MinParallelTransfers || a.MaxParallelTransfers > MaxParallelTransfers {
		return fmt.Errorf("account %s: max parallel transfers %d outside %d..%d",
			a.HashedID.Short(), a.MaxParallelTransfers, MinParallelTransfers, MaxParallelTransfers)
	}

	if a.MaxBatchItems < MinBatchItems || a.MaxBatchItems > MaxBatchItems {
		return fmt.Errorf("account %s: max batch items %d outside %d..%d",
			a.HashedID.Short(), a.MaxBatchItems, MinBatchItems, MaxBatchItems)
	}

	return nil
}
