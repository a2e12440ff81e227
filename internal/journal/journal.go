package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Journal is the typed, logging-aware façade over a Store that the rest of
// the daemon appends records through.
type Journal struct {
	store  Store
	logger *slog.Logger
}

// New creates a Journal over store. Pass a *storage.Store for durability or
// NewMemoryStore() when durability is explicitly not wanted (tests only).
func New(store Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: store, logger: logger.With("component", "journal.Journal")}
}

// Append marshals payload and appends it as a record of kind.
func (j *Journal) Append(kind Kind, payload interface{}) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal journal payload: %w", err)
	}
	record, err := j.store.Append(kind, data)
	if err != nil {
		return Record{}, fmt.Errorf("failed to append journal record: %w", err)
	}
	return record, nil
}

// Range returns records timestamped within [fromTs, toTs].
func (j *Journal) Range(fromTs, toTs time.Time, limit int) ([]Record, error) {
	return j.store.Range(fromTs, toTs, limit)
}

// Tail returns records after cursor plus the cursor to resume from next.
func (j *Journal) Tail(cursor int64, limit int) ([]Record, int64, error) {
	return j.store.Tail(cursor, limit)
}

// VerifyChain confirms the hash chain is intact.
func (j *Journal) VerifyChain() (ok bool, brokenCursor int64, err error) {
	return j.store.VerifyChain()
}
