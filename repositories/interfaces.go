package repositories

import (
	"context"
	"errors"

	"github.com/upb/funding-control-plane/models"
)

// ErrNotFound is returned by Store.Get and Collection.Get for a missing key
var ErrNotFound = errors.New("record not found")

// Store is a keyed document store partitioned into collections. Values are
// JSON documents.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound
	Get(ctx context.Context, collection, key string) ([]byte, error)

	// Put inserts or replaces the value stored under key
	Put(ctx context.Context, collection, key string, value []byte) error

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, collection, key string) error

	// Scan calls fn for every record of collection in ascending key order.
	// Iteration stops at the first error returned by fn.
	Scan(ctx context.Context, collection string, fn func(key string, value []byte) error) error

	// Close releases the underlying resources
	Close() error
}

// HealthChecker is implemented by stores backed by an external service
type HealthChecker interface {
	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error
}

// Batcher is implemented by stores that can apply several mutations as one
// unit. Store calls made with the context passed to fn join the batch.
type Batcher interface {
	Batch(ctx context.Context, fn func(ctx context.Context) error) error
}

// RunBatch runs fn inside a batch when store supports it, and directly otherwise
func RunBatch(ctx context.Context, store Store, fn func(ctx context.Context) error) error {
	if b, ok := store.(Batcher); ok {
		return b.Batch(ctx, fn)
	}
	return fn(ctx)
}

// TransactionRepository persists queued multisig transactions
type TransactionRepository interface {
	// Get retrieves a transaction by ID
	Get(ctx context.Context, id string) (*models.QueuedTransaction, error)

	// Put stores the current version of a transaction
	Put(ctx context.Context, tx *models.QueuedTransaction) error

	// List returns every stored transaction
	List(ctx context.Context) ([]*models.QueuedTransaction, error)
}

// QueueAuditRepository persists the transaction queue's internal audit log
type QueueAuditRepository interface {
	// Put appends an entry
	Put(ctx context.Context, entry *models.TxQueueAuditEntry) error

	// List returns every entry in sequence order
	List(ctx context.Context) ([]*models.TxQueueAuditEntry, error)
}

// AuditEventRepository persists sealed audit bridge events keyed by
// SequenceKey(event.SequenceNumber)
type AuditEventRepository interface {
	// Put stores an event
	Put(ctx context.Context, event *models.AuditEvent) error

	// Delete removes an evicted event
	Delete(ctx context.Context, key string) error

	// List returns every stored event in sequence order
	List(ctx context.Context) ([]*models.AuditEvent, error)
}

// AuditCheckpointRepository persists the audit bridge sequence counter and stats
type AuditCheckpointRepository interface {
	// Get retrieves the checkpoint stored under key
	Get(ctx context.Context, key string) (*models.AuditCheckpoint, error)

	// Put stores the checkpoint
	Put(ctx context.Context, checkpoint *models.AuditCheckpoint) error
}

// SettlementRepository persists connected DvP settlements
type SettlementRepository interface {
	// Get retrieves a settlement by ID
	Get(ctx context.Context, id string) (*models.ConnectedSettlement, error)

	// Put stores the current version of a settlement
	Put(ctx context.Context, settlement *models.ConnectedSettlement) error

	// List returns every stored settlement
	List(ctx context.Context) ([]*models.ConnectedSettlement, error)
}

// PipelineRepository persists funding pipeline state
type PipelineRepository interface {
	// Get retrieves a pipeline state by ID
	Get(ctx context.Context, id string) (*models.PipelineState, error)

	// Put stores the current version of a pipeline state
	Put(ctx context.Context, state *models.PipelineState) error

	// List returns every stored pipeline state
	List(ctx context.Context) ([]*models.PipelineState, error)
}
