// Package operationstate implements the Operation State Store (spec.md
// §4.C): a durable, append-and-overwrite keyed store used strictly for
// crash recovery. It is never the source of truth for a running
// operation - the in-memory Unified Operation Tracker is - it only lets a
// restarted process notice that a job was interrupted mid-flight.
package operationstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/repository"
)

// DefaultStaleCutoff is the age beyond which a persisted "running" record
// is reinterpreted as interrupted on startup (spec.md §4.C default).
const DefaultStaleCutoff = 5 * time.Minute

// Record is the decoded view of a persisted operation state: the typed
// counterpart to models.OperationStateRecord, with DataBlob already
// unmarshalled into Data.
type Record struct {
	Key       string
	Type      string
	Status    string
	Message   string
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the Operation State Store. It is safe for concurrent use; all
// serialization is handled by the underlying database.
type Store struct {
	repo repository.OperationStateRepository
}

// New builds a Store backed by the given repository.
func New(repo repository.OperationStateRepository) *Store {
	return &Store{repo: repo}
}

// Key builds the conventional "<Type>_<OperationId>" state-store key
// (spec.md §6).
func Key(opType, operationID string) string {
	return opType + "_" + operationID
}

// SaveState persists (creating or replacing) the state for key. data is
// marshalled to JSON and stored as an opaque blob; callers decide what it
// means for their operation type.
func (s *Store) SaveState(ctx context.Context, key, opType, status, message string, data any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshalling operation state data: %w", err)
	}

	record := &models.OperationStateRecord{
		Key:      key,
		Type:     opType,
		Status:   status,
		Message:  message,
		DataBlob: string(blob),
	}
	if err := s.repo.Save(ctx, record); err != nil {
		return fmt.Errorf("saving operation state %s: %w", key, err)
	}
	return nil
}

// GetState retrieves the record for key, or nil if none exists.
func (s *Store) GetState(ctx context.Context, key string) (*Record, error) {
	record, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("getting operation state %s: %w", key, err)
	}
	if record == nil {
		return nil, nil
	}
	return toRecord(record), nil
}

// GetStatesByType retrieves every record of the given operation type.
func (s *Store) GetStatesByType(ctx context.Context, opType string) ([]*Record, error) {
	records, err := s.repo.GetByType(ctx, opType)
	if err != nil {
		return nil, fmt.Errorf("getting operation states by type %s: %w", opType, err)
	}
	return toRecords(records), nil
}

// GetAllStates retrieves every persisted record, oldest first.
func (s *Store) GetAllStates(ctx context.Context) ([]*Record, error) {
	records, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting all operation states: %w", err)
	}
	return toRecords(records), nil
}

// RemoveState deletes the record for key. Deleting a key that does not
// exist is not an error.
func (s *Store) RemoveState(ctx context.Context, key string) error {
	if err := s.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("removing operation state %s: %w", key, err)
	}
	return nil
}

// IsStale reports whether a record last updated before now-cutoff should
// be reinterpreted as interrupted (spec.md §4.C). A zero cutoff uses
// DefaultStaleCutoff.
func IsStale(record *Record, now time.Time, cutoff time.Duration) bool {
	if cutoff <= 0 {
		cutoff = DefaultStaleCutoff
	}
	return now.Sub(record.UpdatedAt) >= cutoff
}

func toRecord(r *models.OperationStateRecord) *Record {
	return &Record{
		Key:       r.Key,
		Type:      r.Type,
		Status:    r.Status,
		Message:   r.Message,
		Data:      json.RawMessage(r.DataBlob),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func toRecords(records []*models.OperationStateRecord) []*Record {
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		out = append(out, toRecord(r))
	}
	return out
}
