package storage

import (
	"context"
	"errors"

	"invalidator/internal/domain"
)

// ErrVersionConflict is returned when a version is recorded twice with different payloads.
var ErrVersionConflict = errors.New("version already recorded with a different payload")

// Entry is one recorded payload of an object. History is append-only.
type Entry struct {
	ObjectName      string
	Version         int64
	Payload         []byte
	ExplicitEmpty   bool
	Source          string
	RecordedAtUTCNs int64
}

type ObjectInfo struct {
	Name           string
	PartitionID    domain.PartitionID
	CurrentVersion int64
	EntryCount     int64
	FirstSeenUTCNs int64
	LastSeenUTCNs  int64
}

// Engine is the storage contract for payload history.
type Engine interface {
	// Append records e. Re-appending an identical entry is a no-op.
	Append(ctx context.Context, e Entry) error
	// Since returns up to limit entries newer than after, in version order.
	Since(ctx context.Context, objectName string, after int64, limit int) ([]Entry, error)
	Object(ctx context.Context, objectName string) (ObjectInfo, bool, error)
	Close() error
}

func SameEntry(a, b Entry) bool {
	return a.ExplicitEmpty == b.ExplicitEmpty && string(a.Payload) == string(b.Payload)
}
