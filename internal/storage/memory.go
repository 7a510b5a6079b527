package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"invalidator/internal/domain"
	"invalidator/internal/hashroute"
)

type MemoryEngine struct {
	mu      sync.Mutex
	router  *hashroute.Router
	objects map[string]*memoryObject
}

type memoryObject struct {
	info    ObjectInfo
	entries map[int64]Entry
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{router: hashroute.NewRouter(), objects: map[string]*memoryObject{}}
}

func (m *MemoryEngine) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateEntry(e); err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.RecordedAtUTCNs == 0 {
		e.RecordedAtUTCNs = now.UnixNano()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[e.ObjectName]
	if !ok {
		route := m.router.EnsureRoute(e.ObjectName, now)
		obj = &memoryObject{
			info:    ObjectInfo{Name: e.ObjectName, PartitionID: route.PartitionID, FirstSeenUTCNs: e.RecordedAtUTCNs},
			entries: map[int64]Entry{},
		}
		m.objects[e.ObjectName] = obj
	}
	if existing, ok := obj.entries[e.Version]; ok {
		if SameEntry(existing, e) {
			return nil
		}
		return fmt.Errorf("%s@%d: %w", e.ObjectName, e.Version, ErrVersionConflict)
	}
	obj.entries[e.Version] = e
	obj.info.EntryCount++
	obj.info.LastSeenUTCNs = e.RecordedAtUTCNs
	if e.Version > obj.info.CurrentVersion {
		obj.info.CurrentVersion = e.Version
	}
	return nil
}

func (m *MemoryEngine) Since(_ context.Context, objectName string, after int64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectName]
	if !ok {
		return nil, nil
	}
	out := make([]Entry, 0, len(obj.entries))
	for v, e := range obj.entries {
		if v > after {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryEngine) Object(_ context.Context, objectName string) (ObjectInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectName]
	if !ok {
		return ObjectInfo{}, false, nil
	}
	return obj.info, true, nil
}

func (m *MemoryEngine) Close() error { return nil }

// ValidateEntry reports whether e may be appended.
func ValidateEntry(e Entry) error {
	if e.ObjectName == "" {
		return fmt.Errorf("object name is required")
	}
	if e.Version < domain.MinNextExpectedVersion {
		return fmt.Errorf("%s: version %d below %d", e.ObjectName, e.Version, domain.MinNextExpectedVersion)
	}
	if e.Payload == nil && !e.ExplicitEmpty {
		return fmt.Errorf("%s@%d: payload is required", e.ObjectName, e.Version)
	}
	return nil
}
