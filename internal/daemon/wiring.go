package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"invalidator/internal/config"
	"invalidator/internal/delivery"
	"invalidator/internal/domain"
	"invalidator/internal/ingest"
	"invalidator/internal/ingest/socket"
	"invalidator/internal/recovery"
	"invalidator/internal/registry"
	"invalidator/internal/storage"
	"invalidator/internal/storage/sqlite"
)

// OpenHistory opens the sqlite store under cfg.Dir, or an in-memory engine when Dir is
// empty.
func OpenHistory(cfg config.HistoryConfig) (storage.Engine, error) {
	if cfg.Dir == "" {
		return storage.NewMemoryEngine(), nil
	}
	store, err := sqlite.NewStore(cfg.Dir, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", cfg.Dir, err)
	}
	return store, nil
}

// VersionSource reports the newest recorded version of an object.
type VersionSource interface {
	CurrentVersion(ctx context.Context, name string) (int64, error)
}

// Bootstrap registers objects with listener and starts each versioned channel right
// after the version history currently holds.
func Bootstrap(ctx context.Context, reg *registry.Registry, src VersionSource, objects []domain.ObjectID, listener delivery.Listener) ([]*registry.Handle, error) {
	handles := make([]*registry.Handle, 0, len(objects))
	for _, id := range objects {
		h, err := reg.Register(id, listener)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
		if id.Versioning != domain.VersioningPayloads {
			continue
		}
		current, err := src.CurrentVersion(ctx, id.Name)
		if err != nil {
			return handles, fmt.Errorf("bootstrap %s: %w", id.Name, err)
		}
		if err := h.InitializeRecoverer(current + 1); err != nil {
			return handles, fmt.Errorf("bootstrap %s: %w", id.Name, err)
		}
	}
	return handles, nil
}

// RegistryDispatcher feeds transport deliveries into reg. Objects nobody registered are
// skipped.
func RegistryDispatcher(reg *registry.Registry, log *zap.Logger) ingest.Dispatcher {
	return ingest.DispatcherFunc(func(_ context.Context, inv ingest.Invalidation) error {
		err := reg.Dispatch(inv.ObjectName, inv.Notification)
		if errors.Is(err, registry.ErrNotRegistered) {
			log.Debug("invalidation for unwatched object", zap.String("object", inv.ObjectName), zap.String("source", inv.Source))
			return nil
		}
		return err
	})
}

// LogListener logs every delivery and finishes synchronously.
func LogListener(log *zap.Logger) delivery.Listener {
	return delivery.ListenerFunc(func(name string, version int64, payload []byte, _ delivery.AsyncHandle) {
		log.Info("invalidation delivered",
			zap.String("object", name), zap.Int64("version", version), zap.Int("payload_bytes", len(payload)))
	})
}

type historyView interface {
	Recover(ctx context.Context, objectName string, since int64, limit int) (recovery.Result, error)
	Object(ctx context.Context, objectName string) (storage.ObjectInfo, bool, error)
	Health(ctx context.Context) (bool, string)
}

// backend is what the socket server exposes: pushes go to dispatch, queries to history.
type backend struct {
	dispatch ingest.Dispatcher
	history  historyView
}

var _ socket.Backend = backend{}

func (b backend) Dispatch(ctx context.Context, inv ingest.Invalidation) error {
	return b.dispatch.Dispatch(ctx, inv)
}

func (b backend) Recover(ctx context.Context, objectName string, since int64, limit int) (recovery.Result, error) {
	return b.history.Recover(ctx, objectName, since, limit)
}

func (b backend) Object(ctx context.Context, objectName string) (storage.ObjectInfo, bool, error) {
	return b.history.Object(ctx, objectName)
}

func (b backend) Health(ctx context.Context) (bool, string) {
	return b.history.Health(ctx)
}

// remoteHistory proxies queries to the history server a watching node recovers from.
type remoteHistory struct {
	client *socket.Client
}

func (r remoteHistory) Recover(ctx context.Context, objectName string, since int64, limit int) (recovery.Result, error) {
	return r.client.Recover(ctx, objectName, since, limit)
}

func (r remoteHistory) Object(ctx context.Context, objectName string) (storage.ObjectInfo, bool, error) {
	return r.client.Object(ctx, objectName)
}

func (r remoteHistory) Health(ctx context.Context) (bool, string) {
	ok, msg, err := r.client.Health(ctx)
	if err != nil {
		return false, err.Error()
	}
	return ok, msg
}
