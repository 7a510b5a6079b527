// Package history serves the backend side of recovery: it records every invalidation that
// carries a payload and answers "what changed since version N" queries.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"invalidator/internal/domain"
	"invalidator/internal/ingest"
	"invalidator/internal/metrics"
	"invalidator/internal/recovery"
	"invalidator/internal/storage"
)

const (
	DefaultBatchLimit   = 1000
	DefaultQueryTimeout = 10 * time.Second
)

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBatchLimit caps how many payloads one recovery answer carries. Zero means no cap.
func WithBatchLimit(n int) Option {
	return func(s *Service) { s.batchLimit = n }
}

// WithQueryTimeout bounds a shared recovery read. It runs apart from any one caller's
// context.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

type Service struct {
	engine       storage.Engine
	log          *zap.Logger
	metrics      *metrics.Metrics
	batchLimit   int
	queryTimeout time.Duration
	group        singleflight.Group
}

var (
	_ ingest.Dispatcher  = (*Service)(nil)
	_ recovery.Recoverer = (*Service)(nil)
)

func NewService(engine storage.Engine, opts ...Option) *Service {
	s := &Service{engine: engine, log: zap.NewNop(), batchLimit: DefaultBatchLimit, queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch records inv. Dropped payloads and unknown versions carry nothing to keep and
// are skipped.
func (s *Service) Dispatch(ctx context.Context, inv ingest.Invalidation) error {
	if inv.Version == domain.UnknownVersion || inv.Squelched() {
		s.log.Debug("nothing to record",
			zap.String("object", inv.ObjectName), zap.Int64("version", inv.Version), zap.String("source", inv.Source))
		return nil
	}
	err := s.engine.Append(ctx, storage.Entry{
		ObjectName:    inv.ObjectName,
		Version:       inv.Version,
		Payload:       inv.Payload,
		ExplicitEmpty: inv.ExplicitEmpty,
		Source:        inv.Source,
	})
	s.metrics.HistoryAppend(err)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrVersionConflict):
		s.log.Warn("conflicting payload for recorded version",
			zap.String("object", inv.ObjectName), zap.Int64("version", inv.Version), zap.String("source_ref", inv.SourceRef))
		return err
	case ctx.Err() != nil:
		return err
	default:
		s.log.Error("record invalidation", zap.String("object", inv.ObjectName), zap.Error(err))
		return ingest.Temporary(fmt.Errorf("record %s@%d: %w", inv.ObjectName, inv.Version, err))
	}
}

// RecoverPayloads answers a channel's recovery fetch with the configured batch limit.
func (s *Service) RecoverPayloads(ctx context.Context, id domain.ObjectID, currentClientVersion int64) (recovery.Result, error) {
	return s.Recover(ctx, id.Name, currentClientVersion, s.batchLimit)
}

// Recover returns up to limit payloads newer than since. When the answer is cut short the
// reported current version is the last one returned, so the caller comes back for the rest.
// Concurrent identical queries share one storage read; a caller giving up does not cancel
// it for the others.
func (s *Service) Recover(ctx context.Context, name string, since int64, limit int) (recovery.Result, error) {
	if limit <= 0 || (s.batchLimit > 0 && limit > s.batchLimit) {
		limit = s.batchLimit
	}
	key := fmt.Sprintf("%s\x00%d\x00%d", name, since, limit)
	ch := s.group.DoChan(key, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
		defer cancel()
		return s.recover(readCtx, name, since, limit)
	})
	select {
	case <-ctx.Done():
		return recovery.Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return recovery.Result{}, r.Err
		}
		if r.Shared {
			s.log.Debug("recovery query shared", zap.String("object", name), zap.Int64("since", since))
		}
		return r.Val.(recovery.Result), nil
	}
}

func (s *Service) recover(ctx context.Context, name string, since int64, limit int) (recovery.Result, error) {
	start := time.Now()
	entries, err := s.engine.Since(ctx, name, since, limit)
	if err != nil {
		return recovery.Result{}, fmt.Errorf("history since %s@%d: %w", name, since, err)
	}
	res := recovery.Result{CurrentVersion: since, Items: make([]domain.RecoveredItem, 0, len(entries))}
	for _, e := range entries {
		payload := e.Payload
		if payload == nil {
			payload = []byte{}
		}
		res.Items = append(res.Items, domain.RecoveredItem{Version: e.Version, Payload: payload})
		res.CurrentVersion = e.Version
	}
	if limit > 0 && len(entries) == limit {
		s.log.Debug("recovery truncated", zap.String("object", name), zap.Int("limit", limit))
		return res, nil
	}
	info, ok, err := s.engine.Object(ctx, name)
	if err != nil {
		return recovery.Result{}, fmt.Errorf("history object %s: %w", name, err)
	}
	if ok && info.CurrentVersion > res.CurrentVersion {
		res.CurrentVersion = info.CurrentVersion
	}
	s.log.Debug("recovery served",
		zap.String("object", name),
		zap.Int64("since", since),
		zap.Int("items", len(res.Items)),
		zap.Int64("current_version", res.CurrentVersion),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

func (s *Service) Object(ctx context.Context, name string) (storage.ObjectInfo, bool, error) {
	return s.engine.Object(ctx, name)
}

// CurrentVersion is the newest recorded version of name, or zero when nothing is recorded.
func (s *Service) CurrentVersion(ctx context.Context, name string) (int64, error) {
	info, ok, err := s.engine.Object(ctx, name)
	if err != nil || !ok {
		return 0, err
	}
	return info.CurrentVersion, nil
}

func (s *Service) Health(ctx context.Context) (bool, string) {
	if _, _, err := s.engine.Object(ctx, "health"); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

func (s *Service) Close() error {
	return s.engine.Close()
}
