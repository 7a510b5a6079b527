// Package kafka consumes invalidation envelopes from Kafka topics and publishes them.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"invalidator/internal/ingest"
	"invalidator/internal/metrics"
)

const (
	ParseModeJSON   = "json_envelope"
	ParseModeCustom = "custom_mapper"

	transportName = "kafka"
)

// Mapper turns a record that does not carry the JSON envelope into an invalidation.
type Mapper interface {
	MapKafkaRecord(*kgo.Record) (ingest.Invalidation, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	ParseMode      string
	Auth           AuthConfig
	Fetch          FetchConfig

	CustomMapper Mapper
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Adapter consumes with a consumer group and commits an offset once its record has been
// dispatched. Records whose dispatch failed temporarily are left uncommitted.
type Adapter struct {
	cfg Config
	log *zap.Logger

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	dispatcher   ingest.Dispatcher
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, dispatcher ingest.Dispatcher, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dispatcher == nil {
		return nil, errors.New("kafka dispatcher is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	kopts = append(kopts, clientOpts(cfg.ClientID, cfg.Auth)...)
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:        cfg,
		log:        cfg.Logger,
		client:     cl,
		dispatcher: dispatcher,
		records:    make(chan *kgo.Record, cfg.QueueCapacity),
		acks:       make(chan recordAck, cfg.QueueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func clientOpts(clientID string, auth AuthConfig) []kgo.Opt {
	var opts []kgo.Opt
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	if auth.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: auth.TLS.InsecureSkipVerify}))
	}
	return opts
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	switch c.ParseMode {
	case ParseModeJSON:
	case ParseModeCustom:
		if c.CustomMapper == nil {
			return errors.New("kafka custom mapper not configured")
		}
	default:
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

// Start consumes until ctx is done. Workers may dispatch records of one partition out of
// order; the engine reorders by version.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()

	for i := 0; i < a.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWorker(ctx)
		}()
	}

	a.log.Info("kafka consumer started", zap.Strings("topics", a.cfg.Topics), zap.String("group", a.cfg.GroupID))
	for {
		if ctx.Err() != nil || a.closed.Load() {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			close(a.records)
			wg.Wait()
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				a.enqueue(ctx, rec)
			}
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) enqueue(ctx context.Context, rec *kgo.Record) {
	for {
		select {
		case a.records <- rec:
			a.maybeResume()
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// Close stops polling after the current fetch.
func (a *Adapter) Close() {
	a.closed.Store(true)
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		inv, err := a.normalizeRecord(rec)
		if err != nil {
			a.log.Warn("undecodable record skipped", zap.String("ref", sourceRef(rec)), zap.Error(err))
			a.ack(ctx, recordAck{record: rec, err: err})
			continue
		}
		err = a.dispatcher.Dispatch(ctx, inv)
		a.cfg.Metrics.TransportMessage(transportName, err)
		if err != nil {
			a.log.Debug("dispatch failed", zap.String("object", inv.ObjectName), zap.Int64("version", inv.Version), zap.Error(err))
		}
		a.ack(ctx, recordAck{record: rec, err: err})
	}
}

func (a *Adapter) ack(ctx context.Context, ack recordAck) {
	select {
	case a.acks <- ack:
	case <-ctx.Done():
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil {
				continue
			}
			if ingest.IsTemporary(ack.err) {
				continue
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("commit offsets", zap.Error(err))
			}
		}
	}
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (ingest.Invalidation, error) {
	var (
		inv ingest.Invalidation
		err error
	)
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		inv, err = ingest.Decode(rec.Value)
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return inv, errors.New("custom mapper not configured")
		}
		inv, err = a.cfg.CustomMapper.MapKafkaRecord(rec)
	default:
		return inv, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	if err != nil {
		return inv, err
	}
	inv.Source = transportName
	inv.SourceRef = sourceRef(rec)
	return inv, nil
}

func sourceRef(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
