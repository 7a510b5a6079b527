// Package daemon turns a loaded config into running components.
//
// Serve hosts payload history: every enabled transport records into it and the socket
// server answers recovery queries from it. Watch runs the delivery engine against a
// remote history server and hands ordered payloads to a listener. Both run their
// components under one errgroup and return when ctx is done or a component fails.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"invalidator/internal/config"
	"invalidator/internal/delivery"
	"invalidator/internal/history"
	"invalidator/internal/ingest"
	"invalidator/internal/ingest/kafka"
	"invalidator/internal/ingest/rabbitmq"
	"invalidator/internal/ingest/socket"
	"invalidator/internal/metrics"
	"invalidator/internal/registry"
)

type Option func(*Daemon)

// WithListener replaces the listener that receives ordered deliveries. The default logs
// them.
func WithListener(l delivery.Listener) Option {
	return func(d *Daemon) {
		if l != nil {
			d.listener = l
		}
	}
}

type Daemon struct {
	cfg      config.Config
	log      *zap.Logger
	prom     *prometheus.Registry
	metrics  *metrics.Metrics
	listener delivery.Listener
}

func New(cfg config.Config, log *zap.Logger, opts ...Option) (*Daemon, error) {
	if log == nil {
		log = zap.NewNop()
	}
	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(prom)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	d := &Daemon{
		cfg:      cfg,
		log:      log.With(zap.String("node", cfg.Server.NodeID)),
		prom:     prom,
		metrics:  m,
		listener: LogListener(log),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// MetricsHandler serves every collector the daemon registered.
func (d *Daemon) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(d.prom, promhttp.HandlerOpts{Registry: d.prom})
}

// Serve runs the history node. Objects listed under watch.objects are also delivered
// in process, recovering straight from the local history.
func (d *Daemon) Serve(ctx context.Context) error {
	if !d.cfg.History.Enabled {
		return errors.New("serve: history.enabled is false")
	}
	engine, err := OpenHistory(d.cfg.History)
	if err != nil {
		return err
	}
	svc := history.NewService(engine,
		history.WithLogger(d.log.Named("history")),
		history.WithMetrics(d.metrics),
		history.WithBatchLimit(d.cfg.History.BatchLimit),
		history.WithQueryTimeout(d.cfg.Engine.RecoveryTimeout))
	defer func() {
		if err := svc.Close(); err != nil {
			d.log.Warn("close history", zap.Error(err))
		}
	}()

	var dispatcher ingest.Dispatcher = svc
	if objects := d.cfg.WatchedObjects(); len(objects) > 0 {
		reg := registry.New(d.cfg.RecoveryConfig(), svc,
			registry.WithLogger(d.log.Named("engine")), registry.WithMetrics(d.metrics))
		defer reg.Close()
		if _, err := Bootstrap(ctx, reg, svc, objects, d.listener); err != nil {
			return err
		}
		// History first, so a recovery triggered by the engine already finds the payload.
		dispatcher = ingest.Fanout{svc, RegistryDispatcher(reg, d.log)}
	}

	d.log.Info("serving history", zap.String("dir", d.cfg.History.Dir), zap.Int("watched", len(d.cfg.Watch.Objects)))
	return d.run(ctx, backend{dispatch: dispatcher, history: svc})
}

// Watch runs the delivery engine for watch.objects, recovering from the history server
// at recovery.address.
func (d *Daemon) Watch(ctx context.Context) error {
	objects := d.cfg.WatchedObjects()
	if len(objects) == 0 {
		return errors.New("watch: watch.objects is empty")
	}
	client := socket.NewClient(d.cfg.RecoveryClient())
	reg := registry.New(d.cfg.RecoveryConfig(), client,
		registry.WithLogger(d.log.Named("engine")), registry.WithMetrics(d.metrics))
	defer reg.Close()

	if _, err := Bootstrap(ctx, reg, client, objects, d.listener); err != nil {
		return err
	}
	d.log.Info("watching objects", zap.Int("count", len(objects)), zap.String("history", d.cfg.Recovery.Address))
	return d.run(ctx, backend{dispatch: RegistryDispatcher(reg, d.log), history: remoteHistory{client}})
}

// Publisher returns a dispatcher that pushes invalidations through the named transport.
func (d *Daemon) Publisher(via string) (ingest.Dispatcher, func(), error) {
	switch via {
	case "socket":
		return socket.NewClient(d.cfg.SocketClient()), func() {}, nil
	case "kafka":
		k := d.cfg.Ingest.Kafka
		if len(k.Topics) == 0 {
			return nil, nil, errors.New("publish: ingest.kafka.topics is empty")
		}
		p, err := kafka.NewPublisher(k.Brokers, k.Topics[0], k.ClientID)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "rabbitmq":
		p, err := rabbitmq.NewPublisher(d.cfg.RabbitMQAdapter(), "")
		if err != nil {
			return nil, nil, err
		}
		return p, func() {
			if err := p.Close(); err != nil {
				d.log.Warn("close rabbitmq publisher", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("publish: unknown transport %q", via)
	}
}

func (d *Daemon) run(ctx context.Context, be backend) error {
	var (
		kafkaAdapter    *kafka.Adapter
		rabbitmqAdapter *rabbitmq.Adapter
		err             error
	)
	if d.cfg.Ingest.Kafka.Enabled {
		kcfg := d.cfg.KafkaAdapter()
		kcfg.Logger = d.log.Named("kafka")
		kcfg.Metrics = d.metrics
		if kafkaAdapter, err = kafka.NewAdapter(kcfg, be.dispatch); err != nil {
			return err
		}
	}
	if d.cfg.Ingest.RabbitMQ.Enabled {
		rcfg := d.cfg.RabbitMQAdapter()
		rcfg.Logger = d.log.Named("rabbitmq")
		rcfg.Metrics = d.metrics
		if rabbitmqAdapter, err = rabbitmq.NewAdapter(rcfg, be.dispatch); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if d.cfg.Ingest.Socket.Enabled {
		srv := socket.NewServer(d.cfg.SocketServer(), be,
			socket.WithServerLogger(d.log.Named("socket")), socket.WithServerMetrics(d.metrics))
		g.Go(func() error { return srv.Start(ctx) })
	}

	if kafkaAdapter != nil {
		g.Go(func() error {
			if err := kafkaAdapter.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka: %w", err)
			}
			return nil
		})
	}

	if rabbitmqAdapter != nil {
		g.Go(func() error {
			if err := rabbitmqAdapter.Start(ctx); err != nil {
				return fmt.Errorf("rabbitmq: %w", err)
			}
			<-ctx.Done()
			return rabbitmqAdapter.Close()
		})
	}

	if d.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.MetricsHandler())
		srv := &http.Server{Addr: d.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			d.log.Info("metrics listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}
