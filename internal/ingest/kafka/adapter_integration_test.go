package kafka

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"invalidator/internal/domain"
	"invalidator/internal/ingest"
)

type captureDispatcher struct {
	mu  sync.Mutex
	got []ingest.Invalidation
}

func (c *captureDispatcher) Dispatch(_ context.Context, inv ingest.Invalidation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, inv)
	return nil
}

func (c *captureDispatcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestKafkaContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	pub, err := NewPublisher([]string{broker}, "invalidations", "invalidator-it")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer pub.Close()
	for v := int64(1); v <= 3; v++ {
		inv := ingest.Invalidation{ObjectName: "doc", Notification: domain.Notification{Version: v, Payload: []byte(fmt.Sprintf(`{"v":%d}`, v))}}
		if err := pub.Publish(ctx, inv); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	d := &captureDispatcher{}
	adapter, err := NewAdapter(Config{Enabled: true, Brokers: []string{broker}, Topics: []string{"invalidations"}, GroupID: "invalidator-it"}, d)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	consumeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	go func() { _ = adapter.Start(consumeCtx) }()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-consumeCtx.Done():
			t.Fatalf("timed out waiting for consumed invalidations, got %d", d.count())
		case <-ticker.C:
			if d.count() >= 3 {
				d.mu.Lock()
				for _, inv := range d.got {
					if inv.ObjectName != "doc" || inv.Source != "kafka" {
						d.mu.Unlock()
						t.Fatalf("unexpected invalidation: %+v", inv)
					}
				}
				d.mu.Unlock()
				return
			}
		}
	}
}
