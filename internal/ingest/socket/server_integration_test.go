package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"invalidator/internal/delivery"
	"invalidator/internal/domain"
	"invalidator/internal/history"
	"invalidator/internal/recovery"
	"invalidator/internal/registry"
	"invalidator/internal/storage"
)

func startTestServer(t *testing.T) (*Server, *Client, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	svc := history.NewService(storage.NewMemoryEngine(), history.WithBatchLimit(100))
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", MaxInflight: 64, GlobalQueueLimit: 2048, AuthToken: "secret"}, svc)
	go func() { _ = s.Start(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, NewClient(ClientConfig{Network: "tcp", Address: addr, AuthToken: "secret"}), cancel
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server not started")
	return nil, nil, cancel
}

func invalidation(name string, v int64) domain.Invalidation {
	return domain.Invalidation{ObjectName: name, Notification: domain.Notification{Version: v, Payload: []byte(fmt.Sprintf("%s@%d", name, v))}}
}

func TestNotifyThenRecover(t *testing.T) {
	srv, client, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()
	ctx := context.Background()

	if _, err := client.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	accepted, err := client.NotifyBatch(ctx, []domain.Invalidation{invalidation("doc", 1), invalidation("doc", 2), invalidation("doc", 3)})
	if err != nil {
		t.Fatal(err)
	}
	if accepted != 3 {
		t.Fatalf("expected 3 accepted, got %d", accepted)
	}
	if err := client.Notify(ctx, domain.Invalidation{ObjectName: "doc", Notification: domain.Notification{Version: 4, ExplicitEmpty: true}}); err != nil {
		t.Fatal(err)
	}

	res, err := client.RecoverPayloads(ctx, domain.ObjectID{Name: "doc", Versioning: domain.VersioningPayloads}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 3 || res.CurrentVersion != 4 {
		t.Fatalf("unexpected recovery: %+v", res)
	}
	if string(res.Items[0].Payload) != "doc@2" || res.Items[2].Payload == nil || len(res.Items[2].Payload) != 0 {
		t.Fatalf("unexpected payloads: %+v", res.Items)
	}

	page, err := client.Recover(ctx, "doc", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.CurrentVersion != 2 {
		t.Fatalf("expected truncated page, got %+v", page)
	}

	cur, err := client.CurrentVersion(ctx, "doc")
	if err != nil || cur != 4 {
		t.Fatalf("current version = %d, err = %v", cur, err)
	}
	if _, found, err := client.Object(ctx, "missing"); found || err != nil {
		t.Fatalf("missing object: found=%t err=%v", found, err)
	}
	ok, _, err := client.Health(ctx)
	if err != nil || !ok {
		t.Fatalf("health: ok=%t err=%v", ok, err)
	}
}

func TestConflictingPayloadIsRejected(t *testing.T) {
	srv, client, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()
	ctx := context.Background()

	inv := invalidation("doc", 1)
	if err := client.Notify(ctx, inv); err != nil {
		t.Fatal(err)
	}
	if err := client.Notify(ctx, inv); err != nil {
		t.Fatalf("identical re-notify should succeed: %v", err)
	}
	inv.Payload = []byte("other")
	err := client.Notify(ctx, inv)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	srv, client, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()

	bad := NewClient(ClientConfig{Network: "tcp", Address: client.cfg.Address, AuthToken: "wrong"})
	_, err := bad.Ping(context.Background())
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != ErrorCodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if remote.Temporary() {
		t.Fatalf("auth failure must not be retryable")
	}
}

func TestConcurrentLoad(t *testing.T) {
	srv, client, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()

	const clients = 20
	const perClient = 40
	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			name := fmt.Sprintf("obj-%d", c)
			for v := int64(1); v <= perClient; v++ {
				if err := client.Notify(context.Background(), invalidation(name, v)); err != nil {
					errCh <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	for i := 0; i < clients; i++ {
		cur, err := client.CurrentVersion(context.Background(), fmt.Sprintf("obj-%d", i))
		if err != nil || cur != perClient {
			t.Fatalf("obj-%d current=%d err=%v", i, cur, err)
		}
	}
}

type recorder struct {
	mu  sync.Mutex
	got []int64
}

func (r *recorder) OnInvalidated(_ string, version int64, _ []byte, _ delivery.AsyncHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, version)
}

func (r *recorder) versions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.got...)
}

func TestRegistryRecoversThroughSocket(t *testing.T) {
	srv, client, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()
	ctx := context.Background()

	for v := int64(1); v <= 5; v++ {
		if err := client.Notify(ctx, invalidation("doc", v)); err != nil {
			t.Fatal(err)
		}
	}

	cfg := recovery.DefaultConfig()
	cfg.ReorderTimeout = 10 * time.Millisecond
	reg := registry.New(cfg, client)
	defer reg.Close()

	rec := &recorder{}
	h, err := reg.Register(domain.ObjectID{Name: "doc", Versioning: domain.VersioningPayloads}, rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.InitializeRecoverer(2); err != nil {
		t.Fatal(err)
	}
	// Only version 5 is pushed; 2 through 4 come back through recovery.
	if err := reg.Notify("doc", 5, []byte("doc@5"), false); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.versions()) == 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := rec.versions()
	want := []int64{2, 3, 4, 5}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
}
