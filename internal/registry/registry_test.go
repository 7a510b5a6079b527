package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invalidator/internal/delivery"
	"invalidator/internal/domain"
	"invalidator/internal/metrics"
	"invalidator/internal/recovery"
	"invalidator/internal/serial"
	"invalidator/internal/timer"
)

type store struct {
	mu       sync.Mutex
	payloads map[string]map[int64]string
	calls    int
	fail     int
}

func newStore() *store {
	return &store{payloads: map[string]map[int64]string{}}
}

func (s *store) put(name string, v int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payloads[name] == nil {
		s.payloads[name] = map[int64]string{}
	}
	p := fmt.Sprintf("%s@%d", name, v)
	s.payloads[name][v] = p
	return []byte(p)
}

func (s *store) RecoverPayloads(_ context.Context, id domain.ObjectID, since int64) (recovery.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail > 0 {
		s.fail--
		return recovery.Result{}, errors.New("unavailable")
	}
	var res recovery.Result
	for v := since + 1; ; v++ {
		p, ok := s.payloads[id.Name][v]
		if !ok {
			break
		}
		res.Items = append(res.Items, domain.RecoveredItem{Version: v, Payload: []byte(p)})
		res.CurrentVersion = v
	}
	if res.CurrentVersion == 0 {
		res.CurrentVersion = since
	}
	return res, nil
}

type collector struct {
	mu  sync.Mutex
	got map[string][]int64
	raw map[string][]string
}

func newCollector() *collector {
	return &collector{got: map[string][]int64{}, raw: map[string][]string{}}
}

func (c *collector) OnInvalidated(name string, version int64, payload []byte, _ delivery.AsyncHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got[name] = append(c.got[name], version)
	c.raw[name] = append(c.raw[name], string(payload))
}

func (c *collector) versions(name string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.got[name]...)
}

func newManualRegistry(t *testing.T, s *store, opts ...Option) (*Registry, *serial.Manual, *timer.Fake) {
	t.Helper()
	exec := serial.NewManual()
	clock := timer.NewFake()
	cfg := recovery.DefaultConfig()
	cfg.RetryJitter = 0
	opts = append([]Option{WithExecutor(exec, clock)}, opts...)
	r := New(cfg, s, opts...)
	t.Cleanup(r.Close)
	return r, exec, clock
}

func payloads(name string) domain.ObjectID {
	return domain.ObjectID{Name: name, Versioning: domain.VersioningPayloads}
}

func TestDispatchRoutesPerObject(t *testing.T) {
	s := newStore()
	r, exec, clock := newManualRegistry(t, s)
	c := newCollector()

	ha, err := r.Register(payloads("a"), c)
	require.NoError(t, err)
	hb, err := r.Register(payloads("b"), c)
	require.NoError(t, err)
	require.NoError(t, ha.InitializeRecoverer(1))
	require.NoError(t, hb.InitializeRecoverer(1))

	for _, v := range []int64{2, 1, 3} {
		require.NoError(t, r.Notify("a", v, s.put("a", v), false))
		require.NoError(t, r.Notify("b", 4-v, s.put("b", 4-v), false))
	}
	exec.Run()
	clock.FireAll(10)
	exec.Run()

	assert.Equal(t, []int64{1, 2, 3}, c.versions("a"))
	assert.Equal(t, []int64{1, 2, 3}, c.versions("b"))
	assert.Equal(t, 0, s.calls)
	assert.Equal(t, 2, r.Len())
}

func TestDispatchUnknownObject(t *testing.T) {
	r, _, _ := newManualRegistry(t, newStore())
	err := r.Notify("missing", 1, []byte("x"), false)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestVersioningNoneDeliversRaw(t *testing.T) {
	r, exec, _ := newManualRegistry(t, newStore())
	c := newCollector()
	h, err := r.Register(domain.ObjectID{Name: "presence", Versioning: domain.VersioningNone}, c)
	require.NoError(t, err)

	require.NoError(t, r.Notify("presence", 5, []byte("x"), false))
	require.NoError(t, r.Notify("presence", 2, nil, false))
	require.NoError(t, r.Notify("presence", domain.UnknownVersion, nil, true))
	exec.Run()

	assert.Equal(t, []int64{5, 2, domain.UnknownVersion}, c.versions("presence"))
	assert.ErrorIs(t, h.InitializeRecoverer(1), ErrNoRecoverer)
	assert.ErrorIs(t, h.Recover(), ErrNoRecoverer)
	assert.NoError(t, h.Err())
}

func TestHandleInvalidationEmptySentinel(t *testing.T) {
	s := newStore()
	r, exec, _ := newManualRegistry(t, s)
	c := newCollector()
	h, err := r.Register(payloads("doc"), c)
	require.NoError(t, err)
	require.NoError(t, h.InitializeRecoverer(1))

	require.NoError(t, r.HandleInvalidation("doc", 1, []byte(domain.EmptyPayload)))
	exec.Run()
	assert.Equal(t, []int64{1}, c.versions("doc"))
	assert.Equal(t, []string{""}, c.raw["doc"])
	assert.Equal(t, 0, s.calls)

	s.put("doc", 2)
	require.NoError(t, r.HandleInvalidation("doc", 2, nil))
	exec.Run()
	assert.Equal(t, []int64{1, 2}, c.versions("doc"))
	assert.Equal(t, 1, s.calls)
}

func TestUnregisterStopsDeliveryAndTimers(t *testing.T) {
	s := newStore()
	r, exec, clock := newManualRegistry(t, s)
	c := newCollector()
	h, err := r.Register(payloads("doc"), c)
	require.NoError(t, err)
	require.NoError(t, h.InitializeRecoverer(1))

	require.NoError(t, r.Notify("doc", 2, []byte("p2"), false))
	exec.Run()
	require.Equal(t, 1, clock.Pending())

	r.Unregister(h.ObjectID())
	exec.Run()
	assert.Equal(t, 0, clock.Pending())
	assert.ErrorIs(t, r.Notify("doc", 1, []byte("p1"), false), ErrNotRegistered)
	assert.Empty(t, c.versions("doc"))
	assert.ErrorIs(t, h.Err(), recovery.ErrClosed)
}

func TestHandleRemoveIgnoresReplacedRegistration(t *testing.T) {
	r, exec, _ := newManualRegistry(t, newStore())
	first := newCollector()
	second := newCollector()

	h1, err := r.Register(payloads("doc"), first)
	require.NoError(t, err)
	h2, err := r.Register(payloads("doc"), second)
	require.NoError(t, err)
	assert.ErrorIs(t, h1.Err(), recovery.ErrClosed)

	h1.Remove()
	_, ok := r.Lookup("doc")
	require.True(t, ok)

	require.NoError(t, h2.InitializeRecoverer(1))
	require.NoError(t, r.Notify("doc", 1, []byte("p"), false))
	exec.Run()
	assert.Empty(t, first.versions("doc"))
	assert.Equal(t, []int64{1}, second.versions("doc"))

	h2.Remove()
	assert.Equal(t, 0, r.Len())
}

func TestVersionExhaustionSurfacedThroughDispatch(t *testing.T) {
	exec := serial.NewManual()
	cfg := recovery.DefaultConfig()
	cfg.MaxVersion = 100
	r := New(cfg, newStore(), WithExecutor(exec, timer.NewFake()))
	defer r.Close()

	h, err := r.Register(payloads("doc"), newCollector())
	require.NoError(t, err)
	require.NoError(t, h.InitializeRecoverer(1))

	err = r.Notify("doc", 101, []byte("x"), false)
	require.ErrorIs(t, err, recovery.ErrVersionSpaceExhausted)
	exec.Run()
	assert.Equal(t, recovery.StateFailed, h.State())
	assert.ErrorIs(t, h.Err(), recovery.ErrVersionSpaceExhausted)
}

func TestRegisterValidationAndClose(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	r, _, _ := newManualRegistry(t, newStore(), WithMetrics(m), WithLogger(nil))
	_, err = r.Register(payloads("x"), nil)
	assert.Error(t, err)

	_, err = r.Register(payloads("x"), newCollector())
	require.NoError(t, err)
	assert.Len(t, r.Objects(), 1)

	r.Close()
	assert.Equal(t, 0, r.Len())
	_, err = r.Register(payloads("y"), newCollector())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecoveryFailureThenSuccessEndToEnd(t *testing.T) {
	s := newStore()
	s.fail = 1
	r, exec, clock := newManualRegistry(t, s)
	c := newCollector()
	h, err := r.Register(payloads("doc"), c)
	require.NoError(t, err)
	require.NoError(t, h.InitializeRecoverer(1))

	for v := int64(1); v <= 3; v++ {
		s.put("doc", v)
	}
	require.NoError(t, r.Notify("doc", 3, []byte("doc@3"), false))
	exec.Run()

	clock.Advance(recovery.DefaultReorderTimeout)
	exec.Run()
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, recovery.StateRetryBackoff, h.State())

	for i := 0; i < 10 && clock.FireNext(); i++ {
		exec.Run()
	}
	assert.Equal(t, 2, s.calls)
	assert.Equal(t, []int64{1, 2, 3}, c.versions("doc"))
}

func TestPartitionLoopsDeliverConcurrently(t *testing.T) {
	s := newStore()
	cfg := recovery.DefaultConfig()
	cfg.ReorderTimeout = 5 * time.Millisecond
	r := New(cfg, s)
	defer r.Close()

	c := newCollector()
	names := []string{"alpha", "beta", "gamma", "delta"}
	for _, name := range names {
		h, err := r.Register(payloads(name), c)
		require.NoError(t, err)
		require.NoError(t, h.InitializeRecoverer(1))
		for v := int64(1); v <= 20; v++ {
			s.put(name, v)
		}
	}

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := int64(20); v >= 1; v-- {
				if v%7 == 0 {
					_ = r.Notify(name, v, nil, false)
					continue
				}
				_ = r.Notify(name, v, []byte(fmt.Sprintf("%s@%d", name, v)), false)
			}
		}()
	}
	wg.Wait()

	want := make([]int64, 0, 20)
	for v := int64(1); v <= 20; v++ {
		want = append(want, v)
	}
	require.Eventually(t, func() bool {
		for _, name := range names {
			if len(c.versions(name)) != 20 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	for _, name := range names {
		assert.Equal(t, want, c.versions(name), name)
	}
}
