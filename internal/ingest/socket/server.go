// Package socket is the request/response transport between engines and the history
// backend: pushed invalidations in, recovery answers out.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"invalidator/internal/domain"
	"invalidator/internal/hashroute"
	"invalidator/internal/ingest"
	"invalidator/internal/metrics"
	"invalidator/internal/recovery"
	"invalidator/internal/storage"
)

const transportName = "socket"

// Backend is what the server exposes. history.Service implements it.
type Backend interface {
	ingest.Dispatcher
	Recover(ctx context.Context, objectName string, since int64, limit int) (recovery.Result, error)
	Object(ctx context.Context, objectName string) (storage.ObjectInfo, bool, error)
	Health(ctx context.Context) (bool, string)
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
}

type ServerOption func(*Server)

func WithServerLogger(log *zap.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

type Server struct {
	cfg     Config
	backend Backend
	log     *zap.Logger
	metrics *metrics.Metrics
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool
	qmu     sync.RWMutex
	wg      sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}
type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewServer(cfg Config, backend Backend, opts ...ServerOption) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	s := &Server{
		cfg:     cfg,
		backend: backend,
		log:     zap.NewNop(),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, hashroute.PartitionCount),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info("socket server listening", zap.String("network", s.cfg.Network), zap.String("addr", ln.Addr().String()))

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.qmu.Lock()
	for _, q := range s.partQ {
		close(q)
	}
	s.qmu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer raw.Close()
		s.readLoop(ctx, conn)
		conn.mu.Lock()
		conn.closed = true
		close(conn.writerQ)
		conn.mu.Unlock()
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			s.log.Warn("marshal response", zap.String("request_id", res.RequestId), zap.Error(err))
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "adapter queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		if !s.enqueue(qr) {
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "partition queue overloaded"})
		}
	}
}

func (s *Server) enqueue(qr queuedRequest) bool {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.partQ[partitionFor(qr.req)] <- qr:
		return true
	default:
		return false
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for req := range q {
		res := s.handleRequest(req.ctx, req.req)
		s.send(req.conn, res)
		req.release()
	}
}

// send queues res for the connection's writer. Responses for a connection that has
// already gone away are dropped.
func (s *Server) send(conn *connection, res *SocketResponse) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return
	}
	select {
	case conn.writerQ <- res:
	default:
		s.log.Warn("response dropped, writer queue full", zap.String("request_id", res.RequestId))
	}
}

// partitionFor keeps every request for one object on one worker, so notifications for an
// object are dispatched in the order a connection sent them.
func partitionFor(req *SocketRequest) int {
	switch {
	case req.Notify != nil && req.Notify.Invalidation != nil:
		return hashroute.PartitionForObject(req.Notify.Invalidation.ObjectName)
	case req.NotifyBatch != nil && len(req.NotifyBatch.Invalidations) > 0 && req.NotifyBatch.Invalidations[0] != nil:
		return hashroute.PartitionForObject(req.NotifyBatch.Invalidations[0].ObjectName)
	case req.Recover != nil:
		return hashroute.PartitionForObject(req.Recover.ObjectName)
	case req.GetObject != nil:
		return hashroute.PartitionForObject(req.GetObject.ObjectName)
	}
	return 0
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.backend.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationNotify:
		return s.handleNotify(ctx, req, []*Invalidation{req.Notify.Invalidation}, res)
	case OperationNotifyBatch:
		return s.handleNotify(ctx, req, req.NotifyBatch.Invalidations, res)
	case OperationRecover:
		q := req.Recover
		result, err := s.backend.Recover(ctx, q.ObjectName, q.CurrentClientVersion, int(q.Limit))
		if err != nil {
			return failed(res, err)
		}
		res.Recover = &RecoverResponse{CurrentObjectVersion: result.CurrentVersion}
		for _, item := range result.Items {
			res.Recover.Payloads = append(res.Recover.Payloads, &RecoveredPayload{Version: item.Version, Payload: item.Payload})
		}
	case OperationGetObject:
		info, found, err := s.backend.Object(ctx, req.GetObject.ObjectName)
		if err != nil {
			return failed(res, err)
		}
		res.Object = &ObjectResponse{Found: found}
		if found {
			res.Object.PartitionId = uint32(info.PartitionID)
			res.Object.CurrentVersion = info.CurrentVersion
			res.Object.EntryCount = info.EntryCount
			res.Object.LastSeenUtcNs = info.LastSeenUTCNs
		}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func (s *Server) handleNotify(ctx context.Context, req *SocketRequest, batch []*Invalidation, res *SocketResponse) *SocketResponse {
	res.Notify = &NotifyResponse{}
	for _, m := range batch {
		inv, err := FromWire(m)
		if err != nil {
			return badReq(req, err.Error())
		}
		if inv.Source == "" {
			inv.Source = transportName
		}
		err = s.backend.Dispatch(ctx, inv)
		s.metrics.TransportMessage(transportName, err)
		if err != nil {
			s.log.Debug("notify failed", zap.String("object", inv.ObjectName), zap.Int64("version", inv.Version), zap.Error(err))
			failed(res, err)
			return res
		}
		res.Notify.Accepted++
		res.Notify.PartitionId = uint32(hashroute.PartitionForObject(inv.ObjectName))
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func failed(res *SocketResponse, err error) *SocketResponse {
	res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
	switch {
	case errors.Is(err, storage.ErrVersionConflict):
		res.ErrorCode = int32(ErrorCodeConflict)
	case ingest.IsTemporary(err):
		res.ErrorCode = int32(ErrorCodeOverloaded)
	}
	return res
}

// FromWire converts a wire invalidation. A zero version decodes as unknown.
func FromWire(m *Invalidation) (domain.Invalidation, error) {
	if m == nil || m.ObjectName == "" {
		return domain.Invalidation{}, ingest.ErrMissingObjectName
	}
	inv := domain.Invalidation{ObjectName: m.ObjectName, Source: m.Source, SourceRef: m.SourceRef}
	switch {
	case m.Version == 0 || m.Version == domain.UnknownVersion:
		inv.Version = domain.UnknownVersion
	case m.Version < domain.MinNextExpectedVersion:
		return domain.Invalidation{}, fmt.Errorf("%s: %d: %w", m.ObjectName, m.Version, ingest.ErrBadVersion)
	default:
		inv.Version = m.Version
	}
	switch {
	case m.EmptyPayload, m.HasPayload && len(m.Payload) == 0, string(m.Payload) == domain.EmptyPayload:
		inv.ExplicitEmpty = true
	case m.HasPayload:
		inv.Payload = m.Payload
	}
	return inv, nil
}

func ToWire(inv domain.Invalidation) *Invalidation {
	m := &Invalidation{ObjectName: inv.ObjectName, Source: inv.Source, SourceRef: inv.SourceRef}
	if inv.Version != domain.UnknownVersion {
		m.Version = inv.Version
	}
	switch {
	case inv.ExplicitEmpty:
		m.EmptyPayload = true
	case inv.Payload != nil:
		m.Payload, m.HasPayload = inv.Payload, true
	}
	return m
}

// DialAndRequest sends one request on a fresh connection and waits for its response.
func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }

// RemoteError is a non-OK response turned into an error.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%d:%s", e.Code, e.Message) }

func (e *RemoteError) Temporary() bool { return Retryable(int32(e.Code)) }

func (e *RemoteError) Is(target error) bool {
	return e.Code == ErrorCodeConflict && target == storage.ErrVersionConflict
}

func Error(code ErrorCode, msg string) error { return &RemoteError{Code: code, Message: msg} }
