package socket

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"invalidator/internal/domain"
	"invalidator/internal/recovery"
	"invalidator/internal/storage"
)

type ClientConfig struct {
	Network   string
	Address   string
	AuthToken string
	// Timeout applies to calls whose context has no deadline.
	Timeout time.Duration
}

// Client talks to a Server. It is the engine's Recoverer when history lives in another
// process.
type Client struct {
	cfg ClientConfig
}

var _ recovery.Recoverer = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg}
}

func (c *Client) call(ctx context.Context, op Operation, req *SocketRequest) (*SocketResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	req.RequestId = uuid.NewString()
	req.AuthToken = c.cfg.AuthToken
	req.Operation = int32(op)
	res, err := DialAndRequest(ctx, c.cfg.Network, c.cfg.Address, req)
	if err != nil {
		return nil, fmt.Errorf("socket %s: %w", c.cfg.Address, err)
	}
	if res.RequestId != req.RequestId {
		return nil, fmt.Errorf("socket %s: response for %q, want %q", c.cfg.Address, res.RequestId, req.RequestId)
	}
	if res.ErrorCode != int32(ErrorCodeOK) {
		return nil, Error(ErrorCode(res.ErrorCode), res.ErrorMessage)
	}
	return res, nil
}

func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	res, err := c.call(ctx, OperationPing, &SocketRequest{Ping: &PingRequest{}})
	if err != nil {
		return time.Time{}, err
	}
	if res.Pong == nil {
		return time.Time{}, fmt.Errorf("ping: empty response")
	}
	return time.Unix(0, res.Pong.UnixTimeNs).UTC(), nil
}

func (c *Client) Health(ctx context.Context) (bool, string, error) {
	res, err := c.call(ctx, OperationHealth, &SocketRequest{})
	if err != nil {
		return false, "", err
	}
	if res.Health == nil {
		return false, "", fmt.Errorf("health: empty response")
	}
	return res.Health.Ok, res.Health.Message, nil
}

// Notify pushes one invalidation to the server.
func (c *Client) Notify(ctx context.Context, inv domain.Invalidation) error {
	_, err := c.call(ctx, OperationNotify, &SocketRequest{Notify: &NotifyRequest{Invalidation: ToWire(inv)}})
	return err
}

// NotifyBatch pushes invs in order and returns how many the server accepted.
func (c *Client) NotifyBatch(ctx context.Context, invs []domain.Invalidation) (int, error) {
	batch := make([]*Invalidation, 0, len(invs))
	for _, inv := range invs {
		batch = append(batch, ToWire(inv))
	}
	res, err := c.call(ctx, OperationNotifyBatch, &SocketRequest{NotifyBatch: &NotifyBatchRequest{Invalidations: batch}})
	if err != nil {
		return 0, err
	}
	if res.Notify == nil {
		return 0, nil
	}
	return int(res.Notify.Accepted), nil
}

// Dispatch makes the client usable wherever an ingest.Dispatcher is expected.
func (c *Client) Dispatch(ctx context.Context, inv domain.Invalidation) error {
	return c.Notify(ctx, inv)
}

func (c *Client) Recover(ctx context.Context, objectName string, since int64, limit int) (recovery.Result, error) {
	if limit < 0 {
		limit = 0
	}
	res, err := c.call(ctx, OperationRecover, &SocketRequest{Recover: &RecoverRequest{
		ObjectName:           objectName,
		CurrentClientVersion: since,
		Limit:                uint32(limit),
	}})
	if err != nil {
		return recovery.Result{}, err
	}
	if res.Recover == nil {
		return recovery.Result{CurrentVersion: since}, nil
	}
	out := recovery.Result{CurrentVersion: res.Recover.CurrentObjectVersion, Items: make([]domain.RecoveredItem, 0, len(res.Recover.Payloads))}
	for _, p := range res.Recover.Payloads {
		payload := p.Payload
		if payload == nil {
			payload = []byte{}
		}
		out.Items = append(out.Items, domain.RecoveredItem{Version: p.Version, Payload: payload})
	}
	return out, nil
}

func (c *Client) RecoverPayloads(ctx context.Context, id domain.ObjectID, currentClientVersion int64) (recovery.Result, error) {
	return c.Recover(ctx, id.Name, currentClientVersion, 0)
}

func (c *Client) Object(ctx context.Context, objectName string) (storage.ObjectInfo, bool, error) {
	res, err := c.call(ctx, OperationGetObject, &SocketRequest{GetObject: &ObjectQuery{ObjectName: objectName}})
	if err != nil {
		return storage.ObjectInfo{}, false, err
	}
	if res.Object == nil || !res.Object.Found {
		return storage.ObjectInfo{}, false, nil
	}
	return storage.ObjectInfo{
		Name:           objectName,
		PartitionID:    domain.PartitionID(res.Object.PartitionId),
		CurrentVersion: res.Object.CurrentVersion,
		EntryCount:     res.Object.EntryCount,
		LastSeenUTCNs:  res.Object.LastSeenUtcNs,
	}, true, nil
}

// CurrentVersion is the newest version the server has recorded for objectName, zero if none.
func (c *Client) CurrentVersion(ctx context.Context, objectName string) (int64, error) {
	info, _, err := c.Object(ctx, objectName)
	return info.CurrentVersion, err
}
