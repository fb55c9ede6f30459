package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// StatusFunc reports node state. It is called on every request.
type StatusFunc func() map[string]any

type Config struct {
	Name   string
	NodeID string
	Status StatusFunc
	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("Name is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("NodeID is required")
	}
	return nil
}

type Response struct {
	NodeID    string         `json:"nodeId"`
	UptimeMs  int64          `json:"uptimeMs"`
	Timestamp int64          `json:"timestamp"`
	Status    map[string]any `json:"status,omitempty"`
	Custom    map[string]any `json:"custom,omitempty"`
}

type Responder struct {
	cfg       Config
	logger    *slog.Logger
	subject   string
	mu        sync.RWMutex
	custom    map[string]any
	startedAt time.Time
	sub       *nats.Subscription
}

func NewResponder(cfg Config) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		cfg:     cfg,
		logger:  logger.With("component", "health", "node", cfg.NodeID),
		subject: Subject(cfg.Name, cfg.NodeID),
		custom:  make(map[string]any),
	}, nil
}

// Subject returns the status subject of a node.
func Subject(name, nodeID string) string {
	return fmt.Sprintf("%s.status.%s", name, nodeID)
}

// Start subscribes to the node's status subject on nc. The connection stays
// owned by the caller.
func (r *Responder) Start(nc *nats.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return nil
	}

	sub, err := nc.Subscribe(r.subject, r.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe status subject: %w", err)
	}

	r.sub = sub
	r.startedAt = time.Now()

	r.logger.Info("status responder started", "subject", r.subject)
	return nil
}

func (r *Responder) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
		r.logger.Info("status responder stopped")
	}
}

func (r *Responder) SetCustom(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[key] = value
}

// Query asks a node for its status.
func Query(ctx context.Context, nc *nats.Conn, name, nodeID string, timeout time.Duration) (Response, error) {
	if nodeID == "" {
		return Response{}, fmt.Errorf("nodeID is required")
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := nc.RequestWithContext(reqCtx, Subject(name, nodeID), nil)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (r *Responder) handleRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}

	resp := r.buildResponse()
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("failed to marshal status response", "error", err)
		return
	}

	if err := msg.Respond(data); err != nil {
		r.logger.Error("failed to respond to status request", "error", err)
	}
}

func (r *Responder) buildResponse() Response {
	r.mu.RLock()
	now := time.Now()
	var uptimeMs int64
	if !r.startedAt.IsZero() {
		uptimeMs = now.Sub(r.startedAt).Milliseconds()
	}
	custom := maps.Clone(r.custom)
	r.mu.RUnlock()

	resp := Response{
		NodeID:    r.cfg.NodeID,
		UptimeMs:  uptimeMs,
		Timestamp: now.UnixMilli(),
		Custom:    custom,
	}
	// Called outside r.mu; the status func takes its own locks.
	if r.cfg.Status != nil {
		resp.Status = r.cfg.Status()
	}
	return resp
}
