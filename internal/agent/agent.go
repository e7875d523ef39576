// Package agent implements the FleetPulse agent daemon.
// It periodically collects metrics and reports them to the server data plane.
// Every outbound HTTP request carries: Authorization: Bearer <token>
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/config"
)

const agentVersion = "v0.1.0"

// ErrRejected means the server refused the agent's credential.
var ErrRejected = errors.New("server rejected agent token (401)")

// HeartbeatPayload is the wire body for both heartbeat endpoints. Name is
// only sent to the by-name endpoint.
type HeartbeatPayload struct {
	Name     string            `json:"name,omitempty"`
	CPU      float64           `json:"cpu"`
	Memory   float64           `json:"memory"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Options configure the reporting loop.
type Options struct {
	// JoinAddr is the data-plane address, e.g. "10.0.0.5:7071".
	JoinAddr string
	// Token is the agent's own token, or the shared key when Name is set.
	Token string
	// Name switches to the by-name heartbeat endpoint.
	Name        string
	Environment string
	Interval    time.Duration
	Client      *http.Client
}

type Agent struct {
	opts   Options
	source Source
	log    *zap.Logger
	base   string
}

func New(opts Options, src Source, log *zap.Logger) *Agent {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if src == nil {
		src = NewCollector()
	}
	return &Agent{opts: opts, source: src, log: log.Named("agent"), base: "http://" + opts.JoinAddr}
}

// Run starts a collector-backed agent from config and blocks until ctx ends.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	a := New(Options{
		JoinAddr:    cfg.AgentJoinAddr,
		Token:       cfg.AgentOutboundToken,
		Name:        cfg.AgentName,
		Environment: cfg.AgentEnvironment,
		Interval:    time.Duration(cfg.AgentInterval) * time.Second,
	}, nil, log)
	return a.Run(ctx)
}

// Run reports once immediately and then every interval. Report failures are
// logged and retried on the next tick, except a rejected token, which stops
// the loop.
func (a *Agent) Run(ctx context.Context) error {
	if a.opts.Token == "" {
		return errors.New("agent token is required (--token or agent_outbound_token)")
	}

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	a.log.Info("reporting",
		zap.String("server", a.base),
		zap.Duration("interval", a.opts.Interval),
		zap.String("endpoint", a.endpoint()))

	for {
		if err := a.Report(ctx); err != nil {
			if errors.Is(err, ErrRejected) {
				return err
			}
			if ctx.Err() == nil {
				a.log.Warn("report failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			a.log.Info("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Report collects one snapshot and posts it.
func (a *Agent) Report(ctx context.Context) error {
	snap, err := a.source.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	return a.post(ctx, a.payload(snap))
}

func (a *Agent) endpoint() string {
	if a.opts.Name != "" {
		return "/api/agents/heartbeat"
	}
	return "/api/heartbeat"
}

func (a *Agent) payload(snap *Snapshot) HeartbeatPayload {
	meta := map[string]string{
		"version":  agentVersion,
		"hostname": snap.Hostname,
		"os":       snap.OS,
	}
	if a.opts.Environment != "" {
		meta["environment"] = a.opts.Environment
	}
	if snap.LocalIP != "" {
		meta["ip"] = snap.LocalIP
	}
	if snap.DiskUsage > 0 {
		meta["disk_used_pct"] = strconv.FormatFloat(snap.DiskUsage, 'f', 1, 64)
	}
	return HeartbeatPayload{
		Name:     a.opts.Name,
		CPU:      snap.CPUUsage,
		Memory:   snap.MemUsage,
		Metadata: meta,
	}
}

// post sends v as JSON with the Bearer token in the Authorization header.
func (a *Agent) post(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+a.endpoint(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.opts.Token)

	resp, err := a.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrRejected
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
