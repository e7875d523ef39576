package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/telemetry"
)

// RedisOptions configures the Redis pub/sub sink.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	// Timeout bounds one publish. Zero means 2s.
	Timeout time.Duration
}

// Redis publishes JSON envelopes on "<prefix><agentID>". A circuit breaker
// stops hammering an unreachable server; failures are logged and counted.
type Redis struct {
	rdb     *redis.Client
	cb      *gobreaker.CircuitBreaker
	prefix  string
	timeout time.Duration
	log     *zap.Logger
	metrics *telemetry.Metrics
}

type envelope struct {
	Event   string `json:"event"`
	AgentID uint   `json:"agent_id"`
	Data    any    `json:"data"`
}

// NewRedis builds the sink. It does not dial; the first publish does.
func NewRedis(opts RedisOptions, log *zap.Logger, metrics *telemetry.Metrics) *Redis {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		// at-most-once delivery
		MaxRetries: -1,
	})
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-redis",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("notify breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Redis{
		rdb:     rdb,
		cb:      cb,
		prefix:  opts.ChannelPrefix,
		timeout: opts.Timeout,
		log:     log,
		metrics: metrics,
	}
}

// Channel returns the pub/sub channel for an agent.
func (r *Redis) Channel(agentID uint) string {
	return fmt.Sprintf("%s%d", r.prefix, agentID)
}

func (r *Redis) Publish(ctx context.Context, agentID uint, event string, payload any) {
	body, err := json.Marshal(envelope{Event: event, AgentID: agentID, Data: payload})
	if err != nil {
		r.fail(agentID, event, err)
		return
	}

	_, err = r.cb.Execute(func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return nil, r.rdb.Publish(pctx, r.Channel(agentID), body).Err()
	})
	if err != nil {
		r.fail(agentID, event, err)
	}
}

func (r *Redis) fail(agentID uint, event string, err error) {
	if r.metrics != nil {
		r.metrics.NotifyFailures.Inc()
	}
	r.log.Debug("notify publish failed",
		zap.Uint("agent_id", agentID), zap.String("event", event), zap.Error(err))
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
