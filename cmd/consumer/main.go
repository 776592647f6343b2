package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-wallet/internal/config"
	"github.com/example/ride-wallet/internal/logging"
	"github.com/example/ride-wallet/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ledger event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis projections",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_stale_total",
		Help: "Events skipped because the summary already held a newer seq",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, msgsStale)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "ride-wallet-projector", os.Stdout)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		e, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		applied, err := updateRedisWithRetry(ctx, radapter, e, cfg.ActivityLimit, 3, 200*time.Millisecond)
		if err != nil {
			redisErrors.Inc()
			logger.Error("redis projection failed", "event_id", e.ID, "namespace", e.Namespace, "error", err)
			continue
		}
		if !applied {
			msgsStale.Inc()
			logger.Info("stale event skipped", "event_id", e.ID, "namespace", e.Namespace, "seq", e.Seq)
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeEvent(b []byte) (models.Event, error) {
	var e models.Event
	if err := json.Unmarshal(b, &e); err != nil {
		return e, err
	}
	if e.Namespace == "" || e.ID == "" {
		return e, errors.New("event is missing id or namespace")
	}
	if e.Seq <= 0 {
		return e, fmt.Errorf("event %s has no sequence", e.ID)
	}
	switch e.Type {
	case models.EventRideRequested, models.EventRidePaid, models.EventWalletFunded:
	default:
		return e, fmt.Errorf("unknown event type %q", e.Type)
	}
	return e, nil
}

// RedisUpdater is the subset of redis operations the projection needs.
// Project reports false when the event is not newer than the summary.
type RedisUpdater interface {
	Project(ctx context.Context, p projection) (bool, error)
}

// projection is one event flattened for the read models.
type projection struct {
	SummaryKey  string
	ActivityKey string
	Seq         int64
	Summary     map[string]string
	Entry       string
	Limit       int
}

// projectScript applies a projection only if its seq is newer than the one
// stored, so replays and stale deliveries leave the read models alone.
var projectScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'seq') or '0')
local seq = tonumber(ARGV[1])
if seq <= cur then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1])
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('LPUSH', KEYS[2], ARGV[2])
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[3]) - 1)
return 1
`)

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) Project(ctx context.Context, p projection) (bool, error) {
	args := []interface{}{p.Seq, p.Entry, p.Limit}
	for _, k := range summaryFields {
		args = append(args, k, p.Summary[k])
	}
	n, err := projectScript.Run(ctx, r.c, []string{p.SummaryKey, p.ActivityKey}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var summaryFields = []string{"balance", "total_spent", "last_event_id", "last_event_type", "updated_at"}

func summaryKey(ns string) string  { return "wallet:summary:" + ns }
func activityKey(ns string) string { return "wallet:activity:" + ns }

// activity is the compact feed entry kept per event.
type activity struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	Label      string    `json:"label,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	RequestID  int64     `json:"request_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func activityFor(e models.Event) activity {
	a := activity{EventID: e.ID, Type: string(e.Type), OccurredAt: e.OccurredAt}
	switch {
	case e.Transaction != nil:
		a.Label = e.Transaction.Label
		a.Amount = e.Transaction.Signed().StringFixed(2)
		a.RequestID = e.Transaction.RequestID
	case e.Request != nil:
		a.Label = e.Request.DestinationAddress
		a.Amount = e.Request.Cost.StringFixed(2)
		a.RequestID = e.Request.ID
	}
	return a
}

// updateRedisWithRetry writes the wallet summary and appends to the
// activity feed, retrying with doubling delay. applied is false when the
// event was older than what the summary already holds.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, e models.Event, limit, attempts int, delay time.Duration) (applied bool, err error) {
	entry, err := json.Marshal(activityFor(e))
	if err != nil {
		return false, err
	}
	p := projection{
		SummaryKey:  summaryKey(e.Namespace),
		ActivityKey: activityKey(e.Namespace),
		Seq:         e.Seq,
		Summary: map[string]string{
			"balance":         e.Balance.StringFixed(2),
			"total_spent":     e.TotalSpent.StringFixed(2),
			"last_event_id":   e.ID,
			"last_event_type": string(e.Type),
			"updated_at":      e.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
		Entry: string(entry),
		Limit: limit,
	}

	for i := 0; i < attempts; i++ {
		applied, err = rc.Project(ctx, p)
		if err == nil {
			return applied, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, err
}
