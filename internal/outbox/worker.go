package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/carpool/pkg/outbox"
)

var (
	dispatchedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatched_total",
		Help: "Outbox events handed to the broker, by event type.",
	}, []string{"event_type"})
	failedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Outbox events that exhausted their send attempts, by event type.",
	}, []string{"event_type"})
	dispatchLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_lag_seconds",
		Help: "Age of the oldest event in the last dispatched batch.",
	})
)

const claimQuery = `SELECT id, topic, event_type, aggregate_id, payload, created_at FROM outbox WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`

// WorkerConfig defines tunables for the dispatcher worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	RetryBackoff time.Duration
}

// Worker relays booking events written to the outbox table to a broker sink.
type Worker struct {
	db     *sql.DB
	sink   outbox.Sink
	logger *zap.Logger
	cfg    WorkerConfig
	tracer trace.Tracer
}

// NewWorker constructs a dispatcher worker.
func NewWorker(db *sql.DB, sink outbox.Sink, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:     db,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("carpool.outbox.worker"),
	}
}

// Run dispatches a batch on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.sink == nil {
		return errors.New("outbox worker requires database and sink")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pendingEvent is one claimed outbox row.
type pendingEvent struct {
	id        int64
	topic     string
	envelope  outbox.Envelope
	createdAt time.Time
}

func (e pendingEvent) fields() []zap.Field {
	return []zap.Field{
		zap.Int64("outbox_id", e.id),
		zap.String("event_type", e.envelope.Type),
		zap.String("aggregate_id", e.envelope.AggregateID),
	}
}

// ProcessOnce claims one batch, sends it in id order and marks it published.
// Rows stay locked until the batch commits, so concurrent workers never send
// the same event twice. A send that exhausts its attempts rolls the whole
// batch back for the next tick.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	batch, err := claimBatch(ctx, tx, w.cfg.BatchSize)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(batch)))
	if len(batch) == 0 {
		return tx.Commit()
	}

	oldest := batch[0].createdAt
	ids := make([]int64, 0, len(batch))
	for _, evt := range batch {
		if err := w.dispatch(ctx, evt); err != nil {
			_ = tx.Rollback()
			return err
		}
		ids = append(ids, evt.id)
		if evt.createdAt.Before(oldest) {
			oldest = evt.createdAt
		}
	}
	if err := markPublished(ctx, tx, ids); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox batch: %w", err)
	}
	dispatchLag.Set(time.Since(oldest).Seconds())
	w.logger.Debug("outbox batch dispatched", zap.Int("events", len(ids)))
	return nil
}

func claimBatch(ctx context.Context, tx *sql.Tx, limit int) ([]pendingEvent, error) {
	rows, err := tx.QueryContext(ctx, claimQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()
	var batch []pendingEvent
	for rows.Next() {
		var evt pendingEvent
		if err := rows.Scan(&evt.id, &evt.topic, &evt.envelope.Type, &evt.envelope.AggregateID, &evt.envelope.Payload, &evt.createdAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		batch = append(batch, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return batch, nil
}

func markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := "UPDATE outbox SET published = true WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// dispatch sends one event, retrying with quadratic backoff.
func (w *Worker) dispatch(ctx context.Context, evt pendingEvent) error {
	ctx, span := w.tracer.Start(ctx, "outbox.dispatch", trace.WithAttributes(
		attribute.String("event_type", evt.envelope.Type),
		attribute.String("aggregate_id", evt.envelope.AggregateID),
	))
	defer span.End()
	if evt.topic == "" {
		return fmt.Errorf("outbox %d has no topic", evt.id)
	}

	msg := outbox.Message{Topic: evt.topic, Payload: evt.envelope.Payload, Headers: evt.envelope.Headers()}
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Headers["traceparent"] = fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID())
		msg.Headers[outbox.HeaderTraceID] = sc.TraceID().String()
	}

	for attempt := 1; ; attempt++ {
		err := w.sink.Send(ctx, msg)
		if err == nil {
			dispatchedEvents.WithLabelValues(evt.envelope.Type).Inc()
			return nil
		}
		w.logger.Warn("outbox send failed", append(evt.fields(), zap.Int("attempt", attempt), zap.Error(err))...)
		if attempt >= w.cfg.RetryMax {
			failedEvents.WithLabelValues(evt.envelope.Type).Inc()
			return fmt.Errorf("publish outbox %d: %w", evt.id, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * w.cfg.RetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
