package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ruralpay/ledger/internal/metrics"
	"go.uber.org/zap"
)

// Redis keys of the notification queue.
const (
	PendingList    = "ledger:notifications"
	ProcessingList = "ledger:notifications:processing"
	DelayedSet     = "ledger:notifications:delayed"
	DeadLetterList = "ledger:notifications:dead"
	// WorkerLease names the worker allowed to drain the queue. The processing
	// list is shared, so a second worker would recover intents still in flight.
	WorkerLease = "ledger:notifications:worker"
)

var (
	ErrWorkerRunning = errors.New("another notification worker holds the queue lease")
	ErrLeaseLost     = errors.New("notification worker lease lost")
)

const maxRedeliveryDelay = time.Hour

// Intent is a queued request to deliver one notification.
type Intent struct {
	ID           string            `json:"id"`
	Template     string            `json:"template"`
	Recipient    string            `json:"recipient"`
	Variables    map[string]string `json:"variables"`
	Redeliveries int               `json:"redeliveries"`
	LastError    string            `json:"last_error,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// Queue hands notifications to the worker through Redis so the business
// operation never waits on the mail relay.
type Queue struct {
	rdb      *redis.Client
	fallback *Dispatcher
	logger   *zap.Logger
}

// NewQueue returns a queue backed by rdb. When the push itself fails the
// message is delivered synchronously through fallback, if one is given.
func NewQueue(rdb *redis.Client, fallback *Dispatcher, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, fallback: fallback, logger: logger.Named("notify_queue")}
}

func (q *Queue) Send(ctx context.Context, template, recipient string, vars map[string]string) error {
	data, err := json.Marshal(Intent{
		ID:         uuid.NewString(),
		Template:   template,
		Recipient:  recipient,
		Variables:  vars,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification intent: %w", err)
	}

	if err := q.rdb.LPush(ctx, PendingList, data).Err(); err != nil {
		if q.fallback == nil {
			return fmt.Errorf("%w: enqueue: %w", ErrDeliveryFailed, err)
		}
		q.logger.Warn("enqueue failed, delivering synchronously",
			zap.String("template", template),
			zap.Error(err))
		return q.fallback.Send(ctx, template, recipient, vars)
	}
	return nil
}

// WorkerOptions configures redelivery.
type WorkerOptions struct {
	MaxRedeliveries int
	RedeliveryBase  time.Duration
	PollInterval    time.Duration
	// LeaseTTL is how long the worker lease outlives a worker that stopped
	// renewing it.
	LeaseTTL time.Duration
}

var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// promoteScript moves due intents from the delayed set back onto the pending
// list atomically, so two workers never promote the same intent twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// Worker drains the queue and delivers intents with a Dispatcher.
type Worker struct {
	rdb        *redis.Client
	dispatcher *Dispatcher
	opts       WorkerOptions
	id         string
	logger     *zap.Logger
	metrics    *metrics.Collector
	now        func() time.Time
}

func NewWorker(rdb *redis.Client, dispatcher *Dispatcher, opts WorkerOptions, logger *zap.Logger, m *metrics.Collector) *Worker {
	if opts.MaxRedeliveries < 0 {
		opts.MaxRedeliveries = 0
	}
	if opts.RedeliveryBase <= 0 {
		opts.RedeliveryBase = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}

	return &Worker{
		rdb:        rdb,
		dispatcher: dispatcher,
		opts:       opts,
		id:         uuid.NewString(),
		logger:     logger.Named("notify_worker"),
		metrics:    m,
		now:        time.Now,
	}
}

// Run processes intents until ctx is cancelled. It fails with
// ErrWorkerRunning when another worker holds the lease and with ErrLeaseLost
// when the lease expires under it.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.acquireLease(ctx); err != nil {
		return err
	}
	defer w.releaseLease()

	recovered, err := w.Recover(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("notification worker started", zap.Int("recovered", recovered))

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.renewLease(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if _, err := w.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("promote delayed notifications", zap.Error(err))
		}

		for ctx.Err() == nil {
			processed, err := w.ProcessNext(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("process notification", zap.Error(err))
				}
				break
			}
			if !processed {
				break
			}
			if err := w.renewLease(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		w.reportQueueLengths(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("notification worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) acquireLease(ctx context.Context) error {
	ok, err := w.rdb.SetNX(ctx, WorkerLease, w.id, w.opts.LeaseTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire worker lease: %w", err)
	}
	if !ok {
		return ErrWorkerRunning
	}
	return nil
}

func (w *Worker) renewLease(ctx context.Context) error {
	held, err := renewLeaseScript.Run(ctx, w.rdb, []string{WorkerLease}, w.id, w.opts.LeaseTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew worker lease: %w", err)
	}
	if held == 0 {
		w.logger.Error("notification worker lease lost")
		return ErrLeaseLost
	}
	return nil
}

func (w *Worker) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := releaseLeaseScript.Run(ctx, w.rdb, []string{WorkerLease}, w.id).Err(); err != nil {
		w.logger.Warn("release worker lease", zap.Error(err))
	}
}

// Recover moves intents a previous worker left in the processing list back to
// the pending list.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := w.rdb.RPopLPush(ctx, ProcessingList, PendingList).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover processing list: %w", err)
		}
		moved++
	}
}

// PromoteDue requeues delayed intents whose backoff has elapsed.
func (w *Worker) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(w.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, w.rdb, []string{DelayedSet, PendingList}, now, 100).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed intents: %w", err)
	}
	return n, nil
}

// ProcessNext delivers the oldest pending intent. It reports false when the
// pending list is empty.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	raw, err := w.rdb.RPopLPush(ctx, PendingList, ProcessingList).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim intent: %w", err)
	}

	var intent Intent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		w.logger.Error("discarding malformed notification intent", zap.Error(err))
		return true, w.deadLetter(ctx, raw, raw)
	}

	err = w.dispatcher.Attempt(ctx, intent.Template, intent.Recipient, intent.Variables)
	if err == nil {
		return true, w.rdb.LRem(ctx, ProcessingList, 1, raw).Err()
	}

	intent.Redeliveries++
	intent.LastError = err.Error()
	data, mErr := json.Marshal(intent)
	if mErr != nil {
		return true, fmt.Errorf("encode notification intent: %w", mErr)
	}

	if errors.Is(err, ErrRender) || intent.Redeliveries > w.opts.MaxRedeliveries {
		w.dispatcher.deliveryFailed(intent.Template, intent.Recipient, intent.Redeliveries, err)
		return true, w.deadLetter(ctx, raw, string(data))
	}

	delay := w.redeliveryDelay(intent.Redeliveries)
	w.logger.Info("notification redelivery scheduled",
		zap.String("intent_id", intent.ID),
		zap.Int("redeliveries", intent.Redeliveries),
		zap.Duration("delay", delay))

	_, err = w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ProcessingList, 1, raw)
		pipe.ZAdd(ctx, DelayedSet, &redis.Z{
			Score:  float64(w.now().Add(delay).UnixMilli()),
			Member: string(data),
		})
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("schedule redelivery: %w", err)
	}
	return true, nil
}

func (w *Worker) deadLetter(ctx context.Context, claimed, payload string) error {
	_, err := w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ProcessingList, 1, claimed)
		pipe.LPush(ctx, DeadLetterList, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter intent: %w", err)
	}
	return nil
}

// redeliveryDelay doubles the base delay per redelivery, capped at one hour.
func (w *Worker) redeliveryDelay(redeliveries int) time.Duration {
	delay := w.opts.RedeliveryBase
	for i := 1; i < redeliveries; i++ {
		delay *= 2
		if delay >= maxRedeliveryDelay {
			return maxRedeliveryDelay
		}
	}
	return delay
}

func (w *Worker) reportQueueLengths(ctx context.Context) {
	if w.metrics == nil {
		return
	}

	for _, list := range []string{PendingList, DeadLetterList} {
		if n, err := w.rdb.LLen(ctx, list).Result(); err == nil {
			w.metrics.SetQueueLength(list, n)
		}
	}
	if n, err := w.rdb.ZCard(ctx, DelayedSet).Result(); err == nil {
		w.metrics.SetQueueLength(DelayedSet, n)
	}
}
