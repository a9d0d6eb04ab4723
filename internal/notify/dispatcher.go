package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruralpay/ledger/internal/metrics"
	"go.uber.org/zap"
)

// ErrDeliveryFailed is returned once every delivery attempt for a message has
// failed. Callers log it and move on; it never undoes a committed mutation.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// DispatcherOptions bounds the retry loop of a single Send.
type DispatcherOptions struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Dispatcher renders templates and hands them to a Transport with a bounded
// retry policy.
type Dispatcher struct {
	catalog   *Catalog
	transport Transport
	opts      DispatcherOptions
	logger    *zap.Logger
	metrics   *metrics.Collector
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(catalog *Catalog, transport Transport, opts DispatcherOptions, logger *zap.Logger, m *metrics.Collector) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}

	return &Dispatcher{
		catalog:   catalog,
		transport: transport,
		opts:      opts,
		logger:    logger.Named("notify"),
		metrics:   m,
		sleep:     sleepWithContext,
	}
}

// Send delivers one message synchronously. A final failure is logged as
// DeliveryFailed and returned wrapped in ErrDeliveryFailed.
func (d *Dispatcher) Send(ctx context.Context, template, recipient string, vars map[string]string) error {
	if err := d.Attempt(ctx, template, recipient, vars); err != nil {
		d.deliveryFailed(template, recipient, d.opts.MaxAttempts, err)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

// Attempt renders and delivers a message, retrying transport failures up to
// MaxAttempts times. It does not log the final failure, leaving that to the
// caller that owns the delivery policy.
func (d *Dispatcher) Attempt(ctx context.Context, template, recipient string, vars map[string]string) error {
	msg, err := d.catalog.Render(template, recipient, vars)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if lastErr = d.deliver(ctx, msg); lastErr == nil {
			d.recordDelivery(template, true)
			return nil
		}

		d.logger.Debug("notification attempt failed",
			zap.String("template", template),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < d.opts.MaxAttempts {
			if err := d.sleep(ctx, d.opts.RetryDelay); err != nil {
				return errors.Join(lastErr, err)
			}
		}
	}

	return lastErr
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	conn, err := d.transport.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.Send(ctx, msg)
}

func (d *Dispatcher) deliveryFailed(template, recipient string, attempts int, err error) {
	d.logger.Warn("DeliveryFailed",
		zap.String("template", template),
		zap.String("recipient", recipient),
		zap.Int("attempts", attempts),
		zap.Error(err))
	d.recordDelivery(template, false)
}

func (d *Dispatcher) recordDelivery(template string, delivered bool) {
	d.metrics.RecordNotification(template, delivered)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
