package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerTransport stops dialing a failing transport for a cool-down period
// once consecutive failures reach the threshold. Attempts made while the
// breaker is open fail immediately with gobreaker.ErrOpenState.
type BreakerTransport struct {
	next    Transport
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerTransport(next Transport, failures uint32, timeout time.Duration, logger *zap.Logger) *BreakerTransport {
	if failures == 0 {
		failures = 5
	}

	settings := gobreaker.Settings{
		Name:        "notification-transport",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &BreakerTransport{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (t *BreakerTransport) Dial(ctx context.Context) (Conn, error) {
	conn, err := t.breaker.Execute(func() (interface{}, error) {
		return t.next.Dial(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &breakerConn{Conn: conn.(Conn), breaker: t.breaker}, nil
}

// State reports the breaker state, mainly for health output.
func (t *BreakerTransport) State() gobreaker.State {
	return t.breaker.State()
}

type breakerConn struct {
	Conn
	breaker *gobreaker.CircuitBreaker
}

func (c *breakerConn) Send(ctx context.Context, msg Message) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.Conn.Send(ctx, msg)
	})
	return err
}
