package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/metrics"
	"github.com/ruralpay/ledger/internal/models"
)

// IdentifierGenerator mints account numbers: random high-order digits
// followed by the account type code.
type IdentifierGenerator struct {
	maxAttempts int
	metrics     *metrics.Collector
	random      io.Reader
}

func NewIdentifierGenerator(maxAttempts int, m *metrics.Collector) *IdentifierGenerator {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &IdentifierGenerator{
		maxAttempts: maxAttempts,
		metrics:     m,
		random:      rand.Reader,
	}
}

// MaxAttempts is the collision budget shared by existence checks and
// conflicting inserts.
func (g *IdentifierGenerator) MaxAttempts() int {
	return g.maxAttempts
}

// Candidate returns a random account number for t without checking storage.
func (g *IdentifierGenerator) Candidate(t models.AccountType) (string, error) {
	code, ok := t.Code()
	if !ok {
		return "", newError(KindInvalidAccountType, "account type %q is not supported", t)
	}

	digits := make([]byte, 0, models.AccountNumberLength)
	buf := make([]byte, models.AccountNumberDigits)
	for len(digits) < models.AccountNumberDigits {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", fmt.Errorf("read random digits: %w", err)
		}
		for _, b := range buf {
			// 250 is the largest multiple of 10 below 256; dropping the rest
			// keeps every digit equally likely.
			if b >= 250 {
				continue
			}
			digits = append(digits, '0'+b%10)
			if len(digits) == models.AccountNumberDigits {
				break
			}
		}
	}

	return string(append(digits, code)), nil
}

// Generate returns a number that does not exist in accounts as seen by q.
// Passing the caller's transaction makes the check see its uncommitted rows.
func (g *IdentifierGenerator) Generate(ctx context.Context, q database.Querier, t models.AccountType) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		candidate, err := g.Candidate(t)
		if err != nil {
			return "", err
		}

		var exists bool
		err = q.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM accounts WHERE account_number = $1)", candidate).Scan(&exists)
		if err != nil {
			return "", classify(fmt.Errorf("check account number: %w", err))
		}
		if !exists {
			return candidate, nil
		}

		g.RecordCollision()
	}

	return "", newError(KindIdentifierExhausted,
		"no free account number found after %d attempts, retry later", g.maxAttempts)
}

func (g *IdentifierGenerator) RecordCollision() {
	g.metrics.RecordIdentifierCollision()
}
