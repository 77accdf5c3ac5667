package order

import (
	"context"
	"crypto/rand"
	"io"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

const (
	numberPrefix   = "ORD-"
	numberAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
)

// Generator produces human-readable order numbers of the form
// ORD-YYYYMMDD-XXXXX. Uniqueness is best-effort: the storage layer enforces
// it and a violation triggers regeneration.
type Generator struct {
	now       func() time.Time
	rand      io.Reader
	attempts  int
	suffixLen int
}

// NewGenerator returns a Generator using UTC dates and crypto/rand suffixes.
func NewGenerator() *Generator {
	return &Generator{
		now:       time.Now,
		rand:      rand.Reader,
		attempts:  5,
		suffixLen: 5,
	}
}

// ExistsFunc probes whether a number is already used by the tenant.
type ExistsFunc func(ctx context.Context, number string) (bool, error)

// Next returns a number that exists() reported free, or after the bounded
// number of collisions, a longer number that is not probed.
func (g *Generator) Next(ctx context.Context, exists ExistsFunc) (string, error) {
	prefix := g.prefix()
	for range g.attempts {
		suffix, err := g.randomSuffix()
		if err != nil {
			return "", errors.Wrap(err, "random suffix")
		}
		candidate := prefix + suffix

		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", errors.Wrap(err, "probe order number")
		}
		if !taken {
			return candidate, nil
		}
	}
	return g.Fallback(), nil
}

// Fallback returns a number with a 12 character suffix derived from a random
// UUID, for use when short suffixes keep colliding.
func (g *Generator) Fallback() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return g.prefix() + strings.ToUpper(id[:12])
}

func (g *Generator) prefix() string {
	return numberPrefix + g.now().UTC().Format("20060102") + "-"
}

func (g *Generator) randomSuffix() (string, error) {
	buf := make([]byte, g.suffixLen)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", err
	}
	// len(numberAlphabet) divides 256, so the modulo is unbiased.
	for i, b := range buf {
		buf[i] = numberAlphabet[int(b)%len(numberAlphabet)]
	}
	return string(buf), nil
}
