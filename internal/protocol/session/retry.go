package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// NextBackoffDelay returns the wait before retry attempt N (1-based).
// Jitter scales the delay into [0.5, 1.5); a nil rng pins it at 0.5.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	growth := math.Max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(growth, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(cfg.MaxDelay))
	}
	if cfg.Jitter && attempt > 1 {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		delay *= scale
	}
	return time.Duration(delay)
}

// ConnectWithRetry calls Connect up to attempts times, sleeping between
// tries. Only transport failures are retried; a peer that answers with the
// wrong PDU is not going to change its mind.
func (c *Conn) ConnectWithRetry(
	ctx context.Context,
	host, identity string,
	port, attempts int,
	backoff BackoffConfig,
) (*Link, error) {
	return c.retry(ctx, "connect", host, attempts, backoff, func() (*Link, error) {
		return c.Connect(ctx, host, identity, port)
	})
}

// ReconnectWithRetry is ConnectWithRetry for the bare-CR handshake.
func (c *Conn) ReconnectWithRetry(
	ctx context.Context,
	host string,
	port, attempts int,
	backoff BackoffConfig,
) (*Link, error) {
	return c.retry(ctx, "reconnect", host, attempts, backoff, func() (*Link, error) {
		return c.Reconnect(ctx, host, port)
	})
}

func (c *Conn) retry(
	ctx context.Context,
	op, host string,
	attempts int,
	backoff BackoffConfig,
	dial func() (*Link, error),
) (*Link, error) {
	if attempts < 1 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		link, err := dial()
		if err == nil {
			return link, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransport) || attempt == attempts {
			break
		}
		delay := NextBackoffDelay(backoff, attempt, rng)
		log.Warn().
			Str("op", op).
			Str("host", host).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("iso handshake failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w (last: %w)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return nil, lastErr
}
