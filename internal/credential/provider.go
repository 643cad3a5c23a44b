package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshInterval is the assumed lifetime of an exchanged token.
	DefaultRefreshInterval = 900 * time.Second
	// DefaultExchangeTimeout bounds a single identity exchange.
	DefaultExchangeTimeout = 30 * time.Second

	refreshKey = "refresh"
)

// Provider owns the cached Credential and refreshes it on demand.
// It is safe for concurrent use.
type Provider struct {
	client          IdentityClient
	interval        time.Duration
	exchangeTimeout time.Duration
	logger          zerolog.Logger
	now             func() time.Time

	mu      sync.RWMutex
	current Credential
	group   singleflight.Group
}

func NewProvider(client IdentityClient, interval time.Duration, logger zerolog.Logger) *Provider {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Provider{
		client:          client,
		interval:        interval,
		exchangeTimeout: DefaultExchangeTimeout,
		logger:          logger.With().Str("component", "credential").Logger(),
		now:             time.Now,
	}
}

// Token returns the cached credential, refreshing it first when it is stale.
// Concurrent callers that find the cache stale share one identity exchange.
func (p *Provider) Token(ctx context.Context) (Credential, error) {
	if c, ok := p.cached(); ok {
		return c, nil
	}

	ch := p.group.DoChan(refreshKey, func() (any, error) {
		return p.refresh(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, &CredentialError{Err: fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())}
	}
}

func (p *Provider) cached() (Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, p.current.Valid(p.now())
}

func (p *Provider) refresh(ctx context.Context) (Credential, error) {
	// a flight that finished just before this one may already have stored a fresh token
	if c, ok := p.cached(); ok {
		return c, nil
	}

	// detached so one caller giving up does not fail the others sharing this flight
	exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.exchangeTimeout)
	defer cancel()

	start := p.now()
	token, err := p.client.Exchange(exCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		p.logger.Error().Err(err).Msg("failed to refresh database credential")
		return Credential{}, &CredentialError{Err: err}
	}

	c := Credential{Token: token, IssuedAt: start, TTL: p.interval}
	p.checkClaimedExpiry(c)

	p.mu.Lock()
	p.current = c
	p.mu.Unlock()

	p.logger.Debug().
		Time("issued_at", c.IssuedAt).
		Dur("ttl", c.TTL).
		Msg("refreshed database credential")
	return c, nil
}

// checkClaimedExpiry warns when the token itself says it expires before the
// refresh interval runs out. The refresh policy is not changed.
func (p *Provider) checkClaimedExpiry(c Credential) {
	exp, ok := claimedExpiry(c.Token)
	if !ok {
		return
	}
	if deadline := c.IssuedAt.Add(c.TTL); exp.Before(deadline) {
		p.logger.Warn().
			Time("token_exp", exp).
			Time("refresh_at", deadline).
			Msg("access token expires before the configured refresh interval, lower TOKEN_REFRESH_INTERVAL")
	}
}

func claimedExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
