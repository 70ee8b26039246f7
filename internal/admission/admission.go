// Package admission gates connection attempts and mutation rate.
//
// Two independent checks run before the server proceeds:
//
//   - AllowConnect, keyed by the bearer token or, without one, the client IP.
//   - AllowMutation, keyed by the request key and limited per account tier.
//
// A denial declines only the specific action; it never closes a connection
// on its own. Counting is a fixed window per key, either in process
// (Memory) or shared between servers (Redis).
package admission

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/roach88/eventvault/internal/syncerr"
)

// Rule allows Limit actions per Window for one key.
type Rule struct {
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

// Unlimited reports whether the rule lets everything through.
func (r Rule) Unlimited() bool {
	return r.Limit <= 0 || r.Window <= 0
}

// Limiter counts actions per key.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (bool, error)
}

// Default rules.
var (
	DefaultConnectRule = Rule{Limit: 30, Window: time.Minute}
	DefaultMutateRule  = Rule{Limit: 600, Window: time.Minute}
)

// DefaultTier is used for accounts without a tier of their own.
const DefaultTier = "basic"

// Gate combines the connection and mutation checks.
type Gate struct {
	limiter Limiter
	connect Rule
	tiers   map[string]Rule
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithConnectRule overrides DefaultConnectRule.
func WithConnectRule(r Rule) GateOption {
	return func(g *Gate) {
		g.connect = r
	}
}

// WithTier sets the mutation rule for one tier.
func WithTier(tier string, r Rule) GateOption {
	return func(g *Gate) {
		g.tiers[tier] = r
	}
}

// NewGate creates a gate over limiter.
func NewGate(limiter Limiter, opts ...GateOption) *Gate {
	g := &Gate{
		limiter: limiter,
		connect: DefaultConnectRule,
		tiers:   map[string]Rule{DefaultTier: DefaultMutateRule},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AllowConnect checks a new connection attempt.
func (g *Gate) AllowConnect(ctx context.Context, token, remoteAddr string) (bool, error) {
	return g.allow(ctx, "connect:"+ConnectionKey(token, remoteAddr), g.connect)
}

// AllowMutation checks one write for requestKey under the tier's rule.
// Unknown tiers use DefaultTier.
func (g *Gate) AllowMutation(ctx context.Context, tier, requestKey string) (bool, error) {
	rule, ok := g.tiers[tier]
	if !ok {
		tier = DefaultTier
		rule = g.tiers[DefaultTier]
	}
	return g.allow(ctx, "mutate:"+tier+":"+requestKey, rule)
}

func (g *Gate) allow(ctx context.Context, key string, rule Rule) (bool, error) {
	if rule.Unlimited() {
		return true, nil
	}
	ok, err := g.limiter.Allow(ctx, key, rule)
	if err != nil {
		return false, syncerr.Storage("rate limit "+key, err)
	}
	return ok, nil
}

// ConnectionKey returns the key a connection attempt is counted under: the
// token when present, otherwise the client IP without its port.
func ConnectionKey(token, remoteAddr string) string {
	if t := strings.TrimSpace(token); t != "" {
		return "token:" + t
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return "ip:" + host
}

// windowStart truncates now to the rule's window.
func windowStart(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}
