package skills

import (
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ProofCache memoizes proof results so identical requests skip the prover.
// The key deliberately excludes the chain id: a proof is chain-independent,
// only its on-chain verification is not.
type ProofCache struct {
	cache *lru.Cache[string, *ProveResult]
}

// NewProofCache builds a cache holding up to |size| proofs (128 when
// non-positive).
func NewProofCache(size int) *ProofCache {
	if size <= 0 {
		size = 128
	}
	var cache, _ = lru.New[string, *ProveResult](size)
	return &ProofCache{cache: cache}
}

func cacheKey(req ProveRequest) string {
	return strings.Join([]string{
		req.CircuitID, strings.ToLower(req.Address), req.Scope,
		strings.Join(req.CountryList, ","), strconv.FormatBool(req.IsIncluded),
	}, "|")
}

// Get returns the cached result for |req|, if any.
func (c *ProofCache) Get(req ProveRequest) (*ProveResult, bool) {
	if c == nil {
		return nil, false
	}
	return c.cache.Get(cacheKey(req))
}

// Put stores |result| for |req|.
func (c *ProofCache) Put(req ProveRequest, result *ProveResult) {
	if c == nil {
		return
	}
	c.cache.Add(cacheKey(req), result)
}

// Limiter throttles proof generation per signer address. Limiters are kept
// in an LRU so idle addresses age out rather than accumulate.
type Limiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewLimiter allows |perMinute| proofs per address with |burst| headroom.
func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 6
	}
	if burst <= 0 {
		burst = 2
	}
	var limiters, _ = lru.New[string, *rate.Limiter](1024)
	return &Limiter{
		limiters: limiters,
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

// Reserve admits one proof for |address|, or returns the wait duration until
// the next slot. Addresses are case-folded.
func (l *Limiter) Reserve(address string) (time.Duration, bool) {
	if l == nil {
		return 0, true
	}
	var key = strings.ToLower(address)
	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(key, limiter)
	}

	var reservation = limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return delay, false
	}
	return 0, true
}
