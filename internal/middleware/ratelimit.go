package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postcode-api/internal/apperr"
	"postcode-api/internal/logger"
	"postcode-api/internal/metrics"
	"postcode-api/internal/resource"
)

// ExemptHeader：携带豁免密钥的请求头
const ExemptHeader = "X-RateLimit-Exempt"

// 闲置超过该时长的客户端限流器会被回收
const idleTTL = 10 * time.Minute

// 文档注释：按客户端 IP 的令牌桶限流
// 背景：公开接口对单一来源限速，避免批量抓取拖垮存储；持有豁免密钥的调用方不受限制。
// 约束：超限直接返回 429 错误信封，不排队。
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	exempt  map[string]bool
	clients sync.Map // ip -> *client
	now     func() time.Time
}

type client struct {
	lim  *rate.Limiter
	mu   sync.Mutex
	seen time.Time
}

func NewRateLimiter(qps float64, burst int, exemptKeys []string) *RateLimiter {
	rl := &RateLimiter{
		limit:  rate.Limit(qps),
		burst:  burst,
		exempt: make(map[string]bool, len(exemptKeys)),
		now:    time.Now,
	}
	for _, k := range exemptKeys {
		rl.exempt[k] = true
	}
	return rl
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	v, _ := rl.clients.LoadOrStore(ip, &client{lim: rate.NewLimiter(rl.limit, rl.burst)})
	c := v.(*client)
	c.mu.Lock()
	c.seen = rl.now()
	c.mu.Unlock()
	return c.lim
}

// Allow：判断一次请求是否放行
func (rl *RateLimiter) Allow(r *http.Request) bool {
	if k := r.Header.Get(ExemptHeader); k != "" && rl.exempt[k] {
		return true
	}
	return rl.limiter(ClientIP(r)).AllowN(rl.now(), 1)
}

// Sweep：回收闲置客户端，返回回收数量
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-idleTTL)
	n := 0
	rl.clients.Range(func(k, v any) bool {
		c := v.(*client)
		c.mu.Lock()
		idle := c.seen.Before(cutoff)
		c.mu.Unlock()
		if idle {
			rl.clients.Delete(k)
			n++
		}
		return true
	})
	return n
}

// Wrap：限流中间件
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r) {
			metrics.RateLimitedTotal.Inc()
			logger.FromContext(r.Context()).Debug("rate_limited", "ip", ClientIP(r), "path", r.URL.Path)
			doc := resource.ErrorDocument(apperr.New(apperr.KindRateLimited, "Too many requests, slow down"))
			w.Header().Set("content-type", "application/json; charset=utf-8")
			w.Header().Set("retry-after", "1")
			w.WriteHeader(doc.Status)
			_ = json.NewEncoder(w).Encode(doc)
			return
		}
		next.ServeHTTP(w, r)
	})
}
