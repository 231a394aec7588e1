package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP：请求来源 IP
// 背景：部署在反向代理之后，依次读取常见代理头，最后回退到 RemoteAddr
// 约束：不校验代理链可信度；返回值可能不是合法 IP，调用方需自行解析
func ClientIP(r *http.Request) string {
	h := r.Header
	if x := h.Get("X-Forwarded-For"); x != "" {
		return strings.TrimSpace(strings.Split(x, ",")[0])
	}
	for _, k := range []string{"CF-Connecting-IP", "X-Real-IP", "X-Client-IP"} {
		if x := strings.TrimSpace(h.Get(k)); x != "" {
			return x
		}
	}
	if x := h.Get("Forwarded"); x != "" {
		if i := strings.Index(strings.ToLower(x), "for="); i >= 0 {
			y := x[i+4:]
			if p := strings.IndexAny(y, ";,"); p >= 0 {
				y = y[:p]
			}
			y = strings.Trim(y, "\" ")
			if host, _, err := net.SplitHostPort(y); err == nil {
				return host
			}
			return strings.Trim(y, "[]")
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
