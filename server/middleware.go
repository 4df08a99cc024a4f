package server

import (
	"net/http"
	"os"
	"strings"
)

// corsPolicy lets browser dashboards on other origins poll the read-only
// routes. CORS_ALLOWED_ORIGINS is a comma list; "*.example.com" admits the
// domain and its subdomains. Unset or "*" admits any origin.
type corsPolicy struct {
	any     bool
	origins []string
}

func corsFromEnv() corsPolicy {
	var p corsPolicy
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins = append(p.origins, o)
		}
	}
	if len(p.origins) == 0 {
		p.any = true
	}
	return p
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or ""
// when it is refused.
func (p corsPolicy) allowOrigin(origin string) string {
	if p.any {
		return "*"
	}
	if origin == "" {
		return ""
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	for _, o := range p.origins {
		if o == origin {
			return origin
		}
		if d, ok := strings.CutPrefix(o, "*."); ok && (host == d || strings.HasSuffix(host, "."+d)) {
			return origin
		}
	}
	return ""
}

func (p corsPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allow := p.allowOrigin(r.Header.Get("Origin")); allow != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "X-Correlation-ID")
			h.Set("Access-Control-Expose-Headers", "X-Correlation-ID")
			if allow != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
