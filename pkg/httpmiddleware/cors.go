package httpmiddleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig configures the CORS middleware.
type CORSConfig struct {
	// AllowOrigins lists the origins allowed to make cross-origin requests.
	// Empty, or a single "*" entry, allows every origin.
	AllowOrigins []string
	// AllowMethods lists the methods permitted in actual requests. Empty
	// falls back to the API's method set.
	AllowMethods []string
	// AllowHeaders lists the request headers clients may send. Empty echoes
	// the preflight's Access-Control-Request-Headers back.
	AllowHeaders []string
	// AllowCredentials permits credentialed requests. The wildcard origin is
	// never combined with credentials; the specific origin is echoed instead.
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds. Zero omits the
	// header.
	MaxAge int
}

// CORS returns a middleware that answers preflight requests and attaches the
// CORS response headers. Origin matching is case-insensitive; the Vary
// header is maintained so shared caches never serve one origin's response to
// another.
func CORS(cfg CORSConfig) Middleware {
	wildcard := len(cfg.AllowOrigins) == 0
	origins := make(map[string]string, len(cfg.AllowOrigins))
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			wildcard = true
			break
		}
		origins[strings.ToLower(o)] = o
	}
	// Credentials forbid the wildcard; echo the specific origin instead.
	if cfg.AllowCredentials {
		wildcard = false
	}

	methods := strings.Join(cfg.AllowMethods, ", ")
	if methods == "" {
		methods = "GET, POST, PUT, DELETE, OPTIONS"
	}
	headers := strings.Join(cfg.AllowHeaders, ", ")

	var maxAge string
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(cfg.MaxAge)
	}

	resolve := func(origin string) string {
		if wildcard {
			return "*"
		}
		return origins[strings.ToLower(origin)]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				if !wildcard {
					w.Header().Add("Vary", "Origin")
				}
				next.ServeHTTP(w, r)
				return
			}

			allowed := resolve(origin)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Add("Vary", "Origin")
				w.Header().Add("Vary", "Access-Control-Request-Method")
				w.Header().Add("Vary", "Access-Control-Request-Headers")

				if allowed != "" {
					w.Header().Set("Access-Control-Allow-Origin", allowed)
					w.Header().Set("Access-Control-Allow-Methods", methods)
					switch {
					case headers != "":
						w.Header().Set("Access-Control-Allow-Headers", headers)
					case r.Header.Get("Access-Control-Request-Headers") != "":
						w.Header().Set("Access-Control-Allow-Headers",
							r.Header.Get("Access-Control-Request-Headers"))
					}
					if cfg.AllowCredentials {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
					}
					if maxAge != "" {
						w.Header().Set("Access-Control-Max-Age", maxAge)
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if !wildcard {
				w.Header().Add("Vary", "Origin")
			}
			if allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
