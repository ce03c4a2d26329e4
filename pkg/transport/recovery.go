package transport

import (
	"log/slog"
	"net/http"
)

// Recovery returns middleware that catches panics in the handler and
// converts them to server error responses. The server continues to
// accept new requests after a panic is recovered.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					slog.Error("handler panic", "request_id", RequestIDFromContext(r.Context()), "panic", rec)
					WriteServerError(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
