package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"

	"github.com/aliuwahab/kitua-sub001/pkg/logger"
)

// requestIDHeaders are checked in order.
var requestIDHeaders = []string{
	"X-Request-ID",
	"X-Trace-ID",
	"X-Correlation-ID",
}

// RequestID resolves a request id, exposes it to chi's GetReqID and scopes the
// context logger to it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		for _, h := range requestIDHeaders {
			if id = r.Header.Get(h); id != "" {
				break
			}
		}
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		ctx = logger.WithRequestID(ctx, id)

		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
