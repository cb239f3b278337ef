package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// quietPaths are polled by the options page and logged at debug.
var quietPaths = map[string]bool{
	"/api/v1/health": true,
	"/api/v1/tabs":   true,
}

func isStreamPath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/events")
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if isStreamPath(r.URL.Path) {
			// Streams stay open for the life of the subscriber.
			slog.Info("api stream opened", "path", r.URL.Path, "feeds", r.URL.Query().Get("feeds"), "remote", r.RemoteAddr, "request_id", reqID)
			start := time.Now()
			next.ServeHTTP(w, r)
			slog.Info("api stream closed", "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds(), "request_id", reqID)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case r.Method == http.MethodGet && quietPaths[r.URL.Path]:
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		)
	})
}
