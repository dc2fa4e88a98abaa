package handler

import (
	"net/http"

	"github.com/boddenberg/walletsync-go/internal/port"

	"go.uber.org/zap"
)

// ============================================================
// Sync
// ============================================================

func syncStatusHandler(sync port.Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/sync/status")
		defer span.End()

		if sync == nil {
			writeJSON(w, http.StatusOK, map[string]any{"running": false, "enabled": false})
			return
		}
		writeJSON(w, http.StatusOK, sync.Status())
	}
}

// syncFlushHandler pushes pending local changes right away. Failure is
// reported as 502 and the changes stay queued for the next round.
func syncFlushHandler(sync port.Syncer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/sync/flush")
		defer span.End()

		if sync == nil {
			writeError(w, http.StatusServiceUnavailable, "sync is disabled")
			return
		}
		if err := sync.Flush(ctx); err != nil {
			logger.Warn("sync flush failed", zap.Error(err))
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, sync.Status())
	}
}
