package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/boddenberg/walletsync-go/internal/export"

	"go.uber.org/zap"
)

// exportTransactionsHandler streams the caller's transactions as CSV,
// optionally bounded with ?from= and ?to=.
func exportTransactionsHandler(exporter *export.Exporter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/export/transactions.csv")
		defer span.End()

		from, to, err := parseRange(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		// Buffered so a failed export still gets a proper error status.
		var buf bytes.Buffer
		rows, err := exporter.Transactions(ctx, &buf, UserIDFromContext(ctx), from, to)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "transactions.csv"))
		w.Header().Set("X-Row-Count", strconv.Itoa(rows))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}
