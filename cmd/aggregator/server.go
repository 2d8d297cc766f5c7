package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rickgao/account-aggregator/internal/connection"
	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/session"
	"github.com/rickgao/account-aggregator/internal/version"
)

// aggregatorService is the session surface served over HTTP.
type aggregatorService interface {
	Accounts() []model.Account
	Stats() model.Stats
	Status() session.Status
	LatestDrift() (model.DriftReport, bool)
	VerifyAgainstSource(ctx context.Context, apply bool) (model.DriftReport, error)
	ForceRefresh(ctx context.Context) error
}

type totals struct {
	Count     int                `json:"count"`
	Sums      map[string]float64 `json:"sums"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func totalsResponse(s model.Stats) totals {
	return totals{Count: s.Count, Sums: s.Map(), UpdatedAt: s.UpdatedAt}
}

type accountJSON struct {
	Login     string             `json:"login"`
	Currency  string             `json:"currency"`
	UpdatedAt int64              `json:"updated_at"`
	Values    map[string]float64 `json:"values"`
}

// createHandler creates the HTTP handler for health, status and control.
func createHandler(svc aggregatorService, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := svc.Status()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		// Feed connection
		feed := map[string]interface{}{"state": status.State}
		if !status.Connection.LastMessageAt.IsZero() {
			feed["last_message"] = status.Connection.LastMessageAt
		}
		health.Components["feed"] = feed
		switch status.State {
		case connection.StateConnected:
		case connection.StateFailed:
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}

		// Snapshot
		snapshot := map[string]interface{}{
			"ready":    status.Ready,
			"entities": status.Entities,
			"errors":   status.RefreshErrors,
		}
		if !status.LastRefresh.IsZero() {
			snapshot["last_refresh"] = status.LastRefresh
		}
		health.Components["snapshot"] = snapshot
		if !status.Ready && health.Status == "healthy" {
			health.Status = "degraded"
		}

		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSONResponse(w, code, health)
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, totalsResponse(svc.Stats()))
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, svc.Status())
	})

	mux.HandleFunc("GET /accounts", func(w http.ResponseWriter, r *http.Request) {
		accounts := svc.Accounts()

		limit := len(accounts)
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			if n < limit {
				limit = n
			}
		}

		out := make([]accountJSON, 0, limit)
		for _, a := range accounts[:limit] {
			out = append(out, accountJSON{Login: a.Login, Currency: a.Currency, UpdatedAt: a.UpdatedAt, Values: a.Values})
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"count":    len(accounts),
			"showing":  len(out),
			"accounts": out,
		})
	})

	mux.HandleFunc("GET /drift", func(w http.ResponseWriter, r *http.Request) {
		report, ok := svc.LatestDrift()
		if !ok {
			writeError(w, http.StatusNotFound, "no drift report yet")
			return
		}
		writeJSONResponse(w, http.StatusOK, report)
	})

	mux.HandleFunc("POST /verify", func(w http.ResponseWriter, r *http.Request) {
		apply, _ := strconv.ParseBool(r.URL.Query().Get("apply"))
		report, err := svc.VerifyAgainstSource(r.Context(), apply)
		if err != nil {
			logger.Warn("verify failed", "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSONResponse(w, http.StatusOK, report)
	})

	mux.HandleFunc("POST /refresh", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ForceRefresh(r.Context()); err != nil {
			logger.Warn("refresh failed", "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, version.Get())
	})

	return mux
}

func writeJSONResponse(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONResponse(w, code, map[string]string{"error": msg})
}
