package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/hubcache/internal/refresh"
)

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	MCPDeps
	Token string
}

// NewAppHandler returns the HTTP API. /health and /metrics are public;
// everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/refresh/{type}", handleRefresh(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/objects/{type}", handleListObjects(deps))
		r.Get("/objects/{type}/{id}", handleGetObject(deps))
		r.Delete("/objects/{type}/{id}", handleDeleteObject(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := cacheStatus(deps.MCPDeps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleRefresh(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dataType := chi.URLParam(r, "type")
		if _, err := refresh.ParseDataType(dataType); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		q := r.URL.Query()
		all, _ := strconv.ParseBool(q.Get("all"))
		res := deps.Refresher.Refresh(r.Context(), refresh.Request{
			DataType:      dataType,
			Limit:         parseIntParam(r, "limit", 0, 0),
			After:         q.Get("after"),
			StoreAllPages: all,
		})

		code := http.StatusOK
		if res.Status == refresh.StatusError {
			code = http.StatusBadGateway
		}
		writeJSON(w, code, res)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		dataType := r.URL.Query().Get("type")
		if dataType != "" {
			if _, err := refresh.ParseDataType(dataType); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}

		limit := parseIntParam(r, "limit", defaultSearchLimit, maxSearchLimit)
		results, err := deps.Searcher.SearchType(r.Context(), query, dataType, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleListObjects(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dataType, ok := urlDataType(w, r)
		if !ok {
			return
		}
		limit := parseIntParam(r, "limit", defaultRecentLimit, maxRecentLimit)
		writeJSON(w, http.StatusOK, deps.Store.GetAllByType(dataType, limit))
	}
}

func handleGetObject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dataType, ok := urlDataType(w, r)
		if !ok {
			return
		}
		obj, found := deps.Store.Get(dataType, chi.URLParam(r, "id"))
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "object not found")
			return
		}
		writeJSON(w, http.StatusOK, obj)
	}
}

func handleDeleteObject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dataType, ok := urlDataType(w, r)
		if !ok {
			return
		}
		if !deps.Store.Delete(dataType, chi.URLParam(r, "id")) {
			httpError(w, http.StatusNotFound, "not_found", "object not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func urlDataType(w http.ResponseWriter, r *http.Request) (string, bool) {
	dataType := chi.URLParam(r, "type")
	if _, err := refresh.ParseDataType(dataType); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return "", false
	}
	return dataType, true
}

// parseIntParam reads a positive integer query parameter. Missing, malformed
// and non-positive values yield defaultVal, matching clampLimit.
func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
