package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/punchamoorthee/stakeops/internal/oracle"
	"github.com/punchamoorthee/stakeops/internal/service"
	"github.com/punchamoorthee/stakeops/internal/store"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stake_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

type ctxKey int

const principalKey ctxKey = iota

type Handler struct {
	coord  *service.Coordinator
	oracle *oracle.Oracle
	store  store.Store
	secret []byte
	log    *zap.Logger
}

func NewHandler(coord *service.Coordinator, o *oracle.Oracle, s store.Store, jwtSecret string, log *zap.Logger) *Handler {
	return &Handler{coord: coord, oracle: o, store: s, secret: []byte(jwtSecret), log: log}
}

// Register mounts the API on r. Everything under /api/v1 requires a bearer
// token whose subject is the principal's ledger address.
func (h *Handler) Register(r *mux.Router) {
	r.Use(h.requestID, instrument)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.authenticate)
	v1.HandleFunc("/staking", h.ListStakesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/staking/current", h.CurrentStakeHandler).Methods(http.MethodGet)
	v1.HandleFunc("/staking/{action:stake|unstake|claim}", h.PerformHandler).Methods(http.MethodPost)
	v1.HandleFunc("/rewards", h.RewardsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/operations/{key}", h.OperationHandler).Methods(http.MethodGet)
	v1.HandleFunc("/users/me", h.UpdateProfileHandler).Methods(http.MethodPut)
}

// Claims identify the caller. Subject carries the base58 principal address.
type Claims struct {
	jwt.RegisteredClaims
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if header == "" || tokenString == header {
			respondWithError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return h.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			respondWithError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		if _, err := ledger.ParseAddress(claims.Subject); err != nil {
			respondWithError(w, http.StatusUnauthorized, "Token subject is not a ledger address")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, claims.Subject)))
	})
}

func principal(r *http.Request) string {
	p, _ := r.Context().Value(principalKey).(string)
	return p
}

func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnresolved):
		return http.StatusAccepted, "Operation pending confirmation"
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrBelowMinimum),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrAmbiguousUnstake),
		errors.Is(err, domain.ErrInvalidAction):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "Key reuse with mismatched payload"
	case errors.Is(err, domain.ErrNotEligible):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrRejected):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrAccountLookupFailed), errors.Is(err, domain.ErrSubmissionFailed):
		return http.StatusBadGateway, "Ledger unavailable"
	case errors.Is(err, domain.ErrOperationNotFound):
		return http.StatusNotFound, "Operation not found"
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
