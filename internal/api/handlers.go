package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"go.uber.org/zap"
)

type actionRequest struct {
	Amount amount.Amount `json:"amount"`
}

type profileRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PerformHandler runs stake, unstake or claim. New operations answer 201,
// idempotent replays 200 and operations still awaiting the ledger 202.
func (h *Handler) PerformHandler(w http.ResponseWriter, r *http.Request) {
	action := domain.Action(mux.Vars(r)["action"])

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	rcpt, err := h.coord.Perform(r.Context(), principal(r), action, req.Amount, r.Header.Get("Idempotency-Key"))
	if err != nil {
		code, msg := errorStatus(err)
		if rcpt != nil && (code == http.StatusAccepted || code == http.StatusConflict) {
			w.Header().Set("Location", fmt.Sprintf("/api/v1/operations/%s", rcpt.IdempotencyKey))
			respondWithJSON(w, code, map[string]interface{}{"error": msg, "receipt": rcpt})
			return
		}
		if code == http.StatusInternalServerError {
			h.log.Error("perform failed", zap.String("action", string(action)), zap.Error(err))
		}
		respondWithError(w, code, msg)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/operations/%s", rcpt.IdempotencyKey))
	if rcpt.Replayed {
		respondWithJSON(w, http.StatusOK, rcpt)
		return
	}
	respondWithJSON(w, http.StatusCreated, rcpt)
}

func (h *Handler) OperationHandler(w http.ResponseWriter, r *http.Request) {
	op, err := h.coord.Operation(r.Context(), principal(r), mux.Vars(r)["key"])
	if err != nil {
		h.fail(w, "operation", err)
		return
	}
	respondWithJSON(w, http.StatusOK, op)
}

func (h *Handler) ListStakesHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.store.EnsureAccount(r.Context(), principal(r))
	if err != nil {
		h.fail(w, "list stakes", err)
		return
	}
	stakes, err := h.store.Stakes(r.Context(), acc.ID)
	if err != nil {
		h.fail(w, "list stakes", err)
		return
	}
	if stakes == nil {
		stakes = []domain.Stake{}
	}
	respondWithJSON(w, http.StatusOK, stakes)
}

func (h *Handler) CurrentStakeHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.store.EnsureAccount(r.Context(), principal(r))
	if err != nil {
		h.fail(w, "current stake", err)
		return
	}
	view, err := h.oracle.CurrentStake(r.Context(), acc.ID)
	if err != nil {
		h.fail(w, "current stake", err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) RewardsHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.store.EnsureAccount(r.Context(), principal(r))
	if err != nil {
		h.fail(w, "rewards", err)
		return
	}
	view, err := h.oracle.AccruedRewards(r.Context(), acc.ID)
	if err != nil {
		h.fail(w, "rewards", err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

// StatsHandler serves platform statistics, or the caller's own with
// ?type=user.
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("type") {
	case "", "platform":
		st, err := h.oracle.PlatformStats(r.Context())
		if err != nil {
			h.fail(w, "platform stats", err)
			return
		}
		respondWithJSON(w, http.StatusOK, st)
	case "user":
		acc, err := h.store.EnsureAccount(r.Context(), principal(r))
		if err != nil {
			h.fail(w, "user stats", err)
			return
		}
		st, err := h.oracle.UserStats(r.Context(), acc.ID)
		if err != nil {
			h.fail(w, "user stats", err)
			return
		}
		respondWithJSON(w, http.StatusOK, st)
	default:
		respondWithError(w, http.StatusBadRequest, "Unknown stats type")
	}
}

func (h *Handler) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	acc, err := h.store.EnsureAccount(r.Context(), principal(r))
	if err != nil {
		h.fail(w, "update profile", err)
		return
	}
	acc, err = h.store.UpdateProfile(r.Context(), acc.ID, req.Name, req.Email)
	if err != nil {
		h.fail(w, "update profile", err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	code, msg := errorStatus(err)
	if code == http.StatusInternalServerError {
		h.log.Error(op+" failed", zap.Error(err))
	}
	respondWithError(w, code, msg)
}
