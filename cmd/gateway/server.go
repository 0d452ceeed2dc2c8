package main

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"indexerGateway/internal/budget"
	"indexerGateway/internal/dispatch"
	"indexerGateway/internal/model"
)

// queryRequest is the resolved query descriptor accepted on /query. Auth and
// GraphQL parsing happen upstream of this endpoint.
type queryRequest struct {
	Deployment string           `json:"deployment"`
	Query      string           `json:"query"`
	Shape      model.QueryShape `json:"shape"`
	Caller     string           `json:"caller"`
	FeeCeiling string           `json:"fee_ceiling"`
}

type queryResponse struct {
	Response     string `json:"response"`
	Indexer      string `json:"indexer"`
	TotalCostWei string `json:"total_cost_wei"`
	Attempts     int    `json:"attempts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newHandler(controller *dispatch.Controller, logger *zap.Logger) http.Handler {
	router := chi.NewRouter()

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.Post("/query", func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		if req.Query == "" || req.Caller == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query and caller are required"})
			return
		}

		var feeCeiling *big.Int
		if req.FeeCeiling != "" {
			parsed, ok := new(big.Int).SetString(req.FeeCeiling, 10)
			if !ok || parsed.Sign() < 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid fee_ceiling"})
				return
			}
			feeCeiling = parsed
		}

		resp, err := controller.Dispatch(r.Context(), model.ResolvedQuery{
			Deployment: common.HexToHash(req.Deployment),
			Query:      req.Query,
			Shape:      req.Shape,
			Caller:     req.Caller,
			FeeCeiling: feeCeiling,
		})
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, dispatch.ErrNoSupply):
				status = http.StatusNotFound
			case errors.Is(err, budget.ErrDenied):
				status = http.StatusPaymentRequired
			case errors.Is(err, dispatch.ErrExhausted):
				status = http.StatusBadGateway
			}
			logger.Debug("query failed", zap.Int("status", status), zap.Error(err))
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, queryResponse{
			Response:     resp.Body,
			Indexer:      resp.Indexer.Hex(),
			TotalCostWei: resp.TotalCost.String(),
			Attempts:     resp.Attempts,
		})
	})

	return router
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
