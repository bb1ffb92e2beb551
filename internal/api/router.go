package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func NewRouter(h *Handler, jwtSecret []byte, log *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(WithObservability(log))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(WithAuth(jwtSecret, log))
	apiV1.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	apiV1.HandleFunc("/accounts", h.ListAccounts).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts/{id:[0-9]+}", h.GetAccount).Methods(http.MethodGet)
	apiV1.HandleFunc("/transfers", h.CreateTransfer).Methods(http.MethodPost)
	apiV1.HandleFunc("/deposits", h.CreateDeposit).Methods(http.MethodPost)
	apiV1.HandleFunc("/withdrawals", h.CreateWithdrawal).Methods(http.MethodPost)
	apiV1.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)

	return r
}
