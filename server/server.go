// Package server is the HTTP facade over the wallet engine. Handlers
// stay thin: decode the request, delegate, map the AppError taxonomy
// onto status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nutjar/nutjar/apperr"
	"github.com/nutjar/nutjar/config"
	"github.com/nutjar/nutjar/lightning"
	"github.com/nutjar/nutjar/rates"
	"github.com/nutjar/nutjar/wallet"
	"github.com/nutjar/nutjar/wallet/storage"
)

type contextKey int

const walletKey contextKey = 0

type Server struct {
	engine *wallet.Engine
	rates  *rates.Cache
	lnurl  *lightning.AddressResolver
	config *config.Config
	logger *slog.Logger

	limiter             *ipRateLimiter
	createWalletLimiter *ipRateLimiter

	httpServer *http.Server
}

func SetupServer(cfg *config.Config, engine *wallet.Engine, ratesCache *rates.Cache,
	resolver *lightning.AddressResolver, logger *slog.Logger) *Server {

	srv := &Server{
		engine:              engine,
		rates:               ratesCache,
		lnurl:               resolver,
		config:              cfg,
		logger:              logger,
		limiter:             newIPRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		createWalletLimiter: newIPRateLimiter(cfg.RateLimitCreateWalletMax, cfg.RateLimitWindow),
	}

	router := mux.NewRouter()
	router.Use(srv.loggingMiddleware)
	router.Use(srv.rateLimitMiddleware)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/info", srv.getInfo).Methods(http.MethodGet)
	v1.Handle("/wallet", srv.createWalletRateLimit(http.HandlerFunc(srv.createWallet))).Methods(http.MethodPost)

	authed := v1.NewRoute().Subrouter()
	authed.Use(srv.authMiddleware)
	authed.HandleFunc("/wallet", srv.getWallet).Methods(http.MethodGet)
	authed.HandleFunc("/wallet/deposit", srv.createDeposit).Methods(http.MethodPost)
	authed.HandleFunc("/wallet/deposit/{quote}", srv.checkDeposit).Methods(http.MethodGet)
	authed.HandleFunc("/wallet/send", srv.send).Methods(http.MethodPost)
	authed.HandleFunc("/wallet/check", srv.checkToken).Methods(http.MethodPost)
	authed.HandleFunc("/wallet/decode", srv.decode).Methods(http.MethodPost)
	authed.HandleFunc("/wallet/pay", srv.pay).Methods(http.MethodPost)
	authed.HandleFunc("/wallet/pay/{quote}", srv.checkPay).Methods(http.MethodGet)
	authed.HandleFunc("/wallet/receive", srv.receive).Methods(http.MethodPost)
	authed.HandleFunc("/rate/{currency}", srv.getRate).Methods(http.MethodGet)

	srv.httpServer = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	return srv
}

func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			slog.Group("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.String("duration", time.Since(start).String()),
			),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			s.writeErr(w, apperr.New(http.StatusTooManyRequests, apperr.Limit, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) createWalletRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.createWalletLimiter.allow(clientIP(r)) {
			s.writeErr(w, apperr.New(http.StatusTooManyRequests, apperr.Limit, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		accessKey, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || accessKey == "" {
			s.writeErr(w, apperr.UnauthorizedError("missing bearer token"))
			return
		}

		walletRecord, err := s.engine.WalletByAccessKey(r.Context(), accessKey)
		if err != nil {
			s.writeErr(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), walletKey, walletRecord)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func walletFrom(r *http.Request) *storage.Wallet {
	return r.Context().Value(walletKey).(*storage.Wallet)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.ValidationError("invalid request body")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("could not write response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		s.logger.Error("unexpected error", slog.String("error", err.Error()))
		appErr = apperr.UnknownError("internal server error")
	}
	s.writeJSON(w, appErr.StatusCode, appErr)
}
