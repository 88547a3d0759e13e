// Package rpc serves the protocol over HTTP: read endpoints for cards,
// merchants, wallets, balances and oracle prices, helpers for composing card
// signatures, relay endpoints for signed card operations, and operator pause
// controls.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/khengleng/mycard-pay-protocol/core"
	"github.com/khengleng/mycard-pay-protocol/indexer"
)

// Config tunes the HTTP server.
type Config struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	// AdminSecret is the HMAC key for operator bearer tokens. Admin routes
	// answer 404 when it is empty.
	AdminSecret       string
	ReadHeaderTimeout time.Duration
	// Relayer is the account recorded as caller of relayed card operations.
	Relayer common.Address
}

// Server exposes a chain over HTTP.
type Server struct {
	chain   *core.Chain
	index   *indexer.Indexer
	cfg     Config
	logger  *slog.Logger
	limiter *rateLimiter
	admin   *adminAuth
	hub     *EventHub
	http    *http.Server
}

// Option customises a Server.
type Option func(*Server)

// WithIndexer enables the history endpoints backed by idx.
func WithIndexer(idx *indexer.Indexer) Option {
	return func(s *Server) { s.index = idx }
}

// WithEventHub enables the websocket event stream served from hub.
func WithEventHub(hub *EventHub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds a server for chain.
func NewServer(chain *core.Chain, cfg Config, opts ...Option) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	s := &Server{
		chain:  chain,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "rpc"))
	s.limiter = newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	if cfg.AdminSecret != "" {
		s.admin = newAdminAuth(cfg.AdminSecret, s.logger)
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestID)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/events", s.handleEventStream)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)

		r.Get("/version", s.handleVersion)
		r.Get("/cards", s.handleListCards)
		r.Get("/cards/{address}", s.handleGetCard)
		r.Get("/issuers/{address}/cards", s.handleCardsByIssuer)
		r.Get("/merchants", s.handleListMerchants)
		r.Get("/merchants/{address}", s.handleGetMerchant)
		r.Get("/merchants/{address}/payments", s.handleMerchantPayments)
		r.Get("/exchanges", s.handleListExchanges)
		r.Get("/oracles/{address}/prices", s.handleOraclePrices)
		r.Get("/tokens/{token}/balances/{account}", s.handleBalance)
		r.Get("/wallets/{address}", s.handleGetWallet)
		r.Get("/prepaid/config", s.handlePrepaidConfig)

		r.Post("/signatures/compose", s.handleComposeSignature)
		r.Post("/cards/{address}/split/hash", s.handleSplitHash)
		r.Post("/cards/{address}/sell/hash", s.handleSellHash)
		r.Post("/cards/{address}/pay/hash", s.handlePayHash)
		r.Post("/cards/{address}/split", s.handleSplit)
		r.Post("/cards/{address}/sell", s.handleSell)
		r.Post("/cards/{address}/pay", s.handlePay)
	})

	if s.admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.admin.middleware(adminScope))
			r.Put("/pauses/{module}", s.handlePause(true))
			r.Delete("/pauses/{module}", s.handlePause(false))
		})
	}

	return otelhttp.NewHandler(r, "cardpay.rpc")
}

// Start serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("rpc listening", slog.String("addr", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
