// Package api implements the Delivery Service's RPC server: one
// /xrpc/<lexicon> endpoint per operation in §6, a chi router, and the
// middleware chain enforcing identity, rate limits, and body size.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amityvox/deliveryservice/internal/actor"
	"github.com/amityvox/deliveryservice/internal/admin"
	"github.com/amityvox/deliveryservice/internal/config"
	"github.com/amityvox/deliveryservice/internal/convo"
	"github.com/amityvox/deliveryservice/internal/database"
	"github.com/amityvox/deliveryservice/internal/events"
	"github.com/amityvox/deliveryservice/internal/identity"
	dsmw "github.com/amityvox/deliveryservice/internal/middleware"
)

// maxRequestBodySize bounds the raw HTTP body for any RPC (§6 "global body
// cap <= 16MiB"). Individual RPCs enforce their own tighter limits (10MiB
// ciphertext, 64KiB key package, 50KiB report content) on top of this.
const maxRequestBodySize = 16 << 20

// Server is the Delivery Service's RPC/HTTP server. It holds the chi router
// and every service the RPC handlers dispatch to.
type Server struct {
	Router     *chi.Mux
	DB         *database.DB
	Config     *config.Config
	Verifier   *identity.Verifier
	EventBus   *events.Bus
	Hub        *events.Hub
	Actors     *actor.Registry
	Convo      *convo.Service
	Admin      *admin.Service
	InstanceID string
	Version    string
	Logger     *slog.Logger
	limiter    *dsmw.SlidingWindowLimiter
	streamReg  *streamRegistry
	server     *http.Server
}

// Deps bundles the services NewServer wires into route handlers.
type Deps struct {
	DB         *database.DB
	Config     *config.Config
	Verifier   *identity.Verifier
	EventBus   *events.Bus
	Hub        *events.Hub
	Actors     *actor.Registry
	Convo      *convo.Service
	Admin      *admin.Service
	InstanceID string
	Version    string
	Logger     *slog.Logger
}

// NewServer builds a Server with all routes and middleware registered.
func NewServer(d Deps) *Server {
	rlCfg := dsmw.SlidingWindowConfig{
		WindowSize:  time.Minute,
		MaxRequests: d.Config.RateLimit.MaxRequests,
		PerEndpoint: d.Config.RateLimit.PerEndpoint,
	}
	if w, err := d.Config.RateLimit.WindowParsed(); err == nil {
		rlCfg.WindowSize = w
	}
	rlCfg.CleanupInterval = 5 * time.Minute

	s := &Server{
		Router:     chi.NewRouter(),
		DB:         d.DB,
		Config:     d.Config,
		Verifier:   d.Verifier,
		EventBus:   d.EventBus,
		Hub:        d.Hub,
		Actors:     d.Actors,
		Convo:      d.Convo,
		Admin:      d.Admin,
		InstanceID: d.InstanceID,
		Version:    d.Version,
		Logger:     d.Logger,
		limiter:    dsmw.NewSlidingWindowLimiter(rlCfg, dsmw.DefaultEndpointRates()),
		streamReg:  newStreamRegistry(),
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// registerMiddleware adds global middleware to the router. Order matters:
// correlation ID and logging wrap everything so even a panic or a
// rate-limit rejection is traced; Recoverer sits below logging so a
// recovered panic still gets logged with its correct status; the body-size
// cap applies before any handler reads the request.
func (s *Server) registerMiddleware() {
	s.Router.Use(dsmw.CorrelationID)
	s.Router.Use(chimw.RealIP)
	s.Router.Use(dsmw.TracingLogger(s.Logger))
	s.Router.Use(chimw.Recoverer)
	s.Router.Use(corsMiddleware(s.Config.HTTP.CORSOrigins))
	s.Router.Use(chimw.Compress(5))
	s.Router.Use(chimw.Timeout(30 * time.Second))
	s.Router.Use(maxBodySize(maxRequestBodySize))
}

// auth returns middleware requiring a verified DID-bound JWT authorizing
// exactly lxm, rate limited per caller DID once authenticated.
func (s *Server) auth(lxm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		authed := identity.RequireAuth(s.Verifier, lxm)(
			dsmw.RateLimitMiddleware(s.limiter, func(*http.Request) string { return lxm })(next),
		)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			authed.ServeHTTP(w, r)
			GlobalMetrics.RPCRequestsTotal.Add(1)
			GlobalMetrics.RPCRequestDuration.Add(time.Since(start).Microseconds())
		})
	}
}

// registerRoutes mounts every §6 RPC under /xrpc/<lexicon>, mirroring
// ATProto's XRPC convention, plus the unauthenticated health and metrics
// endpoints.
func (s *Server) registerRoutes() {
	s.Router.Get("/health", s.handleHealthCheck)
	s.Router.Get("/health/deep", s.handleDeepHealthCheck)
	s.Router.Get("/metrics", s.handleMetrics)

	r := s.Router
	r.With(s.auth("chat.createConvo")).Post("/xrpc/chat.createConvo", s.handleCreateConvo)
	r.With(s.auth("chat.getExpectedConversations")).Get("/xrpc/chat.getExpectedConversations", s.handleGetExpectedConversations)

	r.With(s.auth("chat.addMembers")).Post("/xrpc/chat.addMembers", s.handleAddMembers)
	r.With(s.auth("chat.removeMember")).Post("/xrpc/chat.removeMember", s.handleRemoveMember)
	r.With(s.auth("chat.leaveConvo")).Post("/xrpc/chat.leaveConvo", s.handleLeaveConvo)
	r.With(s.auth("chat.promoteAdmin")).Post("/xrpc/chat.promoteAdmin", s.handlePromoteAdmin)
	r.With(s.auth("chat.demoteAdmin")).Post("/xrpc/chat.demoteAdmin", s.handleDemoteAdmin)
	r.With(s.auth("chat.processExternalCommit")).Post("/xrpc/chat.processExternalCommit", s.handleProcessExternalCommit)

	r.With(s.auth("chat.sendMessage")).Post("/xrpc/chat.sendMessage", s.handleSendMessage)
	r.With(s.auth("chat.getMessages")).Get("/xrpc/chat.getMessages", s.handleGetMessages)

	r.With(s.auth("chat.publishKeyPackage")).Post("/xrpc/chat.publishKeyPackage", s.handlePublishKeyPackage)
	r.With(s.auth("chat.getKeyPackages")).Post("/xrpc/chat.getKeyPackages", s.handleGetKeyPackages)

	r.With(s.auth("chat.getGroupInfo")).Get("/xrpc/chat.getGroupInfo", s.handleGetGroupInfo)

	r.With(s.auth("chat.registerDevice")).Post("/xrpc/chat.registerDevice", s.handleRegisterDevice)

	r.With(s.auth("chat.markNeedsRejoin")).Post("/xrpc/chat.markNeedsRejoin", s.handleMarkNeedsRejoin)
	r.With(s.auth("chat.getWelcome")).Get("/xrpc/chat.getWelcome", s.handleGetWelcome)
	r.With(s.auth("chat.deliverWelcome")).Post("/xrpc/chat.deliverWelcome", s.handleDeliverWelcome)

	r.With(s.auth("chat.reportMember")).Post("/xrpc/chat.reportMember", s.handleReportMember)
	r.With(s.auth("chat.getReports")).Get("/xrpc/chat.getReports", s.handleGetReports)
	r.With(s.auth("chat.resolveReport")).Post("/xrpc/chat.resolveReport", s.handleResolveReport)
	r.With(s.auth("chat.checkBlocks")).Post("/xrpc/chat.checkBlocks", s.handleCheckBlocks)

	r.With(s.auth("chat.streamConvoEvents")).Get("/xrpc/chat.streamConvoEvents", s.handleStreamConvoEvents)
}

// Start begins serving HTTP on cfg.HTTP.Listen. Blocks until the server
// stops or returns an error other than http.ErrServerClosed.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.Config.HTTP.Listen,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("HTTP server listening", slog.String("addr", s.Config.HTTP.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.limiter.Stop()
	return s.server.Shutdown(ctx)
}

// maxBodySize limits the request body to n bytes.
func maxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware sets CORS headers for the configured allowed origins.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := false
			for _, o := range origins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, Last-Event-ID, X-Request-ID")
				isWildcard := len(origins) == 1 && origins[0] == "*"
				if !isWildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
