// Package http provides the HTTP transport layer for foodrelay.
//
// Every request is made on behalf of the user named in the X-User-Id header,
// which the trusted gateway in front of the server sets after authenticating
// the caller.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /profiles
//	GET    /profiles
//	GET    /profiles/me
//	POST   /profiles/{id}/verify
//	POST   /profiles/{id}/active
//	PUT    /organizations/donor
//	PUT    /organizations/ngo
//	PUT    /partners/me
//	POST   /partners/me/availability
//	POST   /partners/me/location
//	POST   /donations
//	GET    /donations
//	GET    /donations/{id}
//	GET    /donations/{id}/history
//	POST   /donations/{id}/claim
//	POST   /donations/{id}/assign
//	POST   /donations/{id}/cancel
//	GET    /deliveries
//	GET    /deliveries/jobs
//	GET    /deliveries/{id}
//	POST   /deliveries/{id}/accept
//	POST   /deliveries/{id}/advance
//	POST   /deliveries/{id}/decline
//	POST   /requests
//	GET    /requests
//	POST   /requests/{id}/close
//	GET    /notifications
//	POST   /notifications/{id}/read
//	POST   /notifications/read-all
//	GET    /stats/admin
//	GET    /stats/me
//	GET    /subscriptions
//	POST   /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /ws
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/foodrelay/internal/config"
	"github.com/snehjoshi/foodrelay/internal/coordinator"
	"github.com/snehjoshi/foodrelay/internal/events"
	"github.com/snehjoshi/foodrelay/internal/metrics"
	"github.com/snehjoshi/foodrelay/internal/webhook"
	transportws "github.com/snehjoshi/foodrelay/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with foodrelay route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around the coordinator. hooks and reg may be nil.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(c *coordinator.Coordinator, bus *events.Bus, hooks *webhook.Manager, cfg *config.Config, reg *metrics.Registry, nodeID string) *Server {
	h := &Handler{coord: c, hooks: hooks, nodeID: nodeID, started: time.Now()}
	ws := &transportws.Handler{
		Coordinator:   c,
		Bus:           bus,
		Buffer:        cfg.Events.SubscriberBuffer,
		WriteError:    writeError,
		QueryIdentity: cfg.HTTP.WSQueryIdentity,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Profiles and role records
	mux.HandleFunc("POST /profiles", h.register)
	mux.HandleFunc("GET /profiles", h.listProfiles)
	mux.HandleFunc("GET /profiles/me", h.me)
	mux.HandleFunc("POST /profiles/{id}/verify", h.verifyProfile)
	mux.HandleFunc("POST /profiles/{id}/active", h.setActive)
	mux.HandleFunc("PUT /organizations/donor", h.setupDonorOrg)
	mux.HandleFunc("PUT /organizations/ngo", h.setupNGOOrg)
	mux.HandleFunc("PUT /partners/me", h.setupPartner)
	mux.HandleFunc("POST /partners/me/availability", h.setAvailability)
	mux.HandleFunc("POST /partners/me/location", h.updateLocation)

	// Donations
	mux.HandleFunc("POST /donations", h.createDonation)
	mux.HandleFunc("GET /donations", h.listDonations)
	mux.HandleFunc("GET /donations/{id}", h.getDonation)
	mux.HandleFunc("GET /donations/{id}/history", h.donationHistory)
	mux.HandleFunc("POST /donations/{id}/claim", h.claimDonation)
	mux.HandleFunc("POST /donations/{id}/assign", h.assignDonation)
	mux.HandleFunc("POST /donations/{id}/cancel", h.cancelDonation)

	// Deliveries
	mux.HandleFunc("GET /deliveries", h.listDeliveries)
	mux.HandleFunc("GET /deliveries/jobs", h.openJobs)
	mux.HandleFunc("GET /deliveries/{id}", h.getDelivery)
	mux.HandleFunc("POST /deliveries/{id}/accept", h.acceptDelivery)
	mux.HandleFunc("POST /deliveries/{id}/advance", h.advanceDelivery)
	mux.HandleFunc("POST /deliveries/{id}/decline", h.declineDelivery)

	// NGO requests
	mux.HandleFunc("POST /requests", h.createRequest)
	mux.HandleFunc("GET /requests", h.listRequests)
	mux.HandleFunc("POST /requests/{id}/close", h.closeRequest)

	// Notifications
	mux.HandleFunc("GET /notifications", h.listNotifications)
	mux.HandleFunc("POST /notifications/{id}/read", h.markRead)
	mux.HandleFunc("POST /notifications/read-all", h.markAllRead)

	// Dashboards
	mux.HandleFunc("GET /stats/admin", h.adminStats)
	mux.HandleFunc("GET /stats/me", h.myStats)

	// Webhook subscriptions
	mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
	mux.HandleFunc("POST /subscriptions", h.createSubscription)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	// Live tracking feed
	mux.Handle("GET /ws", ws)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	rps := cfg.HTTP.RateLimitRPS
	burst := cfg.HTTP.RateLimitBurst
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = 200
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(rps, burst),
		IdentityMiddleware,
		MetricsMiddleware(reg),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
