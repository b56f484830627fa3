/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the counter UI

ROUTE GROUPS:
  /api/reservations/*   Reservation lifecycle
  /api/offers/*         Offers and checkout
  /api/kiosk/*          Self-service lending
  /api/availability     Availability queries
  /api/catalog/*        Tool types and instances
  /api/notifications/*  Notification outbox
  /api/audit            Audit journal
  /api/scenarios/*      Demo scenarios
  /api/admin/*          Admin operations
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness and database check
  /*                    Static files (frontend)

STATIC FILE SERVING:
  Serves a built frontend from web/dist/ when present.
  Falls back to index.html for client-side routing.

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins is used when no origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured. metrics may be
// nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, metrics http.Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Reservation routes
		r.Route("/reservations", func(r chi.Router) {
			r.Get("/", h.ListReservations)
			r.Post("/", h.CreateReservation)
			r.Get("/by-number/{number}", h.GetReservationByNumber)
			r.Get("/{id}", h.GetReservation)
			r.Get("/{id}/cost", h.GetCost)
			r.Post("/{id}/submit", h.Submit)
			r.Post("/{id}/decide", h.Decide)
			r.Post("/{id}/mark-items-for-rental", h.MarkItemsForRental)
			r.Post("/{id}/receive-marked-items", h.ReceiveMarkedItems)
			r.Post("/{id}/extend", h.Extend)
			r.Post("/{id}/force-extend", h.ForceExtend)
			r.Post("/{id}/return", h.Return)
			r.Post("/{id}/force-return", h.ForceReturn)
			r.Post("/{id}/cancel", h.Cancel)
			r.Post("/{id}/close", h.Close)
			r.Post("/{id}/mark-lost", h.MarkLost)
			r.Post("/{id}/resolve-deficits", h.ResolveDeficits)
		})

		// Offer routes
		r.Route("/offers", func(r chi.Router) {
			r.Post("/", h.CreateOffer)
			r.Get("/{number}", h.GetOffer)
			r.Post("/{number}/checkout", h.CheckoutOffer)
		})

		r.Post("/kiosk/lend", h.KioskLend)
		r.Get("/availability", h.QueryAvailability)

		// Catalog routes
		r.Route("/catalog", func(r chi.Router) {
			r.Get("/tool-types", h.ListToolTypes)
			r.Post("/tool-types", h.CreateToolType)
			r.Post("/import", h.ImportCatalog)
			r.Get("/instances", h.ListInstances)
			r.Post("/instances", h.CreateInstance)
		})

		r.Get("/notifications/pending", h.ListPendingNotifications)
		r.Get("/audit", h.ListAudit)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	// Serve static files
	// First try ./web/dist (development), then relative to the executable
	staticDir := "./web/dist"
	if _, err := os.Stat(staticDir); os.IsNotExist(err) {
		exe, _ := os.Executable()
		staticDir = filepath.Join(filepath.Dir(exe), "web", "dist")
	}

	if _, err := os.Stat(staticDir); err == nil {
		fileServer := http.FileServer(http.Dir(staticDir))
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			fullPath := filepath.Join(staticDir, r.URL.Path)
			if _, err := os.Stat(fullPath); os.IsNotExist(err) {
				// SPA routing: serve index.html
				http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, r)
		})
	} else {
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Tool Rental Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Tool Rental Engine API</h1>
<p>No frontend is bundled with this build.</p>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/reservations">/api/reservations</a> - List reservations</li>
<li><a href="/api/catalog/tool-types">/api/catalog/tool-types</a> - List tool types</li>
<li><a href="/api/notifications/pending">/api/notifications/pending</a> - Pending notifications</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
</ul>
</body>
</html>`))
		})
	}

	return r
}
