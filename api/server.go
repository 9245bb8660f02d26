/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. observe:    slog access log + Prometheus request metrics
  4. CORS:       Cross-origin requests for the dashboards

ROUTE GROUPS:
  /healthz                    Liveness
  /metrics                    Prometheus exposition
  /api/tontines/*             Tontine lifecycle, participants, fees
  /api/clients/*              A client's tontines
  /api/transactions/*         Deposits and withdrawals
  /api/tontiniers/*           Earnings reports and subscriptions
  /api/billing/*              Subscription billing
  /api/presets                Tontine presets
  /api/scenarios/*            Demo scenarios

ACTOR:
  The caller identifies itself with the X-Actor-ID header (a client id, a
  tontinier id or "system"). Authentication happens upstream; the engine
  only checks that the actor may perform the operation.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/tontine-engine/metrics"
)

// ActorHeader names the request header carrying the acting user.
const ActorHeader = "X-Actor-ID"

// NewRouter creates a new router with all routes configured.
// An empty origins list allows every origin.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe(h.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/tontines", func(r chi.Router) {
			r.Get("/", h.ListTontines)
			r.Post("/", h.CreateTontine)
			r.Get("/identifier-available", h.IdentifierAvailable)
			r.Get("/by-identifier/{identifier}", h.GetTontineByIdentifier)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetTontine)
				r.Patch("/", h.UpdateTontine)
				r.Put("/identifier", h.ChangeIdentifier)
				r.Get("/identifier-history", h.IdentifierHistory)
				r.Put("/status", h.SetTontineStatus)
				r.Post("/settle", h.SettleReservedFees)

				r.Get("/participants", h.ListParticipants)
				r.Post("/participants", h.AddParticipant)
				r.Route("/participants/{clientID}", func(r chi.Router) {
					r.Post("/suspend", h.SuspendParticipant)
					r.Post("/reactivate", h.ReactivateParticipant)
					r.Post("/withdraw", h.WithdrawParticipant)
					r.Get("/net-available", h.GetNetAvailable)
					r.Get("/reserved-fees", h.ListReservedFees)
				})
			})
		})

		r.Get("/clients/{clientID}/tontines", h.ClientTontines)

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/", h.CreateTransaction)
			r.Post("/preview", h.PreviewTransaction)
			r.Get("/pending", h.ListPendingTransactions)
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/validate", h.ValidateTransaction)
			r.Post("/{id}/reject", h.RejectTransaction)
			r.Post("/{id}/cancel", h.CancelTransaction)
		})

		r.Route("/tontiniers/{tontinierID}", func(r chi.Router) {
			r.Get("/earnings/summary", h.EarningsSummary)
			r.Get("/earnings/by-tontine", h.EarningsByTontine)
			r.Get("/earnings/by-client", h.EarningsByClient)
			r.Get("/earnings/by-period", h.EarningsByPeriod)
			r.Get("/earnings/history", h.EarningsHistory)
			r.Post("/earnings/adjustments", h.CreateAdjustment)
			r.Get("/subscriptions", h.ListSubscriptions)
			r.Post("/subscriptions", h.Subscribe)
		})

		r.Post("/billing/run", h.RunBilling)
		r.Get("/presets", h.ListPresets)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// observe logs each request and records its metrics under the matched
// route pattern, so path parameters do not explode label cardinality.
func observe(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)

			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", elapsed),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
