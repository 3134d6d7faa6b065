package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perceptra-ai/metering-backend/api/controllers"
	webhookcontrollers "github.com/perceptra-ai/metering-backend/api/controllers/webhooks"
	"github.com/perceptra-ai/metering-backend/api/middleware"
	stripewebhook "github.com/perceptra-ai/metering-backend/internal/webhooks/stripe"
	"github.com/perceptra-ai/metering-backend/pkg/db"
	"github.com/perceptra-ai/metering-backend/pkg/logger"
	"github.com/perceptra-ai/metering-backend/pkg/redis"
	stripepkg "github.com/perceptra-ai/metering-backend/pkg/stripe"
)

// Deps carries what the HTTP surface needs. The service is webhook-driven:
// everything besides the Stripe ingress is operational plumbing.
type Deps struct {
	Logger       *logger.Logger
	DB           db.Pinger
	Redis        *redis.Client
	StripeClient *stripepkg.Client
	Reconciler   webhookcontrollers.StripeWebhookService
	WebhookGuard *stripewebhook.IdempotencyGuard
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(deps.Logger),
		middleware.RequestID(deps.Logger),
		middleware.Logging(deps.Logger),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive())
		r.Get("/ready", controllers.HealthReady(deps.DB, deps.Redis, deps.Logger))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(deps.Reconciler, deps.StripeClient, deps.WebhookGuard, deps.Logger))
	})

	return r
}
