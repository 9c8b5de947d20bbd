package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wolfman30/clinic-followups/internal/followup"
	httpmiddleware "github.com/wolfman30/clinic-followups/internal/http/middleware"
	"github.com/wolfman30/clinic-followups/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	FollowUpHandler    *followup.Handler
	AuthSecret         string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	APIRatePerSec      float64
	APIRateBurst       int
	Now                func() time.Time
}

// New creates the host process' HTTP surface: health, metrics and the clinician API.
func New(cfg *Config) http.Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","time":"` + now().UTC().Format(time.RFC3339) + `"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.FollowUpHandler != nil {
		r.Route("/api/v1", func(api chi.Router) {
			if cfg.APIRatePerSec > 0 {
				api.Use(httpmiddleware.RateLimit(cfg.APIRatePerSec, cfg.APIRateBurst))
			}
			api.Use(httpmiddleware.ClinicianJWT(cfg.AuthSecret))
			cfg.FollowUpHandler.RegisterRoutes(api)
		})
	}

	return r
}
