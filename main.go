// main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	log := newLogger()
	defer log.Sync()

	cfg := LoadConfig()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if len(cfg.JWTSecret) == 0 {
		log.Fatal("JWT_SECRET is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	if err := RunMigrations(ctx, pool, log); err != nil {
		log.Fatal("schema migrations failed", zap.Error(err))
	}

	store := NewStore(pool)
	auth := NewAuthenticator(cfg.JWTSecret, store, log)
	mailHandlers := NewMailHandlers(store, log)
	delivery := NewDeliveryEngine(store, pool, cfg.DispatchCooldown, cfg.NotificationWait, log)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Use(zapRequestLogger(log))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(httprate.LimitByIP(cfg.RateLimitPerSecond, 1*time.Second))

		r.Get("/mail", delivery.ServeMail)
		r.Get("/mail/{id}", mailHandlers.GetMail)
		r.Delete("/mail/{id}", mailHandlers.DeleteMail)
		r.Get("/mail/{mail_id}/attachment/{number}", mailHandlers.GetAttachment)
	})

	log.Info("listening", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, r); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server exited", zap.Error(err))
	}
}

// zapRequestLogger is a zap-backed request logging middleware, slotted
// into the chain where a stdlib-log equivalent would otherwise go.
func zapRequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
