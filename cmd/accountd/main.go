// Command accountd runs the account authority server: it wires storage,
// the token/linkage/session/rotation engines and the denylist watcher
// behind the HTTP API, then serves until interrupted.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	accounterrors "github.com/ddnet-accounts/accountd/infrastructure/errors"
	"github.com/ddnet-accounts/accountd/infrastructure/logging"
	"github.com/ddnet-accounts/accountd/infrastructure/metrics"
	"github.com/ddnet-accounts/accountd/infrastructure/middleware"
	"github.com/ddnet-accounts/accountd/internal/app/denylist"
	"github.com/ddnet-accounts/accountd/internal/app/linkage"
	"github.com/ddnet-accounts/accountd/internal/app/rotation"
	"github.com/ddnet-accounts/accountd/internal/app/sessionengine"
	"github.com/ddnet-accounts/accountd/internal/app/tokenengine"
	"github.com/ddnet-accounts/accountd/internal/platform/config"
	"github.com/ddnet-accounts/accountd/internal/platform/migrations"
	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/internal/platform/storage/mysql"
	"github.com/ddnet-accounts/accountd/internal/platform/storage/postgres"
	"github.com/ddnet-accounts/accountd/internal/platform/storage/sqlite"
	"github.com/ddnet-accounts/accountd/pkg/logger"
	pkgmail "github.com/ddnet-accounts/accountd/pkg/mail"
	"github.com/ddnet-accounts/accountd/pkg/steam"
)

func sqlDriverName(dialect config.Dialect) string {
	switch dialect {
	case config.DialectPostgres:
		return "postgres"
	case config.DialectMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// storageOpen dispatches to the dialect-specific Store constructor. The raw
// *sql.DB opened earlier for migrations is separate from this one; the
// storage package exposes no shared handle between the two.
func storageOpen(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Dialect {
	case config.DialectPostgres:
		return postgres.Open(ctx, cfg.DSN)
	case config.DialectMySQL:
		return mysql.Open(ctx, cfg.DSN)
	default:
		return sqlite.Open(ctx, cfg.DSN)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "accountd: load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewDefault("accountd")
	reqLog := logging.NewFromEnv("accountd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rawDB, err := sql.Open(sqlDriverName(cfg.Dialect), cfg.DSN)
	if err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Error("open database for migrations")
		os.Exit(1)
	}
	if err := migrations.Apply(ctx, string(cfg.Dialect), rawDB); err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Error("apply migrations")
		os.Exit(1)
	}
	rawDB.Close()

	st, err := storageOpen(ctx, cfg)
	if err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Error("open storage")
		os.Exit(1)
	}
	defer st.Close()

	templates, err := pkgmail.NewTemplates(cfg.CredentialAuthTokenTemplate, cfg.AccountTokenTemplate)
	if err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("mail templates unavailable, email credential flows disabled")
		templates = nil
	}

	if templates != nil {
		go func() {
			ticker := time.NewTicker(cfg.DenylistPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := templates.Reload(); err != nil {
						log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("mail template reload failed")
					}
				}
			}
		}()
	}

	var mailer pkgmail.Sender
	if smtpAddr := os.Getenv("ACCOUNTD_SMTP_ADDR"); smtpAddr != "" {
		from := os.Getenv("ACCOUNTD_SMTP_FROM")
		var auth smtp.Auth
		if user, pass := os.Getenv("ACCOUNTD_SMTP_USER"), os.Getenv("ACCOUNTD_SMTP_PASSWORD"); user != "" {
			host := strings.SplitN(smtpAddr, ":", 2)[0]
			auth = smtp.PlainAuth("", user, pass, host)
		}
		mailer = pkgmail.NewSMTPSender(smtpAddr, from, auth)
	}

	var steamVerifier steam.Verifier
	if apiKey := os.Getenv("ACCOUNTD_STEAM_API_KEY"); apiKey != "" {
		steamVerifier = steam.NewWebAPIVerifier(apiKey, os.Getenv("ACCOUNTD_STEAM_APP_ID"))
	}

	lists, err := denylist.New(cfg.IPBanFile, cfg.EmailAllowFile, cfg.EmailBanFile, log)
	if err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Error("init denylist")
		os.Exit(1)
	}
	go lists.Run(ctx, cfg.DenylistPollInterval)

	tokens := tokenengine.New(st, mailer, templates, steamVerifier, lists, log, cfg.CredentialAuthTokenTTL, cfg.AccountTokenTTL, cfg.EmailTestMode)
	links := linkage.New(st, log)

	rot := rotation.New(st, log, rotation.Config{
		AuthorityName:   cfg.AuthorityName,
		CurrentValidity: cfg.CertValidityWindow,
		NextValidity:    cfg.CertValidityWindow + cfg.NextCertExtraWindow,
		SafetyWindow:    cfg.RotationSafetyWindow,
		CheckInterval:   cfg.RotationCheckInterval,
		ErrorBackoff:    cfg.RotationErrorBackoff,
	})
	if err := rot.Bootstrap(ctx); err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Error("bootstrap signing keys")
		os.Exit(1)
	}
	go rot.Run(ctx)

	sessions := sessionengine.New(st, rot, log, cfg.AuthorityName, cfg.CertValidity)

	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", cfg.TokenGCInterval), func() {
		if err := tokens.GC(ctx); err != nil {
			log.WithFields(map[string]interface{}{"error": err.Error()}).Error("token gc failed")
		}
		if err := rot.GCPublishedCerts(ctx); err != nil {
			log.WithFields(map[string]interface{}{"error": err.Error()}).Error("published cert gc failed")
		}
	}); err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Error("schedule token gc")
		os.Exit(1)
	}
	sched.Start()

	deps := &routeDeps{
		cfg:      cfg,
		log:      log,
		store:    st,
		tokens:   tokens,
		links:    links,
		sessions: sessions,
		rotation: rot,
		lists:    lists,
	}

	router := buildRouter(cfg, reqLog, deps)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() { sched.Stop() })
	shutdown.ListenForSignals()

	go func() {
		log.WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("accountd listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(map[string]interface{}{"error": err.Error()}).Error("server error")
			os.Exit(1)
		}
	}()

	shutdown.Wait()
	log.Info("shutdown complete")
}

func buildRouter(cfg *config.Config, reqLog *logging.Logger, deps *routeDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(wrapMiddleware(func(next http.Handler) http.Handler {
		return middleware.LoggingMiddleware(reqLog)(next)
	}))
	router.Use(wrapMiddleware(middleware.NewRecoveryMiddleware(reqLog).Handler))
	if metrics.Enabled() {
		m := metrics.New("accountd")
		router.Use(wrapMiddleware(func(next http.Handler) http.Handler {
			return middleware.MetricsMiddleware("accountd", m)(next)
		}))
	}
	router.Use(wrapMiddleware(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}).Handler))
	router.Use(wrapMiddleware(middleware.NewSecurityHeadersMiddleware(nil).Handler))
	router.Use(wrapMiddleware(middleware.NewTimeoutMiddleware(cfg.RequestTimeout).Handler))
	router.Use(wrapMiddleware(middleware.NewBodyLimitMiddleware(16 << 10).Handler))
	router.Use(wrapMiddleware(middleware.NewValidationMiddleware(middleware.ValidationConfig{
		MaxBodySize:    16 << 10,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		ContentTypes:   []string{"application/json"},
	}).Handler))

	router.Use(func(c *gin.Context) {
		ip := clientIP(c)
		if deps.lists.IPBanned(ip) {
			writeErr(c, accounterrors.VpnBanError(ip))
			c.Abort()
			return
		}
		c.Next()
	})

	if cfg.RateLimitEnabled {
		limiter := middleware.NewRateLimiterWithWindow(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitBurst, reqLog)
		router.Use(wrapMiddleware(limiter.Handler))
	}

	// Token-issuing routes trigger outbound mail/Steam calls, so they get a
	// tighter per-IP bucket than the rest of the API.
	strict := middleware.NewRateLimiterFromConfig(middleware.StrictRateLimiterConfig(reqLog))
	registerRoutes(router, deps, wrapMiddleware(strict.Handler))
	return router
}
