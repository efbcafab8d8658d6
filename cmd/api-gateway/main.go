package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/lms-enrollment-api/api/swagger"
	"github.com/noah-isme/lms-enrollment-api/internal/handler"
	"github.com/noah-isme/lms-enrollment-api/internal/middleware"
	"github.com/noah-isme/lms-enrollment-api/internal/repository"
	"github.com/noah-isme/lms-enrollment-api/internal/service"
	"github.com/noah-isme/lms-enrollment-api/pkg/cache"
	"github.com/noah-isme/lms-enrollment-api/pkg/config"
	"github.com/noah-isme/lms-enrollment-api/pkg/database"
	"github.com/noah-isme/lms-enrollment-api/pkg/export"
	"github.com/noah-isme/lms-enrollment-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lms-enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lms-enrollment-api/pkg/middleware/requestid"
	"github.com/noah-isme/lms-enrollment-api/pkg/notify"
	"github.com/noah-isme/lms-enrollment-api/pkg/storage"
)

// @title LMS Enrollment API
// @version 1.0.0
// @description Course enrollment lifecycle, onboarding agreements and progress reporting
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()

	db, err := database.NewPostgres(startCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(startCtx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, catalog cache disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	handlers, authService, err := buildHandlers(cfg, db, redisClient, logr)
	if err != nil {
		return err
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(handlers.Metrics.Service(), "/metrics", "/health", "/ready"))

	handler.RegisterRoutes(r, cfg.APIPrefix, authService, handlers)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		serverErrors <- srv.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case sig := <-signals:
		logr.Info("shutdown requested", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logr.Info("server stopped")
	return nil
}

func buildHandlers(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, logr *zap.Logger) (handler.Handlers, *service.AuthService, error) {
	metrics := service.NewMetricsService()
	calendar := service.NewCalendar(nil, cfg.Enrollment.Location)
	validate := validator.New()

	tx := repository.NewTxManager(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	onboardingRepo := repository.NewOnboardingRepository(db)
	progressRepo := repository.NewProgressRepository(db)
	reportRepo := repository.NewAdminReportRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	courseCache := repository.NewCacheRepository(redisClient, "lms", logr)

	documents, err := storage.NewLocalStorage(cfg.Documents.StorageDir)
	if err != nil {
		return handler.Handlers{}, nil, fmt.Errorf("init document storage: %w", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Documents.SignedURLSecret, cfg.Documents.SignedURLTTL)

	var notifier notify.Notifier = notify.NewLogNotifier(logr)
	if cfg.Notify.Provider == config.NotifyProviderSendgrid {
		notifier = notify.NewSendgridNotifier(cfg.Notify.SendgridAPIKey, cfg.Notify.FromName, cfg.Notify.FromEmail)
	}

	catalog := service.NewCourseCatalogService(repository.NewCourseRepository(db), courseCache, cfg.Catalog.CacheTTL, metrics, logr)
	audit := service.NewAuditService(auditRepo, logr)
	dispatcher := service.NewNotificationDispatcher(notifier, studentRepo, metrics, logr)

	store := service.NewEnrollmentStore(enrollmentRepo, catalog, calendar, logr)
	cascade := service.NewSemesterCascadeEngine(enrollmentRepo, catalog, calendar, logr)
	progress := service.NewProgressSyncService(tx, enrollmentRepo, progressRepo, reportRepo, catalog, calendar, metrics, logr)
	renewals := service.NewReEnrollmentService(tx, onboardingRepo, studentRepo, enrollmentRepo, catalog, audit, dispatcher,
		cfg.Enrollment.RenewalAfterMonths, calendar, metrics, logr)
	coordinator := service.NewBulkAssignmentCoordinator(enrollmentRepo, catalog, store, cascade, renewals, progress, metrics, logr)
	enrollments := service.NewEnrollmentService(service.EnrollmentServiceParams{
		Tx:          tx,
		Enrollments: enrollmentRepo,
		Students:    studentRepo,
		Catalog:     catalog,
		Store:       store,
		Cascade:     cascade,
		Coordinator: coordinator,
		Renewals:    renewals,
		Progress:    progress,
		Audit:       audit,
		Dispatcher:  dispatcher,
		Validator:   validate,
		Calendar:    calendar,
		Metrics:     metrics,
		Logger:      logr,
	})
	onboarding := service.NewOnboardingService(tx, onboardingRepo, studentRepo, renewals,
		export.NewAgreementRenderer("Learner Enrollment Agreement"), documents, signer,
		audit, dispatcher, validate, calendar, logr)

	authService := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
	})

	return handler.Handlers{
		Enrollments: handler.NewEnrollmentHandler(enrollments, progress),
		Onboarding:  handler.NewOnboardingHandler(onboarding, renewals),
		Metrics:     handler.NewMetricsHandler(metrics, db),
	}, authService, nil
}
