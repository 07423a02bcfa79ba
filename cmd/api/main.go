package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/tutorhub/enrollment-api/api/swagger"
	"github.com/tutorhub/enrollment-api/internal/handler"
	"github.com/tutorhub/enrollment-api/internal/middleware"
	"github.com/tutorhub/enrollment-api/internal/repository"
	"github.com/tutorhub/enrollment-api/internal/service"
	"github.com/tutorhub/enrollment-api/pkg/cache"
	"github.com/tutorhub/enrollment-api/pkg/config"
	"github.com/tutorhub/enrollment-api/pkg/database"
	"github.com/tutorhub/enrollment-api/pkg/logger"
	corsmiddleware "github.com/tutorhub/enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/tutorhub/enrollment-api/pkg/middleware/requestid"
)

// @title Academy Enrollment API
// @version 1.0.0
// @description Admission, waiting-list and session reservation service for capacity-limited course groups
// @BasePath /
// @schemes http

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, group cache disabled", "error", err)
		redisClient = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := service.NewMetricsService()
	events := service.NewEventsService(cfg.Events, logr)
	events.Start(ctx)
	defer events.Stop()

	validate := validator.New()

	txRunner := repository.NewTxRunner(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	groupRepo := repository.NewGroupRepository(db, cacheRepo, cfg.Capacity.GroupCacheTTL, logr)
	sessionRepo := repository.NewSessionRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	reservationRepo := repository.NewReservationRepository(db)

	reservationSvc := service.NewReservationService(txRunner, reservationRepo, sessionRepo, enrollmentRepo, groupRepo, cfg.Capacity.SessionInPersonSeats, validate, metrics, logr)
	admissionSvc := service.NewAdmissionService(txRunner, enrollmentRepo, groupRepo, reservationSvc, events, validate, metrics, logr)
	waitlistSvc := service.NewWaitlistService(txRunner, enrollmentRepo, groupRepo, reservationSvc, events, metrics, logr)
	enrollmentSvc := service.NewEnrollmentService(txRunner, enrollmentRepo, reservationRepo, waitlistSvc, groupRepo, reservationSvc, events, validate, metrics, logr)

	enrollmentHandler := handler.NewEnrollmentHandler(admissionSvc, enrollmentSvc, waitlistSvc)
	reservationHandler := handler.NewReservationHandler(reservationSvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		api.GET("/enrollments", enrollmentHandler.List)
		api.POST("/enrollments", enrollmentHandler.Create)
		api.GET("/enrollments/:id", enrollmentHandler.Get)
		api.DELETE("/enrollments/:id", enrollmentHandler.Delete)
		api.PUT("/enrollments/:id/group", enrollmentHandler.ChangeGroup)
		api.POST("/enrollments/:id/reservations", reservationHandler.Generate)
		api.GET("/groups/:id/waitlist", enrollmentHandler.Waitlist)
		api.POST("/groups/:id/waitlist/promote", enrollmentHandler.Promote)
		api.GET("/reservations", reservationHandler.List)
		api.PUT("/reservations/:id/session", reservationHandler.Switch)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logr.Sugar().Errorw("server shutdown failed", "error", err)
		}
	}()

	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
