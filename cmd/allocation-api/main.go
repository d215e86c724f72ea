package main

import (
	"context"
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

	_ "github.com/campusops/allocation-api/api/swagger"
	"github.com/campusops/allocation-api/internal/handler"
	"github.com/campusops/allocation-api/internal/middleware"
	"github.com/campusops/allocation-api/internal/repository"
	"github.com/campusops/allocation-api/internal/service"
	"github.com/campusops/allocation-api/pkg/cache"
	"github.com/campusops/allocation-api/pkg/config"
	"github.com/campusops/allocation-api/pkg/database"
	"github.com/campusops/allocation-api/pkg/logger"
	corsmiddleware "github.com/campusops/allocation-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campusops/allocation-api/pkg/middleware/requestid"
)

// @title Allocation API
// @version 1.0.0
// @description Academic resource allocation: groups, time blocks, enrollments
// @BasePath /api/v1
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
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	// Redis is optional: without it the timetable view is simply uncached.
	var redisClient *redis.Client
	if cfg.Timetable.CacheEnabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, timetable cache disabled", zap.Error(err))
		}
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Timetable.CacheTTL, logr, cfg.Timetable.CacheEnabled && redisClient != nil)

	groupRepo := repository.NewGroupRepository(db)
	timeBlockRepo := repository.NewTimeBlockRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	instructorRepo := repository.NewInstructorRepository(db)

	geometry := service.NewTimeBlockValidator(cfg.Allocation)
	timeBlockSvc := service.NewTimeBlockService(timeBlockRepo, groupRepo, geometry, cacheSvc, metricsSvc, validate, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, groupRepo, studentRepo, metricsSvc, cfg.Allocation, validate, logr)
	groupSvc := service.NewGroupService(groupRepo, courseRepo, instructorRepo, enrollmentRepo, cacheSvc, validate, logr)
	studentSvc := service.NewStudentService(studentRepo, validate, logr)
	courseSvc := service.NewCourseService(courseRepo, groupRepo, validate, logr)
	instructorSvc := service.NewInstructorService(instructorRepo, validate, logr)

	groupHandler := handler.NewGroupHandler(groupSvc, timeBlockSvc, enrollmentSvc)
	timeBlockHandler := handler.NewTimeBlockHandler(timeBlockSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	studentHandler := handler.NewStudentHandler(studentSvc)
	courseHandler := handler.NewCourseHandler(courseSvc)
	instructorHandler := handler.NewInstructorHandler(instructorSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", readiness(db, redisClient))
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		groups := api.Group("/groups")
		{
			groups.GET("", groupHandler.List)
			groups.POST("", groupHandler.Create)
			groups.GET("/:id", groupHandler.Get)
			groups.PUT("/:id", groupHandler.Update)
			groups.DELETE("/:id", groupHandler.Delete)
			groups.PUT("/:id/status", groupHandler.UpdateStatus)
			groups.GET("/:id/timetable", groupHandler.Timetable)
			if cfg.Timetable.ExportEnabled {
				groups.GET("/:id/timetable/export", groupHandler.ExportTimetable)
			}
			groups.GET("/:id/enrollments", groupHandler.Roster)
		}

		timeblocks := api.Group("/timeblocks")
		{
			timeblocks.GET("", timeBlockHandler.List)
			timeblocks.POST("", timeBlockHandler.Create)
			timeblocks.POST("/check", timeBlockHandler.Check)
			timeblocks.GET("/:id", timeBlockHandler.Get)
			timeblocks.PUT("/:id", timeBlockHandler.Update)
			timeblocks.DELETE("/:id", timeBlockHandler.Delete)
		}

		enrollments := api.Group("/enrollments")
		{
			enrollments.GET("", enrollmentHandler.List)
			enrollments.POST("", enrollmentHandler.Create)
			enrollments.GET("/:id", enrollmentHandler.Get)
			enrollments.PUT("/:id/state", enrollmentHandler.Transition)
		}

		students := api.Group("/students")
		{
			students.GET("", studentHandler.List)
			students.POST("", studentHandler.Create)
			students.GET("/:id", studentHandler.Get)
			students.PUT("/:id", studentHandler.Update)
			students.DELETE("/:id", studentHandler.Deactivate)
		}

		courses := api.Group("/courses")
		{
			courses.GET("", courseHandler.List)
			courses.POST("", courseHandler.Create)
			courses.GET("/:id", courseHandler.Get)
			courses.PUT("/:id", courseHandler.Update)
			courses.DELETE("/:id", courseHandler.Delete)
		}

		instructors := api.Group("/instructors")
		{
			instructors.GET("", instructorHandler.List)
			instructors.POST("", instructorHandler.Create)
			instructors.GET("/:id", instructorHandler.Get)
			instructors.PUT("/:id", instructorHandler.Update)
			instructors.DELETE("/:id", instructorHandler.Deactivate)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Sugar().Errorw("shutdown failed", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logr.Info("server stopped")
}

// readiness verifies the backing stores are reachable.
func readiness(db *sqlx.DB, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "cache": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
