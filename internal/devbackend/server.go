// Package devbackend implements the course marketplace REST boundary in
// memory for local development and integration tests.
package devbackend

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/backend"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Run serves the development backend until ctx is cancelled.
func Run(ctx context.Context, cfg Config, catalog *Catalog, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           NewRouter(cfg, catalog, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devbackend listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires the REST routes over catalog.
func NewRouter(cfg Config, catalog *Catalog, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{catalog: catalog, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", backend.IdempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	courses := router.Group("/courses")
	courses.Use(bearerMiddleware(cfg), handler.injectFailures)
	courses.GET("", handler.handleListActive)
	courses.GET("/all", requireAuth, handler.handleListAll)
	courses.GET("/student/enrolled", requireAuth, handler.handleEnrolled)
	courses.GET("/:id", handler.handleGet)
	courses.POST("", requireAuth, handler.handleCreate)
	courses.PUT("/:id", requireAuth, handler.handleUpdate)
	courses.DELETE("/:id", requireAuth, handler.handleDelete)
	courses.POST("/:id/enroll", requireAuth, handler.handleEnroll)

	return router
}

type httpHandler struct {
	catalog *Catalog
	logger  *zap.Logger
}

func (handler *httpHandler) injectFailures(ctx *gin.Context) {
	route := ctx.Request.Method + " " + ctx.FullPath()
	failure, ok := handler.catalog.takeFailure(route)
	if !ok {
		ctx.Next()
		return
	}
	handler.logger.Debug("injected failure", zap.String("route", route), zap.Int("status", failure.Status))
	ctx.AbortWithStatusJSON(failure.Status, errorResponse("injected", failure.Message))
}

func (handler *httpHandler) handleListActive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"courses": handler.catalog.List(true)})
}

func (handler *httpHandler) handleListAll(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"courses": handler.catalog.List(false)})
}

func (handler *httpHandler) handleEnrolled(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, handler.catalog.Enrolled(getClaims(ctx).Subject))
}

func (handler *httpHandler) handleGet(ctx *gin.Context) {
	record, err := handler.catalog.Get(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"course": record})
}

func (handler *httpHandler) handleCreate(ctx *gin.Context) {
	var input backend.CourseInput
	if err := ctx.ShouldBindJSON(&input); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	record, err := handler.catalog.Create(getClaims(ctx).Subject, input)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"course": record})
}

func (handler *httpHandler) handleUpdate(ctx *gin.Context) {
	var input backend.CourseInput
	if err := ctx.ShouldBindJSON(&input); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	record, err := handler.catalog.Update(getClaims(ctx).Subject, ctx.Param("id"), input)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"course": record})
}

func (handler *httpHandler) handleDelete(ctx *gin.Context) {
	if err := handler.catalog.Delete(getClaims(ctx).Subject, ctx.Param("id")); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleEnroll(ctx *gin.Context) {
	var request backend.EnrollRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
			return
		}
	}
	claims := getClaims(ctx)
	response, err := handler.catalog.Enroll(claims.Subject, ctx.Param("id"), request, ctx.GetHeader(backend.IdempotencyKeyHeader))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.logger.Info("student enrolled",
		zap.String("course_id", response.Enrollment.CourseID),
		zap.String("student_id", response.Enrollment.StudentID),
		zap.String("payment_reference", response.Enrollment.PaymentReference),
	)
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, errCourseNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, errNotInstructor):
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", err.Error()))
	case errors.Is(err, errAlreadyEnrolled):
		ctx.JSON(http.StatusBadRequest, errorResponse("already_enrolled", err.Error()))
	case errors.Is(err, errNotOpen), errors.Is(err, errPaymentRequired), errors.Is(err, errInvalidCourseSet), errors.Is(err, marketplace.ErrValidation):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error("devbackend request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"code":    code,
		"message": message,
	}
}
