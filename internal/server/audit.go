package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"audit-service/internal/domain"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

type AuditService interface {
	Record(ctx context.Context, req domain.RecordRequest) (*domain.RecordResult, error)
	GetEntry(ctx context.Context, id string) (*domain.AuditLogEntry, error)
	Verify(ctx context.Context, r domain.TimeRange) (*domain.VerificationResult, error)
	Rotate(ctx context.Context) (*domain.RotationResult, error)
	Cleanup(ctx context.Context) (*domain.CleanupResult, error)
	Statistics(ctx context.Context) (*domain.Statistics, error)
}

type auditServer struct {
	auditService AuditService
}

func NewAuditServer(auditService AuditService) *auditServer {
	return &auditServer{
		auditService: auditService,
	}
}

func (s *auditServer) Register(g *echo.Group) {
	g.POST("/logs", s.CreateLog)
	g.GET("/logs/:id", s.GetLog)
	g.GET("/verify", s.Verify)
	g.POST("/rotate", s.Rotate)
	g.POST("/cleanup", s.Cleanup)
	g.GET("/stats", s.Stats)
}

func handleAuditError(err error) (int, string) {
	var rotErr *domain.RotationError
	switch {
	case errors.Is(err, domain.ErrEntryNotFound):
		return http.StatusNotFound, "audit log entry not found"
	case errors.Is(err, domain.ErrInvalidAction), errors.Is(err, domain.ErrInvalidEncoding), errors.Is(err, domain.ErrInvalidID), errors.Is(err, domain.ErrInvalidTimeRange):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrRotationInProgress):
		return http.StatusConflict, err.Error()
	case errors.As(err, &rotErr):
		return http.StatusInternalServerError, fmt.Sprintf("rotation failed at %s stage", rotErr.Stage)
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *auditServer) CreateLog(c echo.Context) error {
	var req domain.RecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	if req.IPAddress == nil {
		ip := c.RealIP()
		req.IPAddress = &ip
	}
	if req.UserAgent == nil {
		if ua := c.Request().UserAgent(); ua != "" {
			req.UserAgent = &ua
		}
	}

	result, err := s.auditService.Record(c.Request().Context(), req)
	if err != nil {
		statusCode, errorMsg := handleAuditError(err)
		if statusCode >= http.StatusInternalServerError {
			log.WithError(err).WithField("action", req.Action).Error("Failed to record audit log")
		}
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	if !result.Signed() {
		return c.JSON(http.StatusAccepted, result)
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *auditServer) GetLog(c echo.Context) error {
	id := c.Param("id")

	entry, err := s.auditService.GetEntry(c.Request().Context(), id)
	if err != nil {
		statusCode, errorMsg := handleAuditError(err)
		if statusCode >= http.StatusInternalServerError {
			log.WithError(err).WithField("entry_id", id).Error("Failed to get audit log")
		}
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.JSON(http.StatusOK, entry)
}

func (s *auditServer) Verify(c echo.Context) error {
	var r domain.TimeRange
	for param, dst := range map[string]**time.Time{"start": &r.Start, "end": &r.End} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("%s must be an RFC3339 timestamp", param),
			})
		}
		*dst = &t
	}

	result, err := s.auditService.Verify(c.Request().Context(), r)
	if err != nil {
		statusCode, errorMsg := handleAuditError(err)
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.JSON(http.StatusOK, result)
}

func (s *auditServer) Rotate(c echo.Context) error {
	result, err := s.auditService.Rotate(c.Request().Context())
	if err != nil {
		statusCode, errorMsg := handleAuditError(err)
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.JSON(http.StatusOK, result)
}

func (s *auditServer) Cleanup(c echo.Context) error {
	result, err := s.auditService.Cleanup(c.Request().Context())
	if err != nil {
		log.WithError(err).Error("Failed to clean up audit archives")
		statusCode, errorMsg := handleAuditError(err)
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.JSON(http.StatusOK, result)
}

func (s *auditServer) Stats(c echo.Context) error {
	stats, err := s.auditService.Statistics(c.Request().Context())
	if err != nil {
		statusCode, errorMsg := handleAuditError(err)
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.JSON(http.StatusOK, stats)
}
