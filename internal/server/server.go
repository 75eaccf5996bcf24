package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const healthTimeout = 2 * time.Second

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	db Pinger
}

func NewServer(db Pinger) *Server {
	return &Server{db: db}
}

func (s *Server) HealthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		log.WithError(err).Error("Health check failed: database is down")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "database connection error",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
