package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Pinger is satisfied by every store driver.
type Pinger interface {
	Ping(ctx context.Context) error
}

type poolReport struct {
	Total    int32  `json:"total"`
	Idle     int32  `json:"idle"`
	InUse    int32  `json:"in_use"`
	Max      int32  `json:"max"`
	Acquire  string `json:"acquire_time"`
}

type healthReport struct {
	Status    string      `json:"status"`
	LatencyMS int64       `json:"latency_ms"`
	Error     string      `json:"error,omitempty"`
	Pool      *poolReport `json:"pool,omitempty"`
}

func reportPool(pool *pgxpool.Pool) *poolReport {
	s := pool.Stat()
	return &poolReport{
		Total:    s.TotalConns(),
		Idle:     s.IdleConns(),
		InUse:    s.AcquiredConns(),
		Max:      s.MaxConns(),
		Acquire:  s.AcquireDuration().String(),
	}
}

// HealthHandler answers 200 when the store responds to a ping within five
// seconds and 503 otherwise. pool is nil for the embedded driver.
func HealthHandler(p Pinger, pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := p.Ping(ctx)
		r := healthReport{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
		if pool != nil {
			r.Pool = reportPool(pool)
		}
		if err != nil {
			r.Status, r.Error = "unhealthy", err.Error()
			return c.JSON(http.StatusServiceUnavailable, r)
		}
		return c.JSON(http.StatusOK, r)
	}
}
