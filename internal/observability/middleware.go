package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RequestObserver logs and meters every request. Health routes log at debug so
// scrapers do not flood the run log.
func RequestObserver(logger zerolog.Logger, quiet ...string) gin.HandlerFunc {
	quietRoutes := make(map[string]bool, len(quiet))
	for _, route := range quiet {
		quietRoutes[route] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		RecordHTTPRequest(c.Request.Method, route, status, elapsed)

		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quietRoutes[route]:
			event = logger.Debug()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("statusd.request")
	}
}
