package http

import (
	"net/http"

	"github.com/jmehdipour/ledger-bridge/internal/repository"
	echo "github.com/labstack/echo/v4"
)

func listArchiveHandler(archive repository.EventArchive) echo.HandlerFunc {
	return func(c echo.Context) error {
		if archive == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "event archive disabled"})
		}
		limit := parseLimit(c, 50)
		stream := c.Param("stream")

		evs, err := archive.Recent(c.Request().Context(), stream, limit)
		if err != nil {
			c.Logger().Errorf("clickhouse archive query failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"stream":  stream,
			"limit":   limit,
			"count":   len(evs),
			"results": evs,
		})
	}
}
