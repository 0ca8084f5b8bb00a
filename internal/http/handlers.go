package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/ledger-bridge/internal/failure"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	echo "github.com/labstack/echo/v4"
)

func parseLimit(c echo.Context, def int) int {
	limit := def
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return limit
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// fail maps store and service errors onto status codes.
func fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, repository.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, failure.ErrConcurrencyConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": "concurrent modification, retry"})
	case failure.IsPermanent(err):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}
	c.Logger().Errorf("%s %s failed: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
}

func getCommandHandler(commands repository.CommandRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		cmd, err := commands.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, cmd)
	}
}

func listCommandsHandler(commands repository.CommandRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := strings.ToUpper(strings.TrimSpace(c.QueryParam("status")))
		if raw == "" {
			raw = model.CommandPending.String()
		}
		st := model.CommandStatus(raw)
		if !st.Valid() {
			return badRequest(c, "unknown status "+strconv.Quote(raw))
		}
		limit := parseLimit(c, 50)

		cmds, err := commands.ListByStatus(c.Request().Context(), st, limit)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":  st,
			"limit":   limit,
			"count":   len(cmds),
			"results": cmds,
		})
	}
}

func getCheckpointHandler(checkpoints repository.CheckpointRepository, reads repository.ReadModelRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		stream := c.Param("stream")
		cp, err := checkpoints.Load(ctx, stream)
		if err != nil {
			return fail(c, err)
		}
		applied, err := reads.CountApplied(ctx, stream)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"checkpoint":     cp,
			"genesis":        cp.IsGenesis(),
			"applied_events": applied,
		})
	}
}

func listWalletsHandler(reads repository.ReadModelRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := parseLimit(c, 100)
		ws, err := reads.ListWallets(c.Request().Context(), limit)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"limit": limit, "count": len(ws), "results": ws})
	}
}

func getWalletHandler(reads repository.ReadModelRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		w, err := reads.GetWallet(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, w)
	}
}

func listTransfersHandler(reads repository.ReadModelRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := parseLimit(c, 100)
		ts, err := reads.ListTransfers(c.Request().Context(), c.Param("id"), limit)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"limit": limit, "count": len(ts), "results": ts})
	}
}

func getProfileHandler(reads repository.ReadModelRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := reads.GetProfile(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, p)
	}
}
