package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/deadletter"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	echo "github.com/labstack/echo/v4"
)

// parseFilter reads ?source=&unresolved=&from=&to=&limit=. Times are RFC 3339.
func parseFilter(c echo.Context) (model.DeadLetterFilter, error) {
	f := model.DeadLetterFilter{Limit: parseLimit(c, 100)}
	if raw := strings.ToUpper(strings.TrimSpace(c.QueryParam("source"))); raw != "" {
		f.SourceType = model.SourceType(raw)
		if !f.SourceType.Valid() {
			return f, errBadParam("source", raw)
		}
	}
	if raw := c.QueryParam("unresolved"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return f, errBadParam("unresolved", raw)
		}
		f.UnresolvedOnly = b
	}
	for name, dst := range map[string]*time.Time{"from": &f.FailedFrom, "to": &f.FailedTo} {
		if raw := c.QueryParam(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, errBadParam(name, raw)
			}
			*dst = t
		}
	}
	return f, nil
}

type badParamError struct{ name, value string }

func (e badParamError) Error() string { return "invalid " + e.name + " " + strconv.Quote(e.value) }

func errBadParam(name, value string) error { return badParamError{name: name, value: value} }

func listDeadLettersHandler(svc *deadletter.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		f, err := parseFilter(c)
		if err != nil {
			return badRequest(c, err.Error())
		}
		entries, err := svc.List(c.Request().Context(), f)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"count":   len(entries),
			"results": entries,
		})
	}
}

func getDeadLetterHandler(svc *deadletter.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		e, err := svc.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, e)
	}
}

func replayDeadLetterHandler(svc *deadletter.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		e, err := svc.Replay(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, e)
	}
}

func discardDeadLetterHandler(svc *deadletter.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		e, err := svc.Discard(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, e)
	}
}
