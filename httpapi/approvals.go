package httpapi

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/reconflow/reconflow/approval"
	"github.com/reconflow/reconflow/rferr"
)

type resolveRequest struct {
	RespondedBy  string `json:"respondedBy,omitempty"`
	ResponseNote string `json:"responseNote,omitempty"`
	Selection    string `json:"selection,omitempty"`
}

func (s *Server) listApprovals(c echo.Context) error {
	onlyPending := c.QueryParam("status") == "pending"
	records, err := s.approvals.List(c.Request().Context(), callerIdentity(c).OrganizationID, onlyPending)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"approvals": records})
}

func (s *Server) getApproval(c echo.Context) error {
	rec, err := s.approvals.Get(c.Request().Context(), callerIdentity(c).OrganizationID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) resolveApproval(approved bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req resolveRequest
		if err := c.Bind(&req); err != nil {
			return rferr.Wrap(rferr.KindValidation, err, "decode resolution")
		}
		ident := callerIdentity(c)
		if req.RespondedBy == "" {
			req.RespondedBy = ident.Subject
		}
		rec, err := s.approvals.Resolve(c.Request().Context(), ident.OrganizationID, c.Param("id"), approval.Decision{
			Approved:     approved,
			Selection:    req.Selection,
			RespondedBy:  req.RespondedBy,
			ResponseNote: req.ResponseNote,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, rec)
	}
}

// resolveByToken serves the public email links. Unknown, expired and already
// resolved tokens are indistinguishable: all return 404.
func (s *Server) resolveByToken(role approval.TokenRole) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		token := c.Param("token")
		var (
			rec approval.Record
			err error
		)
		if role == approval.TokenApprove {
			rec, err = s.approvals.ResolveByApproveToken(ctx, token)
		} else {
			rec, err = s.approvals.ResolveByRejectToken(ctx, token)
		}
		if err != nil {
			switch rferr.KindOf(err) {
			case rferr.KindNotFound, rferr.KindConflict:
				return rferr.New(rferr.KindNotFound, "approval link is invalid or has already been used")
			}
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":  rec.Status,
			"title":   rec.Title,
			"message": "Your response has been recorded.",
		})
	}
}

// publicRateLimit bounds anonymous traffic on the approval links per client
// address.
func (s *Server) publicRateLimit() echo.MiddlewareFunc {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		lim, ok := limiters[ip]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(1), 10)
			limiters[ip] = lim
		}
		return lim
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !limiterFor(c.RealIP()).Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			return next(c)
		}
	}
}
