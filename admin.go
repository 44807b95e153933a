package blogapp

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/Haryuya11/BlogApp/views"
)

func (a *App) handleAdmin(c echo.Context) error {
	if !IsAdmin(c) {
		return Render(c, views.AdminLogin(a.site(), false, CsrfToken(c)))
	}
	return a.renderAdminDashboard(c, c.QueryParam("msg"))
}

func (a *App) handleAdminLogin(c echo.Context) error {
	if !a.loginLimiter.Allow(c.RealIP()) {
		return c.String(http.StatusTooManyRequests, "Too many login attempts. Try again later.")
	}
	pass := c.FormValue("password")
	if subtle.ConstantTimeCompare([]byte(pass), []byte(a.Config.AdminPassword)) == 1 {
		if err := setAdminSession(c); err != nil {
			return err
		}
		return c.Redirect(http.StatusSeeOther, "/admin/")
	}
	return Render(c, views.AdminLogin(a.site(), true, CsrfToken(c)))
}

func handleAdminLogout(c echo.Context) error {
	if err := clearAdminSession(c); err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/admin/")
}

func (a *App) handleAdminReconcile(c echo.Context) error {
	if !IsAdmin(c) {
		return c.Redirect(http.StatusSeeOther, "/admin/")
	}
	fixed, err := a.Service.Ledger.ReconcileAll(c.Request().Context())
	if err != nil {
		return err
	}
	for _, f := range fixed {
		c.Logger().Infof("reconciled %s %s: %d -> %d", f.PostID, f.Kind, f.Was, f.Now)
	}
	return adminRedirect(c, fmt.Sprintf("Reconciled counters: %d corrected.", len(fixed)))
}

func (a *App) handleAdminRetry(c echo.Context) error {
	if !IsAdmin(c) {
		return c.Redirect(http.StatusSeeOther, "/admin/")
	}
	n, err := a.Service.Propagator.RetryPending(c.Request().Context())
	if err != nil {
		c.Logger().Warnf("retry fan-outs: %v", err)
		return adminRedirect(c, fmt.Sprintf("Retried %d fan-outs, some are still pending.", n))
	}
	return adminRedirect(c, fmt.Sprintf("Retried %d fan-outs.", n))
}

func adminRedirect(c echo.Context, msg string) error {
	return c.Redirect(http.StatusSeeOther, "/admin/?msg="+url.QueryEscape(msg))
}

func (a *App) renderAdminDashboard(c echo.Context, msg string) error {
	recs, err := a.Store.Backend().PendingFanouts(c.Request().Context())
	if err != nil {
		return err
	}
	pending := make([]views.PendingFanout, 0, len(recs))
	for _, r := range recs {
		pending = append(pending, views.PendingFanout{
			UserID:    r.UserID,
			Failed:    r.Failed,
			UpdatedAt: FormatTimestamp(r.UpdatedAt),
		})
	}
	return Render(c, views.AdminDashboard(a.site(), pending, msg, CsrfToken(c)))
}
