package blogapp

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Haryuya11/BlogApp/views"
)

// viewer returns the signed-in user for page rendering, or nil.
func (a *App) viewer(c echo.Context) (Session, *views.Viewer) {
	sess, err := a.currentSession(c)
	if err != nil || sess.UserID == "" {
		return Session{}, nil
	}
	u, err := a.Store.GetUser(c.Request().Context(), sess.UserID)
	if err != nil {
		return Session{}, nil
	}
	return sess, &views.Viewer{ID: u.ID, Name: u.Name, CSRF: CsrfToken(c)}
}

func (a *App) handleHome(c echo.Context) error {
	sess, viewer := a.viewer(c)
	items, err := a.Service.Feed.ListFeed(c.Request().Context(), sess.UserID)
	if err != nil {
		return err
	}
	return Render(c, views.Home(a.site(), viewer, toCards(items)))
}

func (a *App) handlePost(c echo.Context) error {
	sess, viewer := a.viewer(c)
	detail, err := a.Service.Post(c.Request().Context(), sess.UserID, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RenderStatus(c, http.StatusNotFound, views.NotFound(a.site()))
		}
		return err
	}
	return Render(c, views.Post(a.site(), viewer, toCard(detail.FeedItem), toCommentViews(detail.Comments), CsrfToken(c)))
}

func (a *App) handleLoginPage(c echo.Context) error {
	return Render(c, views.Login(a.site(), "", CsrfToken(c)))
}

func (a *App) handleLogin(c echo.Context) error {
	ip := c.RealIP()
	if !a.loginLimiter.Check(ip) {
		return RenderStatus(c, http.StatusTooManyRequests, views.Login(a.site(), "Too many login attempts. Try again later.", CsrfToken(c)))
	}
	sess, err := a.Service.Login(c.Request().Context(), c.FormValue("email"), c.FormValue("password"))
	if err != nil {
		a.loginLimiter.Record(ip)
		return RenderStatus(c, http.StatusUnauthorized, views.Login(a.site(), loginMessage(err), CsrfToken(c)))
	}
	a.loginLimiter.Reset(ip)
	if err := setUserSession(c, sess); err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func loginMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnverified):
		return "Please verify your email before logging in."
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrAuth):
		return "Invalid email or password."
	}
	return "Login failed. Try again later."
}

func handleLogout(c echo.Context) error {
	if err := clearUserSession(c); err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (a *App) handleVerifyPage(c echo.Context) error {
	if _, err := a.Service.VerifyEmail(c.Request().Context(), c.QueryParam("token")); err != nil {
		return RenderStatus(c, http.StatusBadRequest, views.Message(a.site(), "Verification failed", "This link is invalid or has expired."))
	}
	return Render(c, views.Message(a.site(), "Email verified", "Your account is ready. You can log in now."))
}

func (a *App) pageSession(c echo.Context) (Session, bool) {
	sess, err := a.currentSession(c)
	if err != nil || sess.UserID == "" {
		return Session{}, false
	}
	return sess, true
}

func (a *App) handleWebToggle(toggle toggleFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, ok := a.pageSession(c)
		if !ok {
			return c.Redirect(http.StatusSeeOther, "/login/")
		}
		id := c.Param("id")
		if _, err := toggle(c.Request().Context(), sess, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return RenderStatus(c, http.StatusNotFound, views.NotFound(a.site()))
			}
			return err
		}
		return c.Redirect(http.StatusSeeOther, "/post/"+views.PathEscape(id)+"/")
	}
}

func (a *App) handleWebComment(c echo.Context) error {
	sess, ok := a.pageSession(c)
	if !ok {
		return c.Redirect(http.StatusSeeOther, "/login/")
	}
	id := c.Param("id")
	if _, err := a.Service.AddComment(c.Request().Context(), sess, id, c.FormValue("content")); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return RenderStatus(c, http.StatusNotFound, views.NotFound(a.site()))
		case errors.Is(err, ErrValidation):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/post/"+views.PathEscape(id)+"/")
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if strings.HasPrefix(c.Request().URL.Path, "/api/") {
		a.writeAPIError(c, err)
		return
	}
	he, ok := err.(*echo.HTTPError)
	if ok && he.Code == http.StatusNotFound {
		_ = RenderStatus(c, http.StatusNotFound, views.NotFound(a.site()))
		return
	}
	code := http.StatusInternalServerError
	if ok {
		code = he.Code
	}
	if code >= 500 {
		c.Logger().Errorf("server error: %v", err)
		_ = RenderStatus(c, code, views.ServerError(a.site()))
		return
	}
	a.Echo.DefaultHTTPErrorHandler(err, c)
}
