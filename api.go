package blogapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// APIError is the JSON body of every failed API call.
type APIError struct {
	Status    int    `json:"status"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// Error codes returned in APIError.ErrorCode.
const (
	CodeInvalidData        = "INVALID_DATA"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeUnverified         = "UNVERIFIED"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeStorage            = "STORAGE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
)

func classify(err error) APIError {
	var he *echo.HTTPError
	var ve *ValidationError
	switch {
	case errors.As(err, &he):
		code := CodeInternal
		switch he.Code {
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
			code = CodeInvalidData
		case http.StatusUnauthorized:
			code = CodeUnauthorized
		case http.StatusForbidden:
			code = CodeForbidden
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			code = CodeNotFound
		case http.StatusTooManyRequests:
			code = CodeTooManyRequests
		}
		return APIError{Status: he.Code, Error: fmt.Sprint(he.Message), ErrorCode: code}
	case errors.As(err, &ve):
		return APIError{Status: http.StatusBadRequest, Error: ve.Error(), ErrorCode: CodeInvalidData}
	case errors.Is(err, ErrUnverified):
		return APIError{Status: http.StatusForbidden, Error: "unverified", ErrorCode: CodeUnverified}
	case errors.Is(err, ErrInvalidCredentials):
		return APIError{Status: http.StatusUnauthorized, Error: "invalid email or password", ErrorCode: CodeInvalidCredentials}
	case errors.Is(err, ErrUserNotFound):
		return APIError{Status: http.StatusUnauthorized, Error: "user not found", ErrorCode: CodeUserNotFound}
	case errors.Is(err, ErrInvalidToken):
		return APIError{Status: http.StatusUnauthorized, Error: "invalid or expired token", ErrorCode: CodeInvalidToken}
	case errors.Is(err, ErrAuth):
		return APIError{Status: http.StatusUnauthorized, Error: "authentication required", ErrorCode: CodeUnauthorized}
	case errors.Is(err, ErrForbidden):
		return APIError{Status: http.StatusForbidden, Error: "forbidden", ErrorCode: CodeForbidden}
	case errors.Is(err, ErrNotFound):
		return APIError{Status: http.StatusNotFound, Error: "not found", ErrorCode: CodeNotFound}
	case errors.Is(err, ErrStorageUnavailable):
		return APIError{Status: http.StatusServiceUnavailable, Error: "storage unavailable, try again", ErrorCode: CodeStorage}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return APIError{Status: http.StatusGatewayTimeout, Error: "request timed out", ErrorCode: CodeTimeout}
	}
	return APIError{Status: http.StatusInternalServerError, Error: "internal error", ErrorCode: CodeInternal}
}

func (a *App) writeAPIError(c echo.Context, err error) {
	body := classify(err)
	if body.Status >= 500 {
		c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(body.Status)
		return
	}
	_ = c.JSON(body.Status, body)
}

func (a *App) setupAPI(g *echo.Group) {
	g.Use(middleware.BodyLimit("50M"))

	g.POST("/register", a.apiRegister)
	g.POST("/login", a.apiLogin)
	g.POST("/verify", a.apiVerify)
	g.POST("/password/reset-request", a.apiPasswordResetRequest)
	g.POST("/password/reset", a.apiPasswordReset)
	g.POST("/password/change", a.apiPasswordChange, a.requireUser)

	g.GET("/me", a.apiMe, a.requireUser)
	g.GET("/me/memberships", a.apiMemberships, a.requireUser)
	g.PUT("/profile", a.apiUpdateProfile, a.requireUser)
	g.GET("/users/:id", a.apiUser)
	g.GET("/users/:id/posts", a.apiAuthored, a.optionalUser)

	g.GET("/feed", a.apiFeed, a.optionalUser)
	g.GET("/feed/live", a.apiFeedLive, a.optionalUser)
	g.GET("/saved", a.apiSaved, a.requireUser)

	g.POST("/posts", a.apiAddPost, a.requireUser)
	g.GET("/posts/:id", a.apiPost, a.optionalUser)
	g.PUT("/posts/:id", a.apiEditPost, a.requireUser)
	g.DELETE("/posts/:id", a.apiDeletePost, a.requireUser)
	g.GET("/posts/:id/comments", a.apiComments)
	g.POST("/posts/:id/comments", a.apiAddComment, a.requireUser)
	g.POST("/posts/:id/like", a.apiToggle(a.Service.ToggleLike), a.requireUser)
	g.POST("/posts/:id/save", a.apiToggle(a.Service.ToggleSave), a.requireUser)
}

const sessionKey = "session"

func (a *App) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := a.currentSession(c)
		if err != nil {
			return err
		}
		if sess.UserID == "" {
			return ErrAuth
		}
		c.Set(sessionKey, sess)
		return next(c)
	}
}

func (a *App) optionalUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := a.currentSession(c)
		if err != nil {
			return err
		}
		c.Set(sessionKey, sess)
		return next(c)
	}
}

func sessionOf(c echo.Context) Session {
	s, _ := c.Get(sessionKey).(Session)
	return s
}

// readFiles returns the uploaded files of a multipart field. Non-multipart
// requests carry no files.
func readFiles(c echo.Context, field string) ([][]byte, error) {
	if !strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return nil, nil
	}
	form, err := c.MultipartForm()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form")
	}
	var out [][]byte
	for _, fh := range form.File[field] {
		if fh.Size > maxUploadSize {
			return nil, invalid(field, "is too large (max 10MB)")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func readFile(c echo.Context, field string) ([]byte, error) {
	files, err := readFiles(c, field)
	if err != nil || len(files) == 0 {
		return nil, err
	}
	return files[0], nil
}

func bindJSON(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (a *App) apiRegister(c echo.Context) error {
	avatar, err := readFile(c, "avatar")
	if err != nil {
		return err
	}
	u, err := a.Service.Register(c.Request().Context(), Registration{
		Name:            c.FormValue("name"),
		Email:           c.FormValue("email"),
		Password:        c.FormValue("password"),
		ConfirmPassword: c.FormValue("confirmPassword"),
		Avatar:          avatar,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, u)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful API login.
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

func (a *App) apiLogin(c echo.Context) error {
	ip := c.RealIP()
	if !a.loginLimiter.Check(ip) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many login attempts, try again later")
	}
	var req credentials
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	sess, err := a.Service.Login(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			a.loginLimiter.Record(ip)
		}
		return err
	}
	a.loginLimiter.Reset(ip)
	u, err := a.Service.Profile(ctx, sess.UserID)
	if err != nil {
		return err
	}
	token, err := a.Tokens.Issue(sess)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, LoginResponse{Token: token, User: u})
}

func (a *App) apiVerify(c echo.Context) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	id, err := a.Service.VerifyEmail(c.Request().Context(), req.Token)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"userId": id})
}

func (a *App) apiPasswordResetRequest(c echo.Context) error {
	var req struct {
		Email string `json:"email"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := a.Service.SendPasswordReset(c.Request().Context(), req.Email); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type passwordChange struct {
	Token           string `json:"token"`
	OldPassword     string `json:"oldPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (a *App) apiPasswordReset(c echo.Context) error {
	var req passwordChange
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := a.Service.ResetPassword(c.Request().Context(), req.Token, req.NewPassword, req.ConfirmPassword); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) apiPasswordChange(c echo.Context) error {
	var req passwordChange
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	err := a.Service.ChangePassword(c.Request().Context(), sessionOf(c), req.OldPassword, req.NewPassword, req.ConfirmPassword)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) apiMe(c echo.Context) error {
	u, err := a.Service.Profile(c.Request().Context(), sessionOf(c).UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (a *App) apiMemberships(c echo.Context) error {
	kind := Kind(c.QueryParam("kind"))
	if kind == "" {
		kind = Like
	}
	ids, err := a.Service.Ledger.Members(c.Request().Context(), sessionOf(c).UserID, kind)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"kind": kind, "postIds": ids})
}

func (a *App) apiUser(c echo.Context) error {
	u, err := a.Service.Profile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

// ProfileResponse reports the saved profile and how far propagation got.
type ProfileResponse struct {
	User    User         `json:"user"`
	Fanout  FanoutReport `json:"fanout"`
	Pending bool         `json:"pending"`
}

func (a *App) apiUpdateProfile(c echo.Context) error {
	avatar, err := readFile(c, "avatar")
	if err != nil {
		return err
	}
	u, report, err := a.Service.UpdateProfile(c.Request().Context(), sessionOf(c), ProfileUpdate{
		Name:    c.FormValue("name"),
		DOB:     c.FormValue("dob"),
		Gender:  c.FormValue("gender"),
		Hobbies: c.FormValue("hobbies"),
		Country: c.FormValue("country"),
		Avatar:  avatar,
	})
	if _, partial := IsPartialFailure(err); partial {
		// The profile is saved; the remaining records are queued for retry.
		return c.JSON(http.StatusAccepted, ProfileResponse{User: u, Fanout: report, Pending: true})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ProfileResponse{User: u, Fanout: report})
}

func itemsOrEmpty(items []FeedItem) []FeedItem {
	if items == nil {
		return []FeedItem{}
	}
	return items
}

func (a *App) apiFeed(c echo.Context) error {
	items, err := a.Service.Feed.ListFeed(c.Request().Context(), sessionOf(c).UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, itemsOrEmpty(items))
}

func (a *App) apiAuthored(c echo.Context) error {
	items, err := a.Service.Feed.ListAuthored(c.Request().Context(), sessionOf(c).UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, itemsOrEmpty(items))
}

func (a *App) apiSaved(c echo.Context) error {
	items, err := a.Service.Feed.ListSaved(c.Request().Context(), sessionOf(c).UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, itemsOrEmpty(items))
}

func (a *App) apiAddPost(c echo.Context) error {
	images, err := readFiles(c, "images")
	if err != nil {
		return err
	}
	p, err := a.Service.AddBlog(c.Request().Context(), sessionOf(c), BlogDraft{
		Title:   c.FormValue("title"),
		Content: c.FormValue("content"),
		Images:  images,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (a *App) apiPost(c echo.Context) error {
	detail, err := a.Service.Post(c.Request().Context(), sessionOf(c).UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

func (a *App) apiEditPost(c echo.Context) error {
	images, err := readFiles(c, "images")
	if err != nil {
		return err
	}
	var keep []string
	if params, err := c.FormParams(); err == nil {
		keep = params["keepImages"]
	}
	p, err := a.Service.EditBlog(c.Request().Context(), sessionOf(c), c.Param("id"), BlogDraft{
		Title:      c.FormValue("title"),
		Content:    c.FormValue("content"),
		Images:     images,
		KeepImages: keep,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (a *App) apiDeletePost(c echo.Context) error {
	if err := a.Service.DeleteBlog(c.Request().Context(), sessionOf(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) apiComments(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := a.Store.GetPost(ctx, id); err != nil {
		return err
	}
	comments, err := a.Service.Comments(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, comments)
}

func (a *App) apiAddComment(c echo.Context) error {
	var req struct {
		Content string `json:"content"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	cm, err := a.Service.AddComment(c.Request().Context(), sessionOf(c), c.Param("id"), req.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cm)
}

type toggleFunc func(ctx context.Context, sess Session, postID string) (MembershipResult, error)

func (a *App) apiToggle(toggle toggleFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := toggle(c.Request().Context(), sessionOf(c), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	}
}
