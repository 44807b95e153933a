package blogapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

const testAdminPassword = "admin-pass"

type testApp struct {
	*App
	mailer  *recordingMailer
	cookies map[string]*http.Cookie
}

func setupTestApp(t *testing.T) (*testApp, func()) {
	t.Helper()
	dir := t.TempDir()
	mailer := &recordingMailer{}
	id, err := NewLocalIdentity(filepath.Join(dir, "identity.db"), mailer, "http://blog.test")
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	id.cost = bcrypt.MinCost

	a := New(Config{
		URL:                  "http://blog.test",
		DatabasePath:         filepath.Join(dir, "blog.db"),
		IdentityDatabasePath: filepath.Join(dir, "unused.db"),
		BlobDir:              filepath.Join(dir, "blobs"),
		JWTSecret:            "jwt-secret",
		SessionSecret:        "session-secret-session-secret-32",
		AdminPassword:        testAdminPassword,
	}, WithIdentity(id))
	a.Echo.Logger.SetOutput(io.Discard)
	if err := a.Init(); err != nil {
		id.Close()
		t.Fatalf("failed to init app: %v", err)
	}
	ta := &testApp{App: a, mailer: mailer, cookies: map[string]*http.Cookie{}}
	return ta, func() {
		a.Close()
		id.Close()
	}
}

// do serves one request and keeps the cookies it sets, like a browser.
func (ta *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	for _, c := range ta.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	ta.Echo.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(ta.cookies, c.Name)
			continue
		}
		ta.cookies[c.Name] = c
	}
	return rec
}

func (ta *testApp) form(method, path, token string, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(values.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	return ta.do(req)
}

func (ta *testApp) json(method, path, token, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	return ta.do(req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}

// registerAndLogin walks the API sign-up flow and returns a bearer token.
func registerAndLogin(t *testing.T, ta *testApp, name, email string) (string, User) {
	t.Helper()
	rec := ta.form(http.MethodPost, "/api/register", "", url.Values{
		"name":            {name},
		"email":           {email},
		"password":        {"secret1"},
		"confirmPassword": {"secret1"},
	})
	assertStatus(t, rec, http.StatusCreated)

	rec = ta.json(http.MethodPost, "/api/verify", "", `{"token":"`+ta.mailer.lastToken(t)+`"}`)
	assertStatus(t, rec, http.StatusOK)

	rec = ta.json(http.MethodPost, "/api/login", "", `{"email":"`+email+`","password":"secret1"}`)
	assertStatus(t, rec, http.StatusOK)
	var resp LoginResponse
	decode(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("login returned no token")
	}
	return resp.Token, resp.User
}

func TestAPIPostLikeFeed(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	token, user := registerAndLogin(t, ta, "Ann", "ann@example.com")
	if user.Name != "Ann" {
		t.Errorf("user.Name = %q, want %q", user.Name, "Ann")
	}

	rec := ta.form(http.MethodPost, "/api/posts", token, url.Values{"title": {"Hello"}, "content": {"First post"}})
	assertStatus(t, rec, http.StatusCreated)
	var post Post
	decode(t, rec, &post)
	if post.UserName != "Ann" || post.UserID != user.ID {
		t.Errorf("post author = (%q, %q), want (%q, %q)", post.UserID, post.UserName, user.ID, "Ann")
	}

	rec = ta.json(http.MethodPost, "/api/posts/"+post.ID+"/like", token, "")
	assertStatus(t, rec, http.StatusOK)
	var res MembershipResult
	decode(t, rec, &res)
	if !res.Active || res.Count != 1 {
		t.Errorf("like = %+v, want active with count 1", res)
	}

	rec = ta.json(http.MethodGet, "/api/feed", token, "")
	assertStatus(t, rec, http.StatusOK)
	var items []FeedItem
	decode(t, rec, &items)
	if len(items) != 1 {
		t.Fatalf("len(feed) = %d, want 1", len(items))
	}
	if !items[0].ViewerLiked || items[0].LikeCount != 1 {
		t.Errorf("feed item liked = %v count %d, want true 1", items[0].ViewerLiked, items[0].LikeCount)
	}

	rec = ta.json(http.MethodPost, "/api/posts/"+post.ID+"/comments", token, `{"content":"nice"}`)
	assertStatus(t, rec, http.StatusCreated)
	rec = ta.json(http.MethodGet, "/api/posts/"+post.ID+"/comments", "", "")
	assertStatus(t, rec, http.StatusOK)
	var comments []Comment
	decode(t, rec, &comments)
	if len(comments) != 1 || comments[0].UserName != "Ann" {
		t.Errorf("comments = %+v, want one by Ann", comments)
	}

	// Anonymous readers see the count but not a viewer flag.
	rec = ta.json(http.MethodGet, "/api/posts/"+post.ID, "", "")
	assertStatus(t, rec, http.StatusOK)
	var detail PostDetail
	decode(t, rec, &detail)
	if detail.ViewerLiked || detail.LikeCount != 1 {
		t.Errorf("anonymous detail liked = %v count %d, want false 1", detail.ViewerLiked, detail.LikeCount)
	}
}

func TestAPIProfilePropagates(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	token, _ := registerAndLogin(t, ta, "Ann", "ann@example.com")
	rec := ta.form(http.MethodPost, "/api/posts", token, url.Values{"title": {"Hello"}, "content": {"body"}})
	assertStatus(t, rec, http.StatusCreated)
	var post Post
	decode(t, rec, &post)
	ta.json(http.MethodPost, "/api/posts/"+post.ID+"/comments", token, `{"content":"self"}`)

	rec = ta.form(http.MethodPut, "/api/profile", token, url.Values{"name": {"Annie"}})
	assertStatus(t, rec, http.StatusOK)
	var resp ProfileResponse
	decode(t, rec, &resp)
	if resp.Pending || resp.Fanout.PostsUpdated != 1 || resp.Fanout.CommentsUpdated != 1 {
		t.Errorf("fanout = %+v pending %v, want 1 post 1 comment", resp.Fanout, resp.Pending)
	}

	rec = ta.json(http.MethodGet, "/api/posts/"+post.ID, "", "")
	var detail PostDetail
	decode(t, rec, &detail)
	if detail.UserName != "Annie" {
		t.Errorf("post UserName = %q, want %q", detail.UserName, "Annie")
	}
	if len(detail.Comments) != 1 || detail.Comments[0].UserName != "Annie" {
		t.Errorf("comments = %+v, want one by Annie", detail.Comments)
	}
}

func TestAPIErrors(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	token, _ := registerAndLogin(t, ta, "Ann", "ann@example.com")
	ta.form(http.MethodPost, "/api/register", "", url.Values{
		"name":            {"Bob"},
		"email":           {"bob@example.com"},
		"password":        {"secret1"},
		"confirmPassword": {"secret1"},
	})

	tests := []struct {
		name   string
		rec    func() *httptest.ResponseRecorder
		status int
		code   string
	}{
		{"no session", func() *httptest.ResponseRecorder {
			return ta.json(http.MethodGet, "/api/me", "", "")
		}, http.StatusUnauthorized, CodeUnauthorized},
		{"bad token", func() *httptest.ResponseRecorder {
			return ta.json(http.MethodGet, "/api/me", "garbage", "")
		}, http.StatusUnauthorized, CodeInvalidToken},
		{"missing post", func() *httptest.ResponseRecorder {
			return ta.json(http.MethodGet, "/api/posts/nope", "", "")
		}, http.StatusNotFound, CodeNotFound},
		{"like missing post", func() *httptest.ResponseRecorder {
			return ta.json(http.MethodPost, "/api/posts/nope/like", token, "")
		}, http.StatusNotFound, CodeNotFound},
		{"empty title", func() *httptest.ResponseRecorder {
			return ta.form(http.MethodPost, "/api/posts", token, url.Values{"content": {"body"}})
		}, http.StatusBadRequest, CodeInvalidData},
		{"wrong password", func() *httptest.ResponseRecorder {
			return ta.json(http.MethodPost, "/api/login", "", `{"email":"ann@example.com","password":"wrong!!"}`)
		}, http.StatusUnauthorized, CodeInvalidCredentials},
		{"unverified", func() *httptest.ResponseRecorder {
			return ta.json(http.MethodPost, "/api/login", "", `{"email":"bob@example.com","password":"secret1"}`)
		}, http.StatusForbidden, CodeUnverified},
		{"cookie write without csrf", func() *httptest.ResponseRecorder {
			return ta.form(http.MethodPost, "/api/posts", "", url.Values{"title": {"t"}, "content": {"c"}})
		}, http.StatusForbidden, CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec()
			assertStatus(t, rec, tt.status)
			var body APIError
			decode(t, rec, &body)
			if body.Status != tt.status {
				t.Errorf("body.Status = %d, want %d", body.Status, tt.status)
			}
			if body.ErrorCode != tt.code {
				t.Errorf("body.ErrorCode = %q, want %q", body.ErrorCode, tt.code)
			}
		})
	}
}

func TestAPIDeleteOnlyOwnPost(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	ann, _ := registerAndLogin(t, ta, "Ann", "ann@example.com")
	bob, _ := registerAndLogin(t, ta, "Bob", "bob@example.com")

	rec := ta.form(http.MethodPost, "/api/posts", ann, url.Values{"title": {"Hello"}, "content": {"body"}})
	var post Post
	decode(t, rec, &post)

	rec = ta.json(http.MethodDelete, "/api/posts/"+post.ID, bob, "")
	assertStatus(t, rec, http.StatusForbidden)

	rec = ta.json(http.MethodDelete, "/api/posts/"+post.ID, ann, "")
	assertStatus(t, rec, http.StatusNoContent)

	rec = ta.json(http.MethodGet, "/api/posts/"+post.ID, "", "")
	assertStatus(t, rec, http.StatusNotFound)
}

func TestPublicPages(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	token, _ := registerAndLogin(t, ta, "Ann", "ann@example.com")
	rec := ta.form(http.MethodPost, "/api/posts", token, url.Values{"title": {"Tea & Toast"}, "content": {"Breakfast notes"}})
	var post Post
	decode(t, rec, &post)

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/", http.StatusOK, "Tea &amp; Toast"},
		{"/post/" + post.ID + "/", http.StatusOK, "Breakfast notes"},
		{"/post/missing/", http.StatusNotFound, "Not found"},
		{"/feed.xml", http.StatusOK, "<title>Tea &amp; Toast</title>"},
		{"/sitemap.xml", http.StatusOK, "/post/" + post.ID},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := ta.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			assertStatus(t, rec, tt.status)
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body of %s does not contain %q", tt.path, tt.want)
			}
		})
	}
}

var csrfField = regexp.MustCompile(`name="_csrf" value="([^"]+)"`)

func csrfFrom(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	m := csrfField.FindStringSubmatch(rec.Body.String())
	if m == nil {
		t.Fatalf("no csrf field in %q", rec.Body.String())
	}
	return m[1]
}

func TestWebLoginAndLike(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	token, _ := registerAndLogin(t, ta, "Ann", "ann@example.com")
	rec := ta.form(http.MethodPost, "/api/posts", token, url.Values{"title": {"Hello"}, "content": {"body"}})
	var post Post
	decode(t, rec, &post)

	csrf := csrfFrom(t, ta.do(httptest.NewRequest(http.MethodGet, "/login/", nil)))
	rec = ta.form(http.MethodPost, "/login/", "", url.Values{
		"_csrf":    {csrf},
		"email":    {"ann@example.com"},
		"password": {"secret1"},
	})
	assertStatus(t, rec, http.StatusSeeOther)

	page := "/post/" + post.ID + "/"
	rec = ta.do(httptest.NewRequest(http.MethodGet, page, nil))
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "Log out") {
		t.Error("post page does not show the signed-in viewer")
	}

	rec = ta.form(http.MethodPost, page+"like/", "", url.Values{"_csrf": {csrfFrom(t, rec)}})
	assertStatus(t, rec, http.StatusSeeOther)

	p, err := ta.Store.GetPost(context.Background(), post.ID)
	if err != nil {
		t.Fatalf("GetPost failed: %v", err)
	}
	if p.LikeCount != 1 {
		t.Errorf("LikeCount = %d, want 1", p.LikeCount)
	}
}

func TestAdminReconcile(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	rec := ta.do(httptest.NewRequest(http.MethodGet, "/admin/", nil))
	assertStatus(t, rec, http.StatusOK)
	csrf := csrfFrom(t, rec)

	rec = ta.form(http.MethodPost, "/admin/login/", "", url.Values{"_csrf": {csrf}, "password": {"wrong"}})
	if !strings.Contains(rec.Body.String(), "Invalid password.") {
		t.Error("wrong admin password was not rejected")
	}

	rec = ta.form(http.MethodPost, "/admin/login/", "", url.Values{"_csrf": {csrf}, "password": {testAdminPassword}})
	assertStatus(t, rec, http.StatusSeeOther)

	rec = ta.do(httptest.NewRequest(http.MethodGet, "/admin/", nil))
	if !strings.Contains(rec.Body.String(), "Pending fan-outs") {
		t.Fatal("admin dashboard not shown after login")
	}

	rec = ta.form(http.MethodPost, "/admin/reconcile/", "", url.Values{"_csrf": {csrfFrom(t, rec)}})
	assertStatus(t, rec, http.StatusSeeOther)
	if loc := rec.Header().Get(echo.HeaderLocation); !strings.Contains(loc, "Reconciled") {
		t.Errorf("redirect = %q, want a reconcile message", loc)
	}
}
