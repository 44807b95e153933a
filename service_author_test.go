package blogapp

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// hookBackend runs a one-shot callback after selected reads so tests can
// land a concurrent write between a service's read and its write.
type hookBackend struct {
	Backend

	mu           sync.Mutex
	afterGetPost func()
	afterGetUser func()
	failPutUser  bool
}

func (b *hookBackend) take(hook *func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn := *hook
	*hook = nil
	return fn
}

func (b *hookBackend) GetPost(ctx context.Context, id string) (Post, error) {
	p, err := b.Backend.GetPost(ctx, id)
	if fn := b.take(&b.afterGetPost); fn != nil {
		fn()
	}
	return p, err
}

func (b *hookBackend) GetUser(ctx context.Context, id string) (User, error) {
	u, err := b.Backend.GetUser(ctx, id)
	if fn := b.take(&b.afterGetUser); fn != nil {
		fn()
	}
	return u, err
}

func (b *hookBackend) PutUser(ctx context.Context, u User) error {
	b.mu.Lock()
	fail := b.failPutUser
	b.mu.Unlock()
	if fail {
		return ErrStorageUnavailable
	}
	return b.Backend.PutUser(ctx, u)
}

func (b *hookBackend) set(fn func()) {
	b.mu.Lock()
	fn()
	b.mu.Unlock()
}

func setupHookedService(t *testing.T) (*testService, *hookBackend, func()) {
	t.Helper()
	sql, err := NewSQLStore(filepath.Join(t.TempDir(), "test_blog.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	hb := &hookBackend{Backend: sql}
	s := NewStore(hb)
	id, mailer, closeID := setupTestIdentity(t)
	blobs := NewDiskBlobs(filepath.Join(t.TempDir(), "blobs"), "http://blog.test/blobs")
	svc := NewService(s, id, blobs, time.Minute, 4)
	return &testService{Service: svc, mailer: mailer}, hb, func() {
		closeID()
		s.Close()
	}
}

func TestEditBlogKeepsRenameMadeMeanwhile(t *testing.T) {
	ts, hb, cleanup := setupHookedService(t)
	defer cleanup()
	ctx := context.Background()

	sess := ts.signUp(t, "Old", "old@example.com")
	post, err := ts.AddBlog(ctx, sess, BlogDraft{Title: "first", Content: "c"})
	if err != nil {
		t.Fatalf("AddBlog failed: %v", err)
	}

	var renameErr error
	hb.set(func() {
		hb.afterGetPost = func() {
			_, _, renameErr = ts.UpdateProfile(ctx, sess, ProfileUpdate{Name: "Alice"})
		}
	})
	edited, err := ts.EditBlog(ctx, sess, post.ID, BlogDraft{Title: "second", Content: "c"})
	if err != nil {
		t.Fatalf("EditBlog failed: %v", err)
	}
	if renameErr != nil {
		t.Fatalf("UpdateProfile failed: %v", renameErr)
	}

	got, err := ts.Store.GetPost(ctx, post.ID)
	if err != nil {
		t.Fatalf("GetPost failed: %v", err)
	}
	if got.UserName != "Alice" {
		t.Errorf("stored UserName = %q, want %q", got.UserName, "Alice")
	}
	if got.Title != "second" {
		t.Errorf("stored Title = %q, want %q", got.Title, "second")
	}
	if edited.UserName != "Alice" {
		t.Errorf("returned UserName = %q, want %q", edited.UserName, "Alice")
	}
}

func TestAddBlogPicksUpRenameMadeMeanwhile(t *testing.T) {
	ts, hb, cleanup := setupHookedService(t)
	defer cleanup()
	ctx := context.Background()

	sess := ts.signUp(t, "Old", "old@example.com")

	var renameErr error
	hb.set(func() {
		hb.afterGetUser = func() {
			_, _, renameErr = ts.UpdateProfile(ctx, sess, ProfileUpdate{Name: "Alice"})
		}
	})
	post, err := ts.AddBlog(ctx, sess, BlogDraft{Title: "t", Content: "c"})
	if err != nil {
		t.Fatalf("AddBlog failed: %v", err)
	}
	if renameErr != nil {
		t.Fatalf("UpdateProfile failed: %v", renameErr)
	}
	if post.UserName != "Alice" {
		t.Errorf("returned UserName = %q, want %q", post.UserName, "Alice")
	}
	assertAuthorEverywhere(t, ts.Store, sess.UserID, "Alice", "")
}

func TestAddCommentPicksUpRenameMadeMeanwhile(t *testing.T) {
	ts, hb, cleanup := setupHookedService(t)
	defer cleanup()
	ctx := context.Background()

	owner := ts.signUp(t, "Owner", "owner@example.com")
	sess := ts.signUp(t, "Old", "old@example.com")
	post, err := ts.AddBlog(ctx, owner, BlogDraft{Title: "t", Content: "c"})
	if err != nil {
		t.Fatalf("AddBlog failed: %v", err)
	}

	var renameErr error
	hb.set(func() {
		hb.afterGetUser = func() {
			_, _, renameErr = ts.UpdateProfile(ctx, sess, ProfileUpdate{Name: "Alice"})
		}
	})
	c, err := ts.AddComment(ctx, sess, post.ID, "hello")
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if renameErr != nil {
		t.Fatalf("UpdateProfile failed: %v", renameErr)
	}
	if c.UserName != "Alice" {
		t.Errorf("returned UserName = %q, want %q", c.UserName, "Alice")
	}
	assertAuthorEverywhere(t, ts.Store, sess.UserID, "Alice", "")
}

func TestRegisterReleasesEmailWhenProfileWriteFails(t *testing.T) {
	ts, hb, cleanup := setupHookedService(t)
	defer cleanup()
	ctx := context.Background()

	reg := Registration{Name: "Ann", Email: "ann@example.com", Password: "secret1", ConfirmPassword: "secret1"}
	hb.set(func() { hb.failPutUser = true })
	if _, err := ts.Register(ctx, reg); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Register error = %v, want ErrStorageUnavailable", err)
	}
	if _, err := ts.Identity.SignIn(ctx, reg.Email, reg.Password); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("SignIn after failed Register error = %v, want ErrUserNotFound", err)
	}

	hb.set(func() { hb.failPutUser = false })
	u, err := ts.Register(ctx, reg)
	if err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
	if _, err := ts.Store.GetUser(ctx, u.ID); err != nil {
		t.Errorf("GetUser after Register error = %v, want nil", err)
	}
}
