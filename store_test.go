package blogapp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test_blog.db")

	b, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	s := NewStore(b)

	cleanup := func() {
		s.Close()
	}

	return s, cleanup
}

// seedPost writes an author and one post by them.
func seedPost(t *testing.T, s *Store, userID, postID string) Post {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetUser(ctx, userID); errors.Is(err, ErrNotFound) {
		if err := s.PutUser(ctx, User{ID: userID, Name: "user " + userID, Email: userID + "@example.com"}); err != nil {
			t.Fatalf("PutUser(%s) failed: %v", userID, err)
		}
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("GetUser(%s) failed: %v", userID, err)
	}
	p, err := s.PutPost(ctx, Post{
		ID:           postID,
		UserID:       userID,
		Title:        "Title " + postID,
		Content:      "Content of " + postID,
		CreatedAt:    1700000000000,
		UserName:     u.Name,
		ProfileImage: u.ProfileImage,
	})
	if err != nil {
		t.Fatalf("PutPost(%s) failed: %v", postID, err)
	}
	return p
}

func TestNewSQLStore(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	if s == nil {
		t.Fatal("store should not be nil")
	}
	if s.Backend() == nil {
		t.Fatal("backend should not be nil")
	}
}

func TestPutAndGetUser(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	u := User{ID: "u1", Name: "Ann", Email: "ann@example.com", Country: "VN", Hobbies: "chess"}
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}
	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got != u {
		t.Errorf("GetUser = %+v, want %+v", got, u)
	}

	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.PutUser(ctx, User{Name: "no id"}); !errors.Is(err, ErrValidation) {
		t.Errorf("PutUser without id error = %v, want ErrValidation", err)
	}
}

func TestPutPostKeepsSeqAndCounters(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	first := seedPost(t, s, "u1", "p1")
	if first.Images == nil {
		t.Error("Images should be an empty slice, not nil")
	}
	if _, err := s.ToggleMembership(ctx, "u2", "p1", Like); err != nil {
		t.Fatalf("ToggleMembership failed: %v", err)
	}

	if err := s.SetPostAuthor(ctx, "p1", "New", nil); err != nil {
		t.Fatalf("SetPostAuthor failed: %v", err)
	}

	edited := first
	edited.UserName = "Old"
	edited.Title = "Edited"
	edited.Images = []string{"a.jpg", "b.jpg"}
	edited.LikeCount = 99
	edited.CreatedAt = 1
	got, err := s.PutPost(ctx, edited)
	if err != nil {
		t.Fatalf("PutPost failed: %v", err)
	}
	if got.Seq != first.Seq {
		t.Errorf("Seq = %d, want %d", got.Seq, first.Seq)
	}
	if got.LikeCount != 1 {
		t.Errorf("LikeCount = %d, want 1", got.LikeCount)
	}
	if got.CreatedAt != first.CreatedAt {
		t.Errorf("CreatedAt = %d, want %d", got.CreatedAt, first.CreatedAt)
	}
	if got.Title != "Edited" || len(got.Images) != 2 || got.Images[1] != "b.jpg" {
		t.Errorf("PutPost did not apply edits: %+v", got)
	}
	if got.UserName != "New" {
		t.Errorf("UserName = %q, want %q", got.UserName, "New")
	}
}

func TestQueryPosts(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seedPost(t, s, "u1", "a")
	seedPost(t, s, "u2", "b")
	seedPost(t, s, "u1", "c")

	ids := func(posts []Post) []string {
		var out []string
		for _, p := range posts {
			out = append(out, p.ID)
		}
		return out
	}

	tests := []struct {
		name string
		q    PostQuery
		want []string
	}{
		{"all newest first", PostQuery{}, []string{"c", "b", "a"}},
		{"by author", PostQuery{AuthorID: "u1"}, []string{"c", "a"}},
		{"by ids", PostQuery{IDs: []string{"a", "b", "zzz"}}, []string{"b", "a"}},
		{"empty ids", PostQuery{IDs: []string{}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts, err := s.QueryPosts(ctx, tt.q)
			if err != nil {
				t.Fatalf("QueryPosts failed: %v", err)
			}
			got := ids(posts)
			if len(got) != len(tt.want) {
				t.Fatalf("QueryPosts = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("QueryPosts = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestComments(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seedPost(t, s, "u1", "p1")
	for _, id := range []string{"c2", "c1", "c3"} {
		if _, err := s.PutComment(ctx, Comment{ID: id, PostID: "p1", UserID: "u2", UserName: "Bob", Content: "hi " + id}); err != nil {
			t.Fatalf("PutComment(%s) failed: %v", id, err)
		}
	}

	comments, err := s.QueryComments(ctx, CommentQuery{PostID: "p1"})
	if err != nil {
		t.Fatalf("QueryComments failed: %v", err)
	}
	want := []string{"c2", "c1", "c3"}
	if len(comments) != len(want) {
		t.Fatalf("got %d comments, want %d", len(comments), len(want))
	}
	for i, c := range comments {
		if c.ID != want[i] {
			t.Errorf("comment %d = %s, want %s", i, c.ID, want[i])
		}
	}

	byAuthor, err := s.QueryComments(ctx, CommentQuery{AuthorID: "u2"})
	if err != nil {
		t.Fatalf("QueryComments by author failed: %v", err)
	}
	if len(byAuthor) != 3 {
		t.Errorf("comments by u2 = %d, want 3", len(byAuthor))
	}

	_, err = s.PutComment(ctx, Comment{ID: "c9", PostID: "missing", Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("PutComment on missing post error = %v, want ErrNotFound", err)
	}
}

func TestDeletePostCascades(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seedPost(t, s, "u1", "p1")
	seedPost(t, s, "u1", "p2")
	if _, err := s.PutComment(ctx, Comment{ID: "c1", PostID: "p1", UserID: "u2", Content: "bye"}); err != nil {
		t.Fatalf("PutComment failed: %v", err)
	}
	if _, err := s.PutComment(ctx, Comment{ID: "c1", PostID: "p2", UserID: "u2", Content: "stay"}); err != nil {
		t.Fatalf("PutComment failed: %v", err)
	}
	if _, err := s.ToggleMembership(ctx, "u2", "p1", Save); err != nil {
		t.Fatalf("ToggleMembership failed: %v", err)
	}

	if err := s.DeletePost(ctx, "p1"); err != nil {
		t.Fatalf("DeletePost failed: %v", err)
	}

	if _, err := s.GetPost(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPost after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetComment(ctx, "p1", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetComment after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetComment(ctx, "p2", "c1"); err != nil {
		t.Errorf("comment of another post was removed: %v", err)
	}
	saved, err := s.MemberPosts(ctx, "u2", Save)
	if err != nil {
		t.Fatalf("MemberPosts failed: %v", err)
	}
	if len(saved) != 0 {
		t.Errorf("MemberPosts after delete = %v, want none", saved)
	}
	if err := s.DeletePost(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeletePost error = %v, want ErrNotFound", err)
	}
}

func TestSetPostAuthor(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	p := seedPost(t, s, "u1", "p1")
	p.ProfileImage = "old.jpg"
	if _, err := s.PutPost(ctx, p); err != nil {
		t.Fatalf("PutPost failed: %v", err)
	}

	if err := s.SetPostAuthor(ctx, "p1", "Renamed", nil); err != nil {
		t.Fatalf("SetPostAuthor failed: %v", err)
	}
	got, _ := s.GetPost(ctx, "p1")
	if got.UserName != "Renamed" || got.ProfileImage != "old.jpg" {
		t.Errorf("nil avatar: author = %q/%q, want Renamed/old.jpg", got.UserName, got.ProfileImage)
	}

	empty := ""
	if err := s.SetPostAuthor(ctx, "p1", "Renamed", &empty); err != nil {
		t.Fatalf("SetPostAuthor failed: %v", err)
	}
	got, _ = s.GetPost(ctx, "p1")
	if got.ProfileImage != "" {
		t.Errorf("ProfileImage = %q, want cleared", got.ProfileImage)
	}

	if err := s.SetPostAuthor(ctx, "missing", "x", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPostAuthor(missing) error = %v, want ErrNotFound", err)
	}
}

func TestToggleMembershipFlips(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seedPost(t, s, "u1", "p1")

	res, err := s.ToggleMembership(ctx, "u2", "p1", Like)
	if err != nil {
		t.Fatalf("ToggleMembership failed: %v", err)
	}
	if !res.Active || res.Count != 1 {
		t.Errorf("first toggle = %+v, want active with count 1", res)
	}
	if ok, _ := s.HasMembership(ctx, "u2", "p1", Like); !ok {
		t.Error("HasMembership = false after like")
	}
	if ok, _ := s.HasMembership(ctx, "u2", "p1", Save); ok {
		t.Error("a like must not create a save")
	}

	res, err = s.ToggleMembership(ctx, "u2", "p1", Like)
	if err != nil {
		t.Fatalf("ToggleMembership failed: %v", err)
	}
	if res.Active || res.Count != 0 {
		t.Errorf("second toggle = %+v, want inactive with count 0", res)
	}

	if _, err := s.ToggleMembership(ctx, "u2", "missing", Like); !errors.Is(err, ErrNotFound) {
		t.Errorf("toggle on missing post error = %v, want ErrNotFound", err)
	}
}

func TestStoreVersionAdvances(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	before := s.Version()
	seedPost(t, s, "u1", "p1")
	if s.Version() <= before {
		t.Errorf("Version = %d, want more than %d", s.Version(), before)
	}

	before = s.Version()
	if _, err := s.GetPost(context.Background(), "p1"); err != nil {
		t.Fatalf("GetPost failed: %v", err)
	}
	if s.Version() != before {
		t.Error("reads must not advance Version")
	}
}

func TestWritesOutliveCancelledCaller(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	seedPost(t, s, "u1", "p1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.PutPost(ctx, Post{ID: "p2", UserID: "u1", Title: "t", Content: "c", UserName: "user u1"}); err != nil {
		t.Fatalf("PutPost with cancelled context failed: %v", err)
	}
	if _, err := s.PutComment(ctx, Comment{ID: "c1", PostID: "p1", UserID: "u1", UserName: "user u1", Content: "hi"}); err != nil {
		t.Fatalf("PutComment with cancelled context failed: %v", err)
	}
	res, err := NewLedger(s).Toggle(ctx, "u2", "p1", Like)
	if err != nil {
		t.Fatalf("Toggle with cancelled context failed: %v", err)
	}
	if !res.Active || res.Count != 1 {
		t.Errorf("Toggle = %+v, want active with count 1", res)
	}
	if err := s.SetPostAuthor(ctx, "p1", "Renamed", nil); err != nil {
		t.Fatalf("SetPostAuthor with cancelled context failed: %v", err)
	}

	bg := context.Background()
	if _, err := s.GetPost(bg, "p2"); err != nil {
		t.Errorf("GetPost(p2) error = %v, want nil", err)
	}
	if _, err := s.GetComment(bg, "p1", "c1"); err != nil {
		t.Errorf("GetComment(c1) error = %v, want nil", err)
	}
	p, err := s.GetPost(bg, "p1")
	if err != nil {
		t.Fatalf("GetPost(p1) failed: %v", err)
	}
	if p.LikeCount != 1 || p.UserName != "Renamed" {
		t.Errorf("p1 = %d likes by %q, want 1 by %q", p.LikeCount, p.UserName, "Renamed")
	}
}
