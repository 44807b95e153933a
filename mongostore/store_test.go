package mongostore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/v2/bson"

	blogapp "github.com/Haryuya11/BlogApp"
)

// setupTestStore connects to the server named by BLOGAPP_TEST_MONGO_URI and
// uses a fresh database that the cleanup drops.
func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	uri := os.Getenv("BLOGAPP_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("BLOGAPP_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	name := "blogapp_test_" + ulid.Make().String()
	s, err := Open(ctx, uri, name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, func() {
		s.client.Database(name).Drop(ctx)
		s.Close()
	}
}

func TestPutPostKeepsSeqAndCounters(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	first, err := s.PutPost(ctx, blogapp.Post{ID: "p1", UserID: "u1", Title: "one", CreatedAt: 1, UserName: "Old"})
	if err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	if _, err := s.ToggleMembership(ctx, "u2", "p1", blogapp.Like); err != nil {
		t.Fatalf("ToggleMembership: %v", err)
	}
	if err := s.SetPostAuthor(ctx, "p1", "New", nil); err != nil {
		t.Fatalf("SetPostAuthor: %v", err)
	}
	// An edit built from a stale read must not bring the old name back.
	again, err := s.PutPost(ctx, blogapp.Post{ID: "p1", UserID: "u1", Title: "edited", LikeCount: 40, UserName: "Old"})
	if err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	if again.Seq != first.Seq {
		t.Errorf("Seq = %d, want %d", again.Seq, first.Seq)
	}
	if again.LikeCount != 1 {
		t.Errorf("LikeCount = %d, want 1", again.LikeCount)
	}
	if again.UserName != "New" {
		t.Errorf("UserName = %q, want %q", again.UserName, "New")
	}
	if again.Title != "edited" || again.CreatedAt != 1 {
		t.Errorf("got title %q created %d, want edited/1", again.Title, again.CreatedAt)
	}
}

func TestQueryPostsNewestFirst(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.PutPost(ctx, blogapp.Post{ID: id, UserID: "u1"}); err != nil {
			t.Fatalf("PutPost(%s): %v", id, err)
		}
	}
	posts, err := s.QueryPosts(ctx, blogapp.PostQuery{})
	if err != nil {
		t.Fatalf("QueryPosts: %v", err)
	}
	var got []string
	for _, p := range posts {
		got = append(got, p.ID)
	}
	if len(got) != 3 || got[0] != "c" || got[2] != "a" {
		t.Errorf("order = %v, want [c b a]", got)
	}

	none, err := s.QueryPosts(ctx, blogapp.PostQuery{IDs: []string{}})
	if err != nil || len(none) != 0 {
		t.Errorf("empty IDs = %v, %v; want no posts", none, err)
	}
}

func TestDeletePostCascades(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.PutPost(ctx, blogapp.Post{ID: "p1", UserID: "u1"}); err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	if _, err := s.PutComment(ctx, blogapp.Comment{ID: "c1", PostID: "p1", UserID: "u2", Content: "hi"}); err != nil {
		t.Fatalf("PutComment: %v", err)
	}
	if _, err := s.ToggleMembership(ctx, "u2", "p1", blogapp.Save); err != nil {
		t.Fatalf("ToggleMembership: %v", err)
	}
	if err := s.DeletePost(ctx, "p1"); err != nil {
		t.Fatalf("DeletePost: %v", err)
	}
	if _, err := s.GetComment(ctx, "p1", "c1"); !errors.Is(err, blogapp.ErrNotFound) {
		t.Errorf("GetComment err = %v, want ErrNotFound", err)
	}
	if ids, _ := s.MemberPosts(ctx, "u2", blogapp.Save); len(ids) != 0 {
		t.Errorf("MemberPosts = %v, want none", ids)
	}
	if _, err := s.PutComment(ctx, blogapp.Comment{ID: "c2", PostID: "p1"}); !errors.Is(err, blogapp.ErrNotFound) {
		t.Errorf("PutComment on deleted post err = %v, want ErrNotFound", err)
	}
}

func TestToggleMembershipCountsMatchSet(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.PutPost(ctx, blogapp.Post{ID: "p1", UserID: "u1"}); err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			if _, err := s.ToggleMembership(ctx, uid, "p1", blogapp.Like); err != nil {
				t.Errorf("ToggleMembership(%s): %v", uid, err)
			}
		}(ulid.Make().String())
	}
	wg.Wait()

	p, err := s.GetPost(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	n, err := s.CountMembers(ctx, "p1", blogapp.Like)
	if err != nil {
		t.Fatalf("CountMembers: %v", err)
	}
	if p.LikeCount != n || n != 10 {
		t.Errorf("LikeCount = %d, members = %d, want 10", p.LikeCount, n)
	}

	if _, err := s.ToggleMembership(ctx, "u1", "missing", blogapp.Like); !errors.Is(err, blogapp.ErrNotFound) {
		t.Errorf("toggle on missing post err = %v, want ErrNotFound", err)
	}
}

func TestSetPostAuthorNilAvatar(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.PutPost(ctx, blogapp.Post{ID: "p1", UserID: "u1", UserName: "old", ProfileImage: "a.jpg"}); err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	if err := s.SetPostAuthor(ctx, "p1", "new", nil); err != nil {
		t.Fatalf("SetPostAuthor: %v", err)
	}
	p, _ := s.GetPost(ctx, "p1")
	if p.UserName != "new" || p.ProfileImage != "a.jpg" {
		t.Errorf("author = %q/%q, want new/a.jpg", p.UserName, p.ProfileImage)
	}
	if err := s.SetPostAuthor(ctx, "missing", "x", nil); !errors.Is(err, blogapp.ErrNotFound) {
		t.Errorf("SetPostAuthor(missing) err = %v, want ErrNotFound", err)
	}
}

// openSibling connects a second Store to the same database, standing in for
// another server instance.
func openSibling(t *testing.T, s *Store) *Store {
	t.Helper()
	other, err := Open(context.Background(), os.Getenv("BLOGAPP_TEST_MONGO_URI"), s.posts.Database().Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return other
}

func TestToggleAcrossInstancesKeepsCount(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	other := openSibling(t, s)
	defer other.Close()
	ctx := context.Background()

	if _, err := s.PutPost(ctx, blogapp.Post{ID: "p1", UserID: "u1"}); err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	// The same user taps like on two devices served by different instances.
	var wg sync.WaitGroup
	for _, inst := range []*Store{s, other, s, other, s, other, s} {
		wg.Add(1)
		go func(inst *Store) {
			defer wg.Done()
			if _, err := inst.ToggleMembership(ctx, "u2", "p1", blogapp.Like); err != nil {
				t.Errorf("ToggleMembership: %v", err)
			}
		}(inst)
	}
	wg.Wait()

	p, err := s.GetPost(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	n, err := s.CountMembers(ctx, "p1", blogapp.Like)
	if err != nil {
		t.Fatalf("CountMembers: %v", err)
	}
	// Seven toggles leave the membership on.
	if p.LikeCount != n || n != 1 {
		t.Errorf("LikeCount = %d, members = %d, want 1 and 1", p.LikeCount, n)
	}
	ids, err := other.MemberPosts(ctx, "u2", blogapp.Like)
	if err != nil || len(ids) != 1 || ids[0] != "p1" {
		t.Errorf("MemberPosts = %v, %v; want [p1]", ids, err)
	}
}

func TestRecountMembers(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.PutPost(ctx, blogapp.Post{ID: "p1", UserID: "u1"}); err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	for _, uid := range []string{"u2", "u3"} {
		if _, err := s.ToggleMembership(ctx, uid, "p1", blogapp.Save); err != nil {
			t.Fatalf("ToggleMembership: %v", err)
		}
	}
	if _, err := s.posts.UpdateOne(ctx, bson.M{"_id": "p1"}, bson.M{"$set": bson.M{"saveCount": 9}}); err != nil {
		t.Fatalf("drift counter: %v", err)
	}

	was, now, err := s.RecountMembers(ctx, "p1", blogapp.Save)
	if err != nil {
		t.Fatalf("RecountMembers: %v", err)
	}
	if was != 9 || now != 2 {
		t.Errorf("RecountMembers = (%d, %d), want (9, 2)", was, now)
	}
	p, _ := s.GetPost(ctx, "p1")
	if p.SaveCount != 2 {
		t.Errorf("SaveCount = %d, want 2", p.SaveCount)
	}
	if _, _, err := s.RecountMembers(ctx, "missing", blogapp.Save); !errors.Is(err, blogapp.ErrNotFound) {
		t.Errorf("RecountMembers(missing) err = %v, want ErrNotFound", err)
	}
}
