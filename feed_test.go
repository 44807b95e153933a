package blogapp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func feedIDs(items []FeedItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestListFeedNewestFirst(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	f := NewFeed(s, time.Minute)

	items, err := f.ListFeed(ctx, "")
	if err != nil {
		t.Fatalf("ListFeed failed: %v", err)
	}
	if items == nil || len(items) != 0 {
		t.Errorf("empty feed = %#v, want empty non-nil slice", items)
	}

	seedPost(t, s, "u1", "P1")
	seedPost(t, s, "u2", "P2")
	seedPost(t, s, "u1", "P3")

	items, err = f.ListFeed(ctx, "")
	if err != nil {
		t.Fatalf("ListFeed failed: %v", err)
	}
	if got, want := feedIDs(items), []string{"P3", "P2", "P1"}; !equalIDs(got, want) {
		t.Errorf("ListFeed = %v, want %v", got, want)
	}
}

func TestFeedSeesWritesImmediately(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	f := NewFeed(s, time.Hour)

	seedPost(t, s, "u1", "p1")
	if _, err := f.ListFeed(ctx, ""); err != nil {
		t.Fatalf("ListFeed failed: %v", err)
	}
	seedPost(t, s, "u1", "p2")
	if _, err := NewLedger(s).Toggle(ctx, "u2", "p1", Like); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}

	items, err := f.ListFeed(ctx, "u2")
	if err != nil {
		t.Fatalf("ListFeed failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("ListFeed returned %d items, want 2", len(items))
	}
	if items[1].LikeCount != 1 || !items[1].ViewerLiked {
		t.Errorf("p1 = %+v, want one like by the viewer", items[1])
	}

	if err := s.DeletePost(ctx, "p2"); err != nil {
		t.Fatalf("DeletePost failed: %v", err)
	}
	items, _ = f.ListFeed(ctx, "u2")
	if got := feedIDs(items); !equalIDs(got, []string{"p1"}) {
		t.Errorf("ListFeed after delete = %v, want [p1]", got)
	}
}

func TestPostCacheInvalidate(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seedPost(t, s, "u1", "p1")
	c := NewPostCache(s, time.Hour)
	posts, err := c.Posts(ctx)
	if err != nil || len(posts) != 1 {
		t.Fatalf("Posts = %v, %v; want one post", posts, err)
	}

	// A write that bypasses the Store does not move the version.
	if _, err := s.Backend().PutPost(ctx, Post{ID: "p2", UserID: "u1", Title: "t", Content: "c"}); err != nil {
		t.Fatalf("PutPost failed: %v", err)
	}
	posts, _ = c.Posts(ctx)
	if len(posts) != 1 {
		t.Errorf("cached Posts = %d, want 1 until invalidated", len(posts))
	}
	c.Invalidate()
	posts, _ = c.Posts(ctx)
	if len(posts) != 2 {
		t.Errorf("Posts after Invalidate = %d, want 2", len(posts))
	}
}

func TestFeedViewerFlagsAndLiveAvatar(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	f := NewFeed(s, time.Minute)
	l := NewLedger(s)

	seedPost(t, s, "alice", "p1")
	seedPost(t, s, "bob", "p2")
	if _, err := l.Toggle(ctx, "viewer", "p1", Like); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if _, err := l.Toggle(ctx, "viewer", "p2", Save); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}

	// The profile moves ahead of the copies on the posts.
	alice, _ := s.GetUser(ctx, "alice")
	alice.ProfileImage = "fresh.jpg"
	if err := s.PutUser(ctx, alice); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}

	items, err := f.ListFeed(ctx, "viewer")
	if err != nil {
		t.Fatalf("ListFeed failed: %v", err)
	}
	byID := map[string]FeedItem{}
	for _, it := range items {
		byID[it.ID] = it
	}
	if it := byID["p1"]; !it.ViewerLiked || it.ViewerSaved || it.ProfileImage != "fresh.jpg" {
		t.Errorf("p1 = liked %v saved %v avatar %q; want liked, not saved, fresh.jpg", it.ViewerLiked, it.ViewerSaved, it.ProfileImage)
	}
	if it := byID["p2"]; it.ViewerLiked || !it.ViewerSaved {
		t.Errorf("p2 = liked %v saved %v; want saved only", it.ViewerLiked, it.ViewerSaved)
	}

	anon, _ := f.ListFeed(ctx, "")
	for _, it := range anon {
		if it.ViewerLiked || it.ViewerSaved {
			t.Errorf("anonymous viewer has flags on %s", it.ID)
		}
	}

	saved, err := f.ListSaved(ctx, "viewer")
	if err != nil {
		t.Fatalf("ListSaved failed: %v", err)
	}
	if got := feedIDs(saved); !equalIDs(got, []string{"p2"}) {
		t.Errorf("ListSaved = %v, want [p2]", got)
	}
	authored, err := f.ListAuthored(ctx, "viewer", "alice")
	if err != nil {
		t.Fatalf("ListAuthored failed: %v", err)
	}
	if got := feedIDs(authored); !equalIDs(got, []string{"p1"}) {
		t.Errorf("ListAuthored = %v, want [p1]", got)
	}
	if _, err := f.ListSaved(ctx, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("ListSaved without viewer error = %v, want ErrValidation", err)
	}

	item, err := f.Item(ctx, "viewer", "p1")
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if !item.ViewerLiked || item.LikeCount != 1 {
		t.Errorf("Item = %+v, want liked with one like", item)
	}
	if _, err := f.Item(ctx, "viewer", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Item(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFeedWatch(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	f := NewFeed(s, time.Minute)

	seedPost(t, s, "alice", "p1")

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan []FeedItem, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.Watch(ctx, "viewer", func(items []FeedItem) { updates <- items })
	}()

	next := func(cond func([]FeedItem) bool) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case items := <-updates:
				if cond(items) {
					return
				}
			case <-timeout:
				t.Fatal("no matching feed update")
			}
		}
	}

	next(func(items []FeedItem) bool { return len(items) == 1 })

	seedPost(t, s, "bob", "p2")
	next(func(items []FeedItem) bool { return len(items) == 2 && items[0].ID == "p2" })

	if _, err := NewLedger(s).Toggle(context.Background(), "viewer", "p1", Like); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	next(func(items []FeedItem) bool { return len(items) == 2 && items[1].ViewerLiked })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
