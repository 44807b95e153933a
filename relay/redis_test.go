package relay

import (
	"context"
	"os"
	"testing"
	"time"

	blogapp "github.com/Haryuya11/BlogApp"
)

func setupTestRelay(t *testing.T) (*Redis, func()) {
	t.Helper()
	addr := os.Getenv("BLOGAPP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BLOGAPP_TEST_REDIS_ADDR not set")
	}
	r, err := NewRedis(addr, "blogapp:test:"+t.Name())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	return r, func() { r.Close() }
}

func TestRedisRoundTrip(t *testing.T) {
	r, cleanup := setupTestRelay(t)
	defer cleanup()

	got := make(chan blogapp.Event, 1)
	stop := r.Listen(func(ev blogapp.Event) { got <- ev })
	defer stop()

	want := blogapp.Event{Collection: blogapp.CollectionPosts, Key: "p1", Op: blogapp.OpDelete, Origin: "a"}
	if err := r.Publish(want); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-got:
		if ev != want {
			t.Errorf("event = %+v, want %+v", ev, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

// Two stores sharing a relay see each other's writes as remote events.
func TestRedisBetweenStores(t *testing.T) {
	r, cleanup := setupTestRelay(t)
	defer cleanup()

	dir := t.TempDir()
	a, err := blogapp.NewSQLStore(dir + "/blog.db")
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	writer := blogapp.NewStore(a)
	defer writer.Close()
	reader := blogapp.NewStore(a)
	defer reader.Close()
	writer.UseRelay(r)
	reader.UseRelay(r)

	got := make(chan blogapp.Event, 4)
	unsub := reader.Subscribe(blogapp.CollectionUsers, "u1", func(ev blogapp.Event) { got <- ev })
	defer unsub()

	before := reader.Version()
	if err := writer.PutUser(context.Background(), blogapp.User{ID: "u1", Name: "Ann"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	select {
	case ev := <-got:
		if !ev.Remote || ev.Key != "u1" {
			t.Errorf("event = %+v, want remote u1", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no remote event received")
	}
	if reader.Version() == before {
		t.Error("reader version did not advance on remote event")
	}
}
