package blogapp

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
)

const lockStripes = 64

// Store is the entity store used by the rest of the application. It wraps a
// Backend, serializes writes per key, and publishes a change event after each
// committed write. Events for the same key are published while that key's
// lock is held, so subscribers see them in commit order.
type Store struct {
	backend Backend
	hub     *Hub
	locks   [lockStripes]sync.Mutex
	version atomic.Uint64
}

// NewStore wraps b with change notification.
func NewStore(b Backend) *Store {
	return &Store{backend: b, hub: NewHub()}
}

// Backend exposes the underlying persistence layer.
func (s *Store) Backend() Backend {
	return s.backend
}

// Version increases after every committed mutation, local or relayed.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Subscribe watches a collection, or the keys under scope within it.
func (s *Store) Subscribe(collection, scope string, fn func(Event)) func() {
	return s.hub.Subscribe(collection, scope, fn)
}

// UseRelay shares change events with other processes through r.
func (s *Store) UseRelay(r Relay) {
	s.hub.AttachRelay(r, func(Event) { s.version.Add(1) })
}

// Close stops all subscriptions and closes the backend.
func (s *Store) Close() error {
	s.hub.Close()
	return s.backend.Close()
}

type lockKey struct {
	collection string
	key        string
}

// lock takes the stripes for keys in ascending order and returns the unlock.
func (s *Store) lock(keys ...lockKey) func() {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		h := fnv.New32a()
		h.Write([]byte(k.collection))
		h.Write([]byte{0})
		h.Write([]byte(k.key))
		i := int(h.Sum32() % lockStripes)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.locks[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.locks[idx[j]].Unlock()
		}
	}
}

func (s *Store) commit(events ...Event) {
	s.version.Add(1)
	for _, ev := range events {
		s.hub.Publish(ev)
	}
}

// Writes below detach from the caller's cancellation: once started they run
// to completion so an abandoned request never leaves a half-applied step.

// PutUser writes a user record.
func (s *Store) PutUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return required("id")
	}
	ctx = context.WithoutCancel(ctx)
	defer s.lock(lockKey{CollectionUsers, u.ID})()
	if err := s.backend.PutUser(ctx, u); err != nil {
		return err
	}
	s.commit(Event{Collection: CollectionUsers, Key: u.ID, Op: OpPut})
	return nil
}

// GetUser reads a user record.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return s.backend.GetUser(ctx, id)
}

// PutPost writes a post and returns it as stored.
func (s *Store) PutPost(ctx context.Context, p Post) (Post, error) {
	if p.ID == "" {
		return Post{}, required("id")
	}
	ctx = context.WithoutCancel(ctx)
	defer s.lock(lockKey{CollectionPosts, p.ID})()
	stored, err := s.backend.PutPost(ctx, p)
	if err != nil {
		return Post{}, err
	}
	s.commit(Event{Collection: CollectionPosts, Key: p.ID, Op: OpPut})
	return stored, nil
}

// GetPost reads a post.
func (s *Store) GetPost(ctx context.Context, id string) (Post, error) {
	return s.backend.GetPost(ctx, id)
}

// QueryPosts returns posts matching q, newest first.
func (s *Store) QueryPosts(ctx context.Context, q PostQuery) ([]Post, error) {
	return s.backend.QueryPosts(ctx, q)
}

// DeletePost removes a post together with its comments. Comment
// subscribers receive one delete for the whole "postID/" subtree.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	if id == "" {
		return required("id")
	}
	ctx = context.WithoutCancel(ctx)
	defer s.lock(lockKey{CollectionPosts, id})()
	if _, err := s.backend.GetPost(ctx, id); err != nil {
		return err
	}
	if err := s.backend.DeletePost(ctx, id); err != nil {
		return err
	}
	s.commit(
		Event{Collection: CollectionPosts, Key: id, Op: OpDelete},
		Event{Collection: CollectionComments, Key: CommentKey(id, ""), Op: OpDelete},
	)
	return nil
}

// SetPostAuthor rewrites only the denormalized author fields of a post.
func (s *Store) SetPostAuthor(ctx context.Context, postID, name string, avatar *string) error {
	ctx = context.WithoutCancel(ctx)
	defer s.lock(lockKey{CollectionPosts, postID})()
	if err := s.backend.SetPostAuthor(ctx, postID, name, avatar); err != nil {
		return err
	}
	s.commit(Event{Collection: CollectionPosts, Key: postID, Op: OpPut})
	return nil
}

// PutComment writes a comment under its post.
func (s *Store) PutComment(ctx context.Context, c Comment) (Comment, error) {
	if c.ID == "" {
		return Comment{}, required("id")
	}
	if c.PostID == "" {
		return Comment{}, required("postId")
	}
	ctx = context.WithoutCancel(ctx)
	// The post lock orders comment writes against a concurrent delete.
	defer s.lock(lockKey{CollectionPosts, c.PostID}, lockKey{CollectionComments, c.Key()})()
	stored, err := s.backend.PutComment(ctx, c)
	if err != nil {
		return Comment{}, err
	}
	s.commit(Event{Collection: CollectionComments, Key: c.Key(), Op: OpPut})
	return stored, nil
}

// GetComment reads one comment of a post.
func (s *Store) GetComment(ctx context.Context, postID, id string) (Comment, error) {
	return s.backend.GetComment(ctx, postID, id)
}

// QueryComments returns comments matching q in insertion order.
func (s *Store) QueryComments(ctx context.Context, q CommentQuery) ([]Comment, error) {
	return s.backend.QueryComments(ctx, q)
}

// SetCommentAuthor rewrites only the denormalized author fields of a comment.
func (s *Store) SetCommentAuthor(ctx context.Context, postID, id, name string, avatar *string) error {
	ctx = context.WithoutCancel(ctx)
	key := CommentKey(postID, id)
	defer s.lock(lockKey{CollectionPosts, postID}, lockKey{CollectionComments, key})()
	if err := s.backend.SetCommentAuthor(ctx, postID, id, name, avatar); err != nil {
		return err
	}
	s.commit(Event{Collection: CollectionComments, Key: key, Op: OpPut})
	return nil
}

// ToggleMembership flips a like or save and moves the post counter with it.
// The membership key lock serializes toggles from this process; the backend
// makes the step atomic against other processes.
func (s *Store) ToggleMembership(ctx context.Context, userID, postID string, kind Kind) (MembershipResult, error) {
	ctx = context.WithoutCancel(ctx)
	key := MembershipKey(userID, postID)
	defer s.lock(lockKey{kind.Collection(), key}, lockKey{CollectionPosts, postID})()
	res, err := s.backend.ToggleMembership(ctx, userID, postID, kind)
	if err != nil {
		return MembershipResult{}, err
	}
	op := OpDelete
	if res.Active {
		op = OpPut
	}
	s.commit(
		Event{Collection: kind.Collection(), Key: key, Op: op},
		Event{Collection: CollectionPosts, Key: postID, Op: OpPut},
	)
	return res, nil
}

// HasMembership reports whether userID currently likes or saves postID.
func (s *Store) HasMembership(ctx context.Context, userID, postID string, kind Kind) (bool, error) {
	return s.backend.HasMembership(ctx, userID, postID, kind)
}

// MemberPosts lists the post ids a user liked or saved.
func (s *Store) MemberPosts(ctx context.Context, userID string, kind Kind) ([]string, error) {
	return s.backend.MemberPosts(ctx, userID, kind)
}

// CountMembers counts the users holding a membership on postID.
func (s *Store) CountMembers(ctx context.Context, postID string, kind Kind) (int, error) {
	return s.backend.CountMembers(ctx, postID, kind)
}

// ReconcileCounter recomputes a post counter from its membership set and
// reports the value it replaced.
func (s *Store) ReconcileCounter(ctx context.Context, postID string, kind Kind) (was, now int, err error) {
	ctx = context.WithoutCancel(ctx)
	defer s.lock(lockKey{CollectionPosts, postID})()
	was, now, err = s.backend.RecountMembers(ctx, postID, kind)
	if err != nil {
		return 0, 0, err
	}
	if was != now {
		s.commit(Event{Collection: CollectionPosts, Key: postID, Op: OpPut})
	}
	return was, now, nil
}
