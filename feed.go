package blogapp

import (
	"context"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

// PostCache is an in-memory copy of all posts, newest first. It is valid
// until the store version moves or the TTL passes.
type PostCache struct {
	mu      sync.RWMutex
	posts   []Post
	version uint64
	fetched time.Time
	ttl     time.Duration
	store   *Store
}

// NewPostCache creates a PostCache backed by the given Store.
func NewPostCache(s *Store, ttl time.Duration) *PostCache {
	return &PostCache{store: s, ttl: ttl}
}

func (c *PostCache) valid() bool {
	return c.posts != nil && c.version == c.store.Version() && time.Since(c.fetched) < c.ttl
}

// Invalidate clears the cache so the next read triggers a fresh load.
func (c *PostCache) Invalidate() {
	c.mu.Lock()
	c.posts = nil
	c.mu.Unlock()
}

func (c *PostCache) load(ctx context.Context) error {
	if c.valid() {
		return nil
	}
	// Read the version first: a write landing during the query bumps it
	// again and the next read reloads.
	v := c.store.Version()
	posts, err := c.store.QueryPosts(ctx, PostQuery{})
	if err != nil {
		return err
	}
	if posts == nil {
		posts = []Post{}
	}
	c.posts = posts
	c.version = v
	c.fetched = time.Now()
	return nil
}

// Posts returns cached posts after ensuring the cache is fresh. It tries a
// read lock first and only takes the write lock when a reload is needed.
func (c *PostCache) Posts(ctx context.Context) ([]Post, error) {
	c.mu.RLock()
	if c.valid() {
		posts := c.posts
		c.mu.RUnlock()
		return posts, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c.posts, nil
}

// Feed builds post lists as seen by one viewer: the viewer's own like and
// save flags, and each author's current avatar rather than the copy stored
// on the post.
type Feed struct {
	cache  *PostCache
	store  *Store
	logger *log.Logger
}

// NewFeed returns a Feed whose post list is cached for at most ttl.
func NewFeed(s *Store, ttl time.Duration) *Feed {
	return &Feed{cache: NewPostCache(s, ttl), store: s, logger: log.New("feed")}
}

// ListFeed returns every post, most recently created first.
func (f *Feed) ListFeed(ctx context.Context, viewerID string) ([]FeedItem, error) {
	posts, err := f.cache.Posts(ctx)
	if err != nil {
		return nil, err
	}
	return f.decorate(ctx, viewerID, posts)
}

// ListAuthored returns the posts written by authorID.
func (f *Feed) ListAuthored(ctx context.Context, viewerID, authorID string) ([]FeedItem, error) {
	if authorID == "" {
		return nil, required("authorId")
	}
	posts, err := f.cache.Posts(ctx)
	if err != nil {
		return nil, err
	}
	var mine []Post
	for _, p := range posts {
		if p.UserID == authorID {
			mine = append(mine, p)
		}
	}
	return f.decorate(ctx, viewerID, mine)
}

// ListSaved returns the posts the viewer saved, in feed order.
func (f *Feed) ListSaved(ctx context.Context, viewerID string) ([]FeedItem, error) {
	if viewerID == "" {
		return nil, required("viewerId")
	}
	ids, err := f.store.MemberPosts(ctx, viewerID, Save)
	if err != nil {
		return nil, err
	}
	saved := make(map[string]bool, len(ids))
	for _, id := range ids {
		saved[id] = true
	}
	posts, err := f.cache.Posts(ctx)
	if err != nil {
		return nil, err
	}
	var out []Post
	for _, p := range posts {
		if saved[p.ID] {
			out = append(out, p)
		}
	}
	return f.decorate(ctx, viewerID, out)
}

// Item returns one post as seen by the viewer, read past the cache.
func (f *Feed) Item(ctx context.Context, viewerID, postID string) (FeedItem, error) {
	p, err := f.store.GetPost(ctx, postID)
	if err != nil {
		return FeedItem{}, err
	}
	items, err := f.decorate(ctx, viewerID, []Post{p})
	if err != nil {
		return FeedItem{}, err
	}
	return items[0], nil
}

func (f *Feed) decorate(ctx context.Context, viewerID string, posts []Post) ([]FeedItem, error) {
	liked, saved := map[string]bool{}, map[string]bool{}
	if viewerID != "" {
		for kind, set := range map[Kind]map[string]bool{Like: liked, Save: saved} {
			ids, err := f.store.MemberPosts(ctx, viewerID, kind)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				set[id] = true
			}
		}
	}

	avatars := make(map[string]string)
	for _, p := range posts {
		if _, ok := avatars[p.UserID]; ok {
			continue
		}
		avatars[p.UserID] = p.ProfileImage
		u, err := f.store.GetUser(ctx, p.UserID)
		switch {
		case err == nil:
			avatars[p.UserID] = u.ProfileImage
		case isNotFound(err):
		default:
			return nil, err
		}
	}

	items := make([]FeedItem, 0, len(posts))
	for _, p := range posts {
		p.ProfileImage = avatars[p.UserID]
		items = append(items, FeedItem{Post: p, ViewerLiked: liked[p.ID], ViewerSaved: saved[p.ID]})
	}
	return items, nil
}

// Watch calls fn with the viewer's feed now and again after every change
// that can alter it: any post or user write, and the viewer's own likes and
// saves. Bursts of changes collapse into one recomputation. Watch blocks
// until ctx is done.
func (f *Feed) Watch(ctx context.Context, viewerID string, fn func([]FeedItem)) error {
	changed := make(chan struct{}, 1)
	signal := func(Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	stops := []func(){
		f.store.Subscribe(CollectionPosts, "", signal),
		f.store.Subscribe(CollectionUsers, "", signal),
	}
	if viewerID != "" {
		stops = append(stops,
			f.store.Subscribe(CollectionLikes, viewerID+"/", signal),
			f.store.Subscribe(CollectionSaves, viewerID+"/", signal),
		)
	}
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	push := func() error {
		items, err := f.ListFeed(ctx, viewerID)
		if err != nil {
			return err
		}
		fn(items)
		return nil
	}
	if err := push(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if err := push(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				f.logger.Warnf("recompute feed for %q: %v", viewerID, err)
			}
		}
	}
}
