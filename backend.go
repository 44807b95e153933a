package blogapp

import "context"

// Collection names used for keys and change notifications.
const (
	CollectionUsers    = "users"
	CollectionPosts    = "posts"
	CollectionComments = "comments"
	CollectionLikes    = "likes"
	CollectionSaves    = "saves"
)

// Backend is the persistence contract behind Store. SQLStore is the default
// implementation; mongostore provides a MongoDB one.
//
// Implementations return ErrNotFound for missing entities and wrap every
// driver failure with ErrStorageUnavailable.
type Backend interface {
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)

	// PutPost inserts or overwrites a post and returns it as stored. An
	// existing post keeps its Seq, its author fields and its like/save
	// counters.
	PutPost(ctx context.Context, p Post) (Post, error)
	GetPost(ctx context.Context, id string) (Post, error)
	// QueryPosts returns matching posts newest-first by insertion order.
	QueryPosts(ctx context.Context, q PostQuery) ([]Post, error)
	// DeletePost removes the post with its comments and memberships.
	DeletePost(ctx context.Context, id string) error
	SetPostAuthor(ctx context.Context, postID, name string, avatar *string) error

	// PutComment inserts a comment or rewrites the content of an existing one.
	PutComment(ctx context.Context, c Comment) (Comment, error)
	GetComment(ctx context.Context, postID, id string) (Comment, error)
	// QueryComments returns matching comments in insertion order.
	QueryComments(ctx context.Context, q CommentQuery) ([]Comment, error)
	SetCommentAuthor(ctx context.Context, postID, id, name string, avatar *string) error

	// ToggleMembership flips the (user, post, kind) membership and applies
	// the matching counter delta as one atomic step.
	ToggleMembership(ctx context.Context, userID, postID string, kind Kind) (MembershipResult, error)
	HasMembership(ctx context.Context, userID, postID string, kind Kind) (bool, error)
	MemberPosts(ctx context.Context, userID string, kind Kind) ([]string, error)
	CountMembers(ctx context.Context, postID string, kind Kind) (int, error)
	// RecountMembers atomically sets a post counter to the size of its
	// membership set and reports the value it replaced.
	RecountMembers(ctx context.Context, postID string, kind Kind) (was, now int, err error)

	RecordFanout(ctx context.Context, rec FanoutRecord) error
	ClearFanout(ctx context.Context, userID string) error
	PendingFanouts(ctx context.Context) ([]FanoutRecord, error)

	Close() error
}
