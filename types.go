package blogapp

// User is a registered account's public profile.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	ProfileImage string `json:"profileImage"` // empty when no avatar was uploaded
	DOB          string `json:"dob"`
	Gender       string `json:"gender"`
	Hobbies      string `json:"hobbies"`
	Country      string `json:"country"`
}

// Post is a blog entry. UserName and ProfileImage are denormalized copies of
// the author's profile; LikeCount and SaveCount are owned by the Ledger.
type Post struct {
	ID           string   `json:"id"`
	Seq          int64    `json:"seq"` // insertion order, assigned on first write
	UserID       string   `json:"userId"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Images       []string `json:"images"`
	CreatedAt    int64    `json:"createdAt"` // unix milliseconds
	UserName     string   `json:"userName"`
	ProfileImage string   `json:"profileImage"`
	LikeCount    int      `json:"likeCount"`
	SaveCount    int      `json:"saveCount"`
}

// Comment lives under its post and is deleted with it.
type Comment struct {
	ID           string `json:"id"`
	PostID       string `json:"postId"`
	Seq          int64  `json:"seq"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	ProfileImage string `json:"profileImage"`
	Content      string `json:"content"`
	CreatedAt    int64  `json:"createdAt"`
}

// Key returns the comment's store key, "postID/commentID".
func (c Comment) Key() string {
	return CommentKey(c.PostID, c.ID)
}

// CommentKey joins a post id and a comment id into a comment store key.
func CommentKey(postID, commentID string) string {
	return postID + "/" + commentID
}

// Kind is the interaction a membership records.
type Kind string

const (
	Like Kind = "like"
	Save Kind = "save"
)

// Valid reports whether k is a known membership kind.
func (k Kind) Valid() bool {
	return k == Like || k == Save
}

// Collection is the name of the change-notification collection for k.
func (k Kind) Collection() string {
	if k == Save {
		return CollectionSaves
	}
	return CollectionLikes
}

// MembershipKey is the store key of a (user, post) membership.
func MembershipKey(userID, postID string) string {
	return userID + "/" + postID
}

// MembershipResult is the state after a toggle.
type MembershipResult struct {
	Active bool `json:"active"`
	Count  int  `json:"count"`
}

// FeedItem is a post as seen by one viewer.
type FeedItem struct {
	Post
	ViewerLiked bool `json:"viewerLiked"`
	ViewerSaved bool `json:"viewerSaved"`
}

// PostQuery selects posts. Zero fields match everything.
type PostQuery struct {
	AuthorID string
	IDs      []string
}

// CommentQuery selects comments. Zero fields match everything.
type CommentQuery struct {
	PostID   string
	AuthorID string
}

// FanoutRecord marks a user whose profile propagation did not fully apply.
type FanoutRecord struct {
	UserID    string `json:"userId"`
	Failed    int    `json:"failed"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Session identifies the authenticated viewer of a request.
type Session struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}
