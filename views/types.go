package views

// SiteConfig holds site-wide settings every page needs.
type SiteConfig struct {
	Name string
	URL  string
}

// PageMeta carries per-page SEO metadata into the <head> template.
type PageMeta struct {
	Title       string
	Description string
	URL         string // canonical
}

// PostCard is a post as rendered for one viewer.
type PostCard struct {
	ID           string
	Title        string
	Content      string
	Images       []string
	CreatedAt    string // already formatted for display
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	LikeCount    int
	SaveCount    int
	Liked        bool
	Saved        bool
}

// CommentView is a rendered comment.
type CommentView struct {
	AuthorName   string
	AuthorAvatar string
	Content      string
	CreatedAt    string
}

// Viewer is the signed-in user shown in the header, if any.
type Viewer struct {
	ID   string
	Name string
	CSRF string
}

// PendingFanout is a user whose profile propagation still needs a retry.
type PendingFanout struct {
	UserID    string
	Failed    int
	UpdatedAt string
}
