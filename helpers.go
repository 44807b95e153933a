package blogapp

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Haryuya11/BlogApp/views"
)

// DisplayLayout is the user-facing timestamp format.
const DisplayLayout = "02/01/2006 15:04"

// FormatTimestamp renders a unix-millisecond timestamp for display. Storage
// and ordering always use the integer.
func FormatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).Local().Format(DisplayLayout)
}

// BuildURL joins a base URL with path segments, ensuring a trailing slash.
func BuildURL(base string, pathSegments ...string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	u.Path = path.Join(u.Path, path.Join(pathSegments...))
	if len(pathSegments) > 0 && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}

func toCard(it FeedItem) views.PostCard {
	return views.PostCard{
		ID:           it.ID,
		Title:        it.Title,
		Content:      it.Content,
		Images:       it.Images,
		CreatedAt:    FormatTimestamp(it.CreatedAt),
		AuthorID:     it.UserID,
		AuthorName:   it.UserName,
		AuthorAvatar: it.ProfileImage,
		LikeCount:    it.LikeCount,
		SaveCount:    it.SaveCount,
		Liked:        it.ViewerLiked,
		Saved:        it.ViewerSaved,
	}
}

func toCards(items []FeedItem) []views.PostCard {
	cards := make([]views.PostCard, 0, len(items))
	for _, it := range items {
		cards = append(cards, toCard(it))
	}
	return cards
}

func toCommentViews(comments []Comment) []views.CommentView {
	out := make([]views.CommentView, 0, len(comments))
	for _, c := range comments {
		out = append(out, views.CommentView{
			AuthorName:   c.UserName,
			AuthorAvatar: c.ProfileImage,
			Content:      c.Content,
			CreatedAt:    FormatTimestamp(c.CreatedAt),
		})
	}
	return out
}
