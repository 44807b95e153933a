package views

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"
)

// buildURL joins path segments onto a base URL, ensuring a trailing slash.
func buildURL(base string, pathSegments ...string) string {
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

// PostURL is the canonical page of a post.
func PostURL(base, id string) string {
	return buildURL(base, "post", id)
}

func postPath(id string) string {
	return "/post/" + PathEscape(id) + "/"
}

func postMeta(site SiteConfig, post PostCard) PageMeta {
	return PageMeta{Title: post.Title, Description: Excerpt(post.Content, 160), URL: PostURL(site.URL, post.ID)}
}

// pageTitle suffixes the site name unless the page is the site root.
func pageTitle(site SiteConfig, meta PageMeta) string {
	if meta.Title == "" {
		return site.Name
	}
	return meta.Title + " | " + site.Name
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

func commentsHeading(n int) string {
	return fmt.Sprintf("Comments (%d)", n)
}

// PathEscape wraps url.PathEscape for use in templates.
func PathEscape(s string) string {
	return url.PathEscape(s)
}

// Excerpt shortens content to at most n runes on a word boundary.
func Excerpt(content string, n int) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	runes := []rune(content)
	cut := string(runes[:n])
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

// Initial is the avatar placeholder letter for a user without an image.
func Initial(name string) string {
	r, _ := utf8.DecodeRuneInString(strings.TrimSpace(name))
	if r == utf8.RuneError {
		return "?"
	}
	return strings.ToUpper(string(r))
}

// BlogPostingJsonLD produces a Schema.org BlogPosting JSON-LD block for a post.
func BlogPostingJsonLD(cfg SiteConfig, post PostCard) string {
	postURL := PostURL(cfg.URL, post.ID)
	data := map[string]interface{}{
		"@context": "https://schema.org",
		"@type":    "BlogPosting",
		"headline": post.Title,
		"url":      postURL,
		"author": map[string]string{
			"@type": "Person",
			"name":  post.AuthorName,
		},
		"publisher": map[string]string{
			"@type": "Organization",
			"name":  cfg.Name,
		},
		"mainEntityOfPage": map[string]string{
			"@type": "WebPage",
			"@id":   postURL,
		},
	}
	if len(post.Images) > 0 {
		data["image"] = post.Images
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// jsonLDScript wraps BlogPostingJsonLD in its script element. json.Marshal
// escapes <, > and &, so the payload cannot close the element early.
func jsonLDScript(cfg SiteConfig, post PostCard) string {
	return `<script type="application/ld+json">` + BlogPostingJsonLD(cfg, post) + `</script>`
}
