package blogapp

import (
	"encoding/xml"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Haryuya11/BlogApp/views"
)

const rssItems = 50

type rssXML struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Items       []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Author      string `xml:"author,omitempty"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
}

func (a *App) handleRSS(c echo.Context) error {
	items, err := a.Service.Feed.ListFeed(c.Request().Context(), "")
	if err != nil {
		return err
	}
	if len(items) > rssItems {
		items = items[:rssItems]
	}
	return a.renderRSS(c, items)
}

func (a *App) renderRSS(c echo.Context, posts []FeedItem) error {
	base := a.Config.URL
	items := make([]rssItem, 0, len(posts))
	for _, p := range posts {
		postURL := views.PostURL(base, p.ID)
		items = append(items, rssItem{
			Title:       p.Title,
			Link:        postURL,
			Author:      p.UserName,
			Description: views.Excerpt(p.Content, 300),
			PubDate:     time.UnixMilli(p.CreatedAt).UTC().Format(time.RFC1123Z),
			GUID:        postURL,
		})
	}
	feed := rssXML{
		Version: "2.0",
		Channel: rssChannel{
			Title:       a.Config.Name,
			Link:        BuildURL(base),
			Description: "Latest posts on " + a.Config.Name,
			Items:       items,
		},
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/rss+xml; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Write([]byte(xml.Header))
	return xml.NewEncoder(c.Response()).Encode(feed)
}
