package handler

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/cataclysm/internal/model"
	"github.com/hitoshi/cataclysm/internal/post"
)

// FeedServiceInterface はRSSフィードのハンドラーが必要とするサービスインターフェース。
type FeedServiceInterface interface {
	Latest(ctx context.Context) ([]*model.Post, error)
}

// FeedHandlerConfig はRSSフィードの設定。
type FeedHandlerConfig struct {
	BaseURL     string // 記事リンクの基点（例: https://cataclysm.example.com）
	Title       string
	Description string
}

// FeedHandler はRSS 2.0フィードを返すHTTPハンドラー。
type FeedHandler struct {
	service FeedServiceInterface
	config  FeedHandlerConfig
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(service FeedServiceInterface, config FeedHandlerConfig) *FeedHandler {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Title == "" {
		config.Title = "cataclysm"
	}
	if config.Description == "" {
		config.Description = post.DefaultDescription
	}
	return &FeedHandler{service: service, config: config}
}

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate,omitempty"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string  `xml:"title"`
	Link        string  `xml:"link"`
	GUID        rssGUID `xml:"guid"`
	Description string  `xml:"description"`
	Author      string  `xml:"author,omitempty"`
	Category    string  `xml:"category,omitempty"`
	PubDate     string  `xml:"pubDate"`
}

type rssGUID struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// Feed は最新記事のRSS 2.0フィードを返す。
// GET /feed.xml
func (h *FeedHandler) Feed(w http.ResponseWriter, r *http.Request) {
	posts, err := h.service.Latest(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	doc := rssDocument{
		Version: "2.0",
		Channel: rssChannel{
			Title:       h.config.Title,
			Link:        h.config.BaseURL + "/",
			Description: h.config.Description,
			Items:       make([]rssItem, 0, len(posts)),
		},
	}
	if len(posts) > 0 {
		doc.Channel.LastBuildDate = posts[0].CreatedAt.UTC().Format(time.RFC1123Z)
	}

	for _, p := range posts {
		link := h.config.BaseURL + post.PostPath(p.ID)
		description := p.Excerpt
		if description == "" {
			description = post.Description(p.Content)
		}
		item := rssItem{
			Title:       post.CapitalizeFirst(p.Title),
			Link:        link,
			GUID:        rssGUID{IsPermaLink: true, Value: link},
			Description: description,
			Author:      p.Author,
			PubDate:     p.CreatedAt.UTC().Format(time.RFC1123Z),
		}
		if p.Category != nil {
			item.Category = p.Category.Title
		}
		doc.Channel.Items = append(doc.Channel.Items, item)
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		slog.Warn("failed to encode rss feed", slog.String("error", err.Error()))
	}
}
