// Package xcorp exports X bookmarks through the web client's GraphQL API.
package xcorp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
)

const (
	Company = "X Corp"
	Key     = "bookmarks"

	bookmarksPage = "https://x.com/i/bookmarks/all"
	isoMillis     = "2006-01-02T15:04:05.000Z"
)

// Config configures the bookmarks driver
type Config struct {
	// BaseURL of the API host (default: https://x.com)
	BaseURL string
	// PageSize is the number of bookmarks requested per page (default: 100)
	PageSize int
	// StopAfter consecutive already-exported bookmarks (default: 3)
	StopAfter int
	Client    driver.ClientConfig
}

// Bookmarks is the X bookmarks driver
type Bookmarks struct {
	cfg    Config
	client *driver.Client
}

// New creates the bookmarks driver
func New(cfg Config) *Bookmarks {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://x.com"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Bookmarks{cfg: cfg, client: driver.NewClient(cfg.Client)}
}

// Run pages through bookmarks newest first, submitting unseen ones and
// stopping once StopAfter consecutive bookmarks are already exported
func (b *Bookmarks) Run(ctx context.Context, inv driver.Invocation, host driver.Host) (domain.Outcome, error) {
	if inv.Attempt <= 1 {
		host.Log("Navigating to bookmarks")
		if err := host.Navigate(bookmarksPage); err != nil {
			return domain.Outcome{}, err
		}
	}

	creds, err := host.Credentials(ctx, credentials.XBookmarks())
	if err != nil {
		if errors.Is(err, domain.ErrAuthRequired) {
			host.Log("Sign in to X to continue")
			return domain.ConnectWebsite, nil
		}
		return domain.Outcome{}, err
	}
	host.Log("Credentials obtained")

	streak := driver.NewStreak(b.cfg.StopAfter)
	cursor := ""
	added := 0
	for {
		entries, err := b.fetchPage(ctx, creds, cursor)
		if err != nil {
			var se *driver.StatusError
			if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
				host.Log("Session expired, sign in again")
				return domain.ConnectWebsite, nil
			}
			return domain.Outcome{}, fmt.Errorf("fetching bookmarks: %w", err)
		}

		tweets, submitted := 0, 0
		for _, e := range entries {
			if !strings.HasPrefix(e.EntryID, "tweet-") {
				continue
			}
			tweets++
			rec := parseTweet(e)

			exists, err := host.Exists(rec)
			if err != nil {
				return domain.Outcome{}, err
			}
			if streak.Observe(exists) {
				host.Log(fmt.Sprintf("No new bookmarks in the last %d, stopping", streak.Count()))
				return b.done(host, added+submitted), nil
			}
			if exists {
				continue
			}
			if err := host.Submit(rec); err != nil {
				return domain.Outcome{}, err
			}
			submitted++
		}
		added += submitted

		cursor = nextCursor(entries)
		if cursor == "" || tweets == 0 {
			return b.done(host, added), nil
		}
		host.Log(fmt.Sprintf("Added %d bookmarks, getting more", submitted))
	}
}

func (b *Bookmarks) done(host driver.Host, added int) domain.Outcome {
	host.Log(fmt.Sprintf("Finished updating bookmarks, %d new", added))
	return domain.UpdateComplete
}

func (b *Bookmarks) fetchPage(ctx context.Context, creds domain.CredentialBundle, cursor string) ([]entry, error) {
	variables, err := json.Marshal(map[string]any{
		"count":                  b.cfg.PageSize,
		"cursor":                 cursor,
		"includePromotedContent": false,
	})
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("features", creds[credentials.KeyFeatures])
	q.Set("variables", string(variables))
	endpoint := fmt.Sprintf("%s/i/api/graphql/%s/Bookmarks?%s",
		strings.TrimSuffix(b.cfg.BaseURL, "/"), url.PathEscape(creds[credentials.KeyBookmarksAPIID]), q.Encode())

	var resp bookmarksResponse
	headers := map[string]string{
		"Cookie":        creds[credentials.KeyCookie],
		"X-Csrf-Token":  creds[credentials.KeyCSRFToken],
		"Authorization": creds[credentials.KeyAuthorization],
	}
	if err := b.client.JSON(ctx, http.MethodGet, endpoint, headers, nil, &resp); err != nil {
		return nil, err
	}

	instructions := resp.Data.BookmarkTimelineV2.Timeline.Instructions
	if len(instructions) == 0 {
		return nil, nil
	}
	return instructions[0].Entries, nil
}

type bookmarksResponse struct {
	Data struct {
		BookmarkTimelineV2 struct {
			Timeline struct {
				Instructions []struct {
					Entries []entry `json:"entries"`
				} `json:"instructions"`
			} `json:"timeline"`
		} `json:"bookmark_timeline_v2"`
	} `json:"data"`
}

type entry struct {
	EntryID string `json:"entryId"`
	Content struct {
		Value       string `json:"value"`
		ItemContent struct {
			TweetResults struct {
				Result tweetResult `json:"result"`
			} `json:"tweet_results"`
		} `json:"itemContent"`
	} `json:"content"`
}

type tweetResult struct {
	// Tweet is set instead of the top-level fields for visibility-limited tweets
	Tweet *tweetResult `json:"tweet"`
	Core  struct {
		UserResults struct {
			Result struct {
				Legacy struct {
					ScreenName string `json:"screen_name"`
				} `json:"legacy"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy struct {
		FullText  string `json:"full_text"`
		CreatedAt string `json:"created_at"`
		Entities  struct {
			Media []media `json:"media"`
		} `json:"entities"`
		ExtendedEntities struct {
			Media []struct {
				VideoInfo struct {
					Variants []variant `json:"variants"`
				} `json:"video_info"`
			} `json:"media"`
		} `json:"extended_entities"`
	} `json:"legacy"`
}

type media struct {
	Type          string `json:"type"`
	MediaURLHTTPS string `json:"media_url_https"`
}

type variant struct {
	Bitrate     int    `json:"bitrate"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

func parseTweet(e entry) domain.Record {
	tweet := &e.Content.ItemContent.TweetResults.Result
	if tweet.Tweet != nil {
		tweet = tweet.Tweet
	}

	rec := domain.Record{
		"id":       e.EntryID,
		"text":     tweet.Legacy.FullText,
		"username": tweet.Core.UserResults.Result.Legacy.ScreenName,
		"media":    nil,
	}
	if t, err := time.Parse(time.RubyDate, tweet.Legacy.CreatedAt); err == nil {
		rec["timestamp"] = t.UTC().Format(isoMillis)
	}
	if m := mediaInfo(tweet); m != nil {
		rec["media"] = m
	}
	return rec
}

func mediaInfo(tweet *tweetResult) map[string]any {
	if len(tweet.Legacy.Entities.Media) == 0 {
		return nil
	}
	m := tweet.Legacy.Entities.Media[0]
	source := m.MediaURLHTTPS
	if m.Type == "video" || m.Type == "animated_gif" {
		if ext := tweet.Legacy.ExtendedEntities.Media; len(ext) > 0 {
			if best := bestMP4(ext[0].VideoInfo.Variants); best != "" {
				source = best
			}
		}
	}
	return map[string]any{"type": m.Type, "source": source}
}

func bestMP4(variants []variant) string {
	best := -1
	url := ""
	for _, v := range variants {
		if v.ContentType != "video/mp4" {
			continue
		}
		if v.Bitrate > best {
			best = v.Bitrate
			url = v.URL
		}
	}
	return url
}

func nextCursor(entries []entry) string {
	for _, e := range entries {
		if strings.HasPrefix(e.EntryID, "cursor-bottom-") {
			return e.Content.Value
		}
	}
	return ""
}
