package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

const bookmarksURL = `https://x.com/i/api/graphql/AbC123/Bookmarks?variables=%7B%22count%22%3A20%7D&features=%7B%22graphql_timeline_v2_bookmark_timeline%22%3Atrue%7D`

func bookmarksRequest() RequestEvent {
	return RequestEvent{
		URL: bookmarksURL,
		Headers: map[string]string{
			"Authorization": "Bearer AAAA",
			"Cookie":        "auth_token=1; ct0=abc",
			"X-Csrf-Token":  "abc",
		},
	}
}

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"*://*.x.com/*", "https://x.com/i/bookmarks", true},
		{"*://*.x.com/*", "https://api.x.com/graphql", true},
		{"*://*.x.com/*", "http://x.com/", true},
		{"*://*.x.com/*", "https://notx.com/", false},
		{"*://*.x.com/*", "https://x.com.evil.io/", false},
		{"*://*.notion.so/api/v3*", "https://www.notion.so/api/v3/getSpaces", true},
		{"*://*.notion.so/api/v3*", "https://www.notion.so/login", false},
		{"https://*.linkedin.com/*", "http://www.linkedin.com/feed", false},
	}

	for _, tt := range tests {
		m := &Matcher{Patterns: []string{tt.pattern}}
		if got := m.Matches(tt.url); got != tt.want {
			t.Errorf("%s matches %s = %v, want %v", tt.pattern, tt.url, got, tt.want)
		}
	}
}

func TestXBookmarksMatcher(t *testing.T) {
	m := XBookmarks()

	b, ok := m.Bundle(bookmarksRequest())
	require.True(t, ok)
	assert.Equal(t, "AbC123", b[KeyBookmarksAPIID])
	assert.Equal(t, `{"graphql_timeline_v2_bookmark_timeline":true}`, b[KeyFeatures])
	assert.Equal(t, "Bearer AAAA", b[KeyAuthorization])
	assert.Equal(t, "abc", b[KeyCSRFToken])

	missing := bookmarksRequest()
	delete(missing.Headers, "X-Csrf-Token")
	_, ok = m.Bundle(missing)
	assert.False(t, ok, "all headers are required")

	other := bookmarksRequest()
	other.URL = "https://x.com/i/api/graphql/AbC123/HomeTimeline?variables=%7B%7D"
	_, ok = m.Bundle(other)
	assert.False(t, ok, "only bookmark queries qualify")
}

func TestAwait_SingleShot(t *testing.T) {
	root := t.TempDir()
	c := NewCapture(root)
	m := XBookmarks()

	ch, cancel := c.Await("X Corp", "bookmarks", m)
	defer cancel()
	assert.Equal(t, 1, c.Pending())

	// non-matching traffic is ignored
	c.Observe(RequestEvent{URL: "https://x.com/home", Headers: map[string]string{"cookie": "c"}})
	assert.Equal(t, 1, c.Pending())

	c.Observe(bookmarksRequest())
	select {
	case b := <-ch:
		assert.Equal(t, "AbC123", b[KeyBookmarksAPIID])
	case <-time.After(time.Second):
		t.Fatal("bundle not delivered")
	}
	assert.Equal(t, 0, c.Pending(), "observer must de-register after first match")

	persisted, err := Read(c.Path("X Corp", "bookmarks", m))
	require.NoError(t, err)
	assert.Equal(t, "abc", persisted[KeyCSRFToken])

	// a second matching request does not reach the consumed observer
	c.Observe(bookmarksRequest())
	select {
	case <-ch:
		t.Fatal("single-shot observer received twice")
	default:
	}
}

func TestAwait_CancelDeregisters(t *testing.T) {
	c := NewCapture(t.TempDir())
	_, cancel := c.Await("Notion", "Notion", Notion("UTC"))
	cancel()
	assert.Equal(t, 0, c.Pending())
}

func TestConsume_RemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "X Corp", "bookmarks", "twitterCredentials.json")
	require.NoError(t, Save(path, domain.CredentialBundle{KeyCookie: "c"}))

	b, err := Consume(path)
	require.NoError(t, err)
	assert.Equal(t, "c", b[KeyCookie])

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWaitForFile_WakesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Notion", "Notion", "notionCredentials.json")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = Save(path, domain.CredentialBundle{KeySpaceID: "space-1"})
	}()

	b, err := WaitForFile(ctx, path, WaitOptions{InitialInterval: 50 * time.Millisecond, MaxInterval: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "space-1", b[KeySpaceID])
}

func TestWaitForFile_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.json")
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := WaitForFile(ctx, path, DefaultWaitOptions())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
