package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
)

// SlackNotifier posts to an incoming webhook, retrying 429 and 5xx replies
type SlackNotifier struct {
	webhookURL string
	client     *driver.Client
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Title    string       `json:"title,omitempty"`
	Text     string       `json:"text"`
	Fields   []slackField `json:"fields,omitempty"`
	Footer   string       `json:"footer,omitempty"`
	Fallback string       `json:"fallback,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for webhookURL. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return newSlackNotifier(webhookURL, driver.ClientConfig{
		RateLimit:      1,
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		Timeout:        10 * time.Second,
	})
}

func newSlackNotifier(webhookURL string, cfg driver.ClientConfig) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, client: driver.NewClient(cfg)}
}

func slackColor(s Severity) string {
	switch s {
	case SeveritySuccess:
		return "good"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "danger"
	default:
		return "#439FE0"
	}
}

func slackPayload(n Notification) slackMessage {
	att := slackAttachment{
		Color:    slackColor(n.Severity),
		Title:    n.Platform,
		Text:     n.Message,
		Footer:   "Surfer",
		Fallback: n.Title + ": " + n.Message,
	}
	if n.RunID != "" {
		att.Footer = "Surfer · run " + n.RunID
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slackField{Title: f.Name, Value: f.Value, Short: true})
	}
	return slackMessage{Text: n.Title, Attachments: []slackAttachment{att}}
}

func (s *SlackNotifier) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	if err := s.client.JSON(ctx, http.MethodPost, s.webhookURL, nil, slackPayload(n), nil); err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	return nil
}
