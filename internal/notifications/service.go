package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"medpipe/internal/config"
)

const userAgent = "medpipe/0.1"

// Failure describes a study that reached a failure status.
type Failure struct {
	StudyID string
	Status  string
	Reasons []string
}

// Service is the notification surface used by the daemon.
type Service interface {
	NotifyStudyFailed(ctx context.Context, failure Failure) error
	TestNotification(ctx context.Context) error
	Enabled() bool
}

// NewService returns an ntfy-backed service, or a no-op when no topic is set.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: cfg.Notifications.Timeout()},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Enabled() bool { return true }

func (n *ntfyService) NotifyStudyFailed(ctx context.Context, failure Failure) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Study %s: %s", failure.StudyID, failure.Status)
	if len(failure.Reasons) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(failure.Reasons, ", "))
	}
	return n.send(ctx, message{
		title:    "medpipe - Study Failed",
		body:     b.String(),
		tags:     []string{"medpipe", failure.Status},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, message{
		title:    "medpipe - Test",
		body:     "Notification system test",
		tags:     []string{"medpipe", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Enabled() bool                                    { return false }
func (noopService) NotifyStudyFailed(context.Context, Failure) error { return nil }
func (noopService) TestNotification(context.Context) error           { return nil }
