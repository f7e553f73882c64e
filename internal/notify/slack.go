// Package notify posts fire-and-forget notifications to a Slack-compatible
// webhook. Delivery failures are retried a few times and then logged, they
// never influence the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/repotools/depsync/internal/logfields"
)

const maxRetries = 3

// SlackNotifier posts messages to a webhook URL.
// An empty webhook URL disables the notifier, Send becomes a no-op.
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

type message struct {
	Text string `json:"text"`
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.L().Named("notify"),
	}
}

// Enabled returns true if a webhook URL is configured.
func (n *SlackNotifier) Enabled() bool {
	return n.webhookURL != ""
}

// Send posts text to the webhook. Errors are logged, not returned.
func (n *SlackNotifier) Send(ctx context.Context, text string) {
	if !n.Enabled() {
		return
	}

	err := n.post(ctx, text)
	if err != nil {
		n.logger.Warn("posting notification failed",
			logfields.Event("notification_failed"),
			zap.Error(err),
		)

		return
	}

	n.logger.Debug("notification posted", logfields.Event("notification_posted"))
}

func (n *SlackNotifier) post(ctx context.Context, text string) error {
	payload, err := json.Marshal(&message{Text: text})
	if err != nil {
		return fmt.Errorf("marshalling notification payload failed: %w", err)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries),
		ctx,
	)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return err
		}

		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 400 {
			err := fmt.Errorf("webhook returned status %s", resp.Status)
			if resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}

		return nil
	}, bo)
}
