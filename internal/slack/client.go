package slack

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// バックオフ設定 (テストで上書きできるよう変数にしている)
var (
	initialBackoff  = 1 * time.Second
	maxBackoffDelay = 30 * time.Second
	maxTotalTimeout = 2 * time.Minute
)

type Client struct {
	client         *slack.Client
	errorChannelID string
	enabled        bool
}

// NewClient creates a new Slack client. An empty token disables posting.
func NewClient(token, errorChannelID string, options ...slack.Option) *Client {
	if token == "" || errorChannelID == "" {
		return &Client{
			enabled: false,
		}
	}

	return &Client{
		client:         slack.New(token, options...),
		errorChannelID: errorChannelID,
		enabled:        true,
	}
}

// Enabled reports whether messages are actually sent.
func (c *Client) Enabled() bool {
	return c.enabled
}

// PostErrorMessage sends a message to the configured error channel
func (c *Client) PostErrorMessage(ctx context.Context, message string) error {
	return c.PostMessageToChannel(ctx, c.errorChannelID, message)
}

// NotifyFailure posts a generation failure without blocking the caller.
func (c *Client) NotifyFailure(ctx context.Context, message string) {
	if !c.enabled {
		return
	}
	// リクエストのキャンセルに巻き込まれないよう切り離す
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := c.PostErrorMessage(ctx, message); err != nil {
			log.Printf("[Slack] 非同期投稿エラー: %v", err)
		}
	}()
}

// PostMessageToChannel sends a message to a specific Slack channel.
// Rate-limited requests are retried with exponential backoff until
// maxTotalTimeout, after which the message is dropped silently.
func (c *Client) PostMessageToChannel(ctx context.Context, channelID, message string) error {
	if !c.enabled {
		log.Printf("[Slack] 通知スキップ (未設定)")
		return nil
	}

	// メッセージが空の場合は送信しない
	if message == "" {
		return nil
	}

	deadline := time.Now().Add(maxTotalTimeout)
	backoff := initialBackoff

	for {
		_, _, err := c.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(message, false))
		if err == nil {
			return nil
		}

		if !isRateLimitedError(err) {
			log.Printf("[Slack] 投稿エラー: %v", err)
			return err
		}

		if time.Now().Add(backoff).After(deadline) {
			log.Printf("[Slack] レート制限のため投稿を断念しました: %v", err)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoffDelay {
			backoff = maxBackoffDelay
		}
	}
}

// retryableError matches errors that expose a retry hint
type retryableError interface {
	Retryable() bool
	RetryAfter() time.Duration
}

func isRateLimitedError(err error) bool {
	if err == nil {
		return false
	}

	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return true
	}

	var re retryableError
	if errors.As(err, &re) && re.Retryable() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limited") ||
		strings.Contains(msg, "ratelimited") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429")
}
