package router

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/kangkukjin/indiebizos/internal/task"
)

// SlackChannel posts final answers to Slack. The origin handle is the
// Slack channel (or DM) id.
type SlackChannel struct {
	api     *slack.Client
	limiter *rate.Limiter
}

// NewSlackChannel creates the channel from a bot token.
func NewSlackChannel(token string) *SlackChannel {
	// chat.postMessage is rate limited to about one message per second
	// per channel.
	return &SlackChannel{
		api:     slack.New(token),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Sender adapts the channel to the router's delivery surface.
func (c *SlackChannel) Sender() DeliverFunc {
	return func(ctx context.Context, t *task.Task, answer string) error {
		if t.OriginHandle == "" {
			return fmt.Errorf("slack delivery without a channel id")
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, _, err := c.api.PostMessageContext(ctx, t.OriginHandle,
			slack.MsgOptionText(answer, false))
		if err != nil {
			return fmt.Errorf("slack post to %s: %w", t.OriginHandle, err)
		}
		return nil
	}
}
