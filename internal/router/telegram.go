package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/kangkukjin/indiebizos/internal/bus"
	"github.com/kangkukjin/indiebizos/internal/engine"
	"github.com/kangkukjin/indiebizos/internal/task"
)

// Telegram hard limit per message.
const telegramMaxMessageLen = 4096

// TelegramChannel sends final answers to Telegram chats and optionally
// long-polls for inbound requests. The origin handle is the chat id.
type TelegramChannel struct {
	bot     *telego.Bot
	limiter *rate.Limiter
}

// NewTelegramChannel creates the channel from a bot token.
func NewTelegramChannel(token string) (*TelegramChannel, error) {
	bot, err := telego.NewBot(token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	// Bot API allows ~30 messages/second overall; stay under it.
	return &TelegramChannel{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Every(40*time.Millisecond), 1),
	}, nil
}

// Sender adapts the channel to the router's delivery surface.
func (c *TelegramChannel) Sender() DeliverFunc {
	return func(ctx context.Context, t *task.Task, answer string) error {
		chatID, err := strconv.ParseInt(t.OriginHandle, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram origin handle %q: %w", t.OriginHandle, err)
		}
		for _, chunk := range chunkText(answer, telegramMaxMessageLen) {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
				return fmt.Errorf("telegram send to %d: %w", chatID, err)
			}
		}
		return nil
	}
}

// Listen long-polls Telegram and submits each inbound message as a root
// request to the given scope. Update ids are deduplicated so a restart of
// the long-poll offset never double-creates tasks.
func (c *TelegramChannel) Listen(ctx context.Context, scope string, submit SubmitFunc, dedupe *bus.DedupeCache) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("telegram long polling: %w", err)
	}
	slog.Info("telegram listener started", "scope", scope)
	for update := range updates {
		msg := update.Message
		if msg == nil || msg.Text == "" {
			continue
		}
		if dedupe != nil && dedupe.IsDuplicate("tg:"+strconv.Itoa(update.UpdateID)) {
			continue
		}
		requester := "telegram"
		if msg.From != nil && msg.From.Username != "" {
			requester = "telegram:" + msg.From.Username
		}
		err := submit(ctx, engine.Submission{
			Scope:        scope,
			Content:      msg.Text,
			Requester:    requester,
			Channel:      task.ChannelTelegram,
			OriginHandle: strconv.FormatInt(msg.Chat.ID, 10),
		})
		if err != nil {
			slog.Warn("telegram submit rejected", "chat_id", msg.Chat.ID, "error", err)
			if werr := c.limiter.Wait(ctx); werr == nil {
				_, _ = c.bot.SendMessage(ctx, tu.Message(tu.ID(msg.Chat.ID), "Request rejected: "+err.Error()))
			}
		}
	}
	return nil
}

// chunkText splits text into chunks of at most limit bytes, preferring
// newline boundaries so messages stay readable.
func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
