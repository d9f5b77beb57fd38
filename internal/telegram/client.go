// Package telegram delivers digests and operational notices via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/watchdigest/internal/digest"
	"github.com/rewired-gh/watchdigest/internal/models"
)

// maxMessageLen is Telegram's limit on a single message body.
const maxMessageLen = 4096

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client. chatID is the default chat for
// operational notices and for digests whose recipient is not a chat ID.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a job failure notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(job string, jobErr error) error {
	text := fmt.Sprintf("⚠️ *%s failed*\n`%s`", escapeMarkdownV2(job), escapeMarkdownV2(jobErr.Error()))
	return c.sendMarkdownV2(c.chatID, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(job string, failureCount int) error {
	text := fmt.Sprintf("✅ *%s recovered* after %d consecutive failure\\(s\\)", escapeMarkdownV2(job), failureCount)
	return c.sendMarkdownV2(c.chatID, text)
}

// SendDigest delivers one user's digest, split across messages if needed.
func (c *Client) SendDigest(d digest.Digest) error {
	chatID := c.chatID
	if id, err := strconv.ParseInt(strings.TrimSpace(d.Recipient), 10, 64); err == nil {
		chatID = id
	}
	for _, part := range splitMessage(formatDigest(d), maxMessageLen) {
		if err := c.sendMarkdownV2(chatID, part); err != nil {
			return fmt.Errorf("failed to send digest to %s: %w", d.UserID, err)
		}
	}
	return nil
}

// formatDigest formats a digest into a Telegram MarkdownV2 message.
func formatDigest(d digest.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📬 *Daily Digest* %s\n\n", escapeMarkdownV2(d.DayKey))

	for _, s := range d.Sections {
		fmt.Fprintf(&b, "%s *%s*\n", sectionEmoji(s.Kind), escapeMarkdownV2(s.Kind.Title()))
		for _, h := range s.Hits {
			b.WriteString(formatHit(h))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatHit(h models.HitRecord) string {
	code := "*" + escapeMarkdownV2(h.Code) + "*"
	if h.Name != "" {
		code += " " + escapeMarkdownV2(h.Name)
	}
	live := escapeMarkdownV2(fmt.Sprintf("$%.2f", h.Live))

	switch h.Intent {
	case models.IntentTargetHit:
		target := ""
		if h.Target != nil {
			target = escapeMarkdownV2(fmt.Sprintf("$%.2f", *h.Target))
		}
		return fmt.Sprintf("🎯 %s reached %s \\(%s\\)", code, target, live)
	case models.Intent52wHigh:
		return fmt.Sprintf("⬆️ %s 52W high at %s", code, live)
	case models.Intent52wLow:
		return fmt.Sprintf("⬇️ %s 52W low at %s", code, live)
	}

	switch h.Direction {
	case models.DirectionHigh, models.DirectionLow:
		return fmt.Sprintf("• %s at %s", code, live)
	}
	emoji := "📈"
	if h.Direction == models.DirectionDown {
		emoji = "📉"
	}
	pct := escapeMarkdownV2(fmt.Sprintf("%+.1f%%", h.PctChange))
	return fmt.Sprintf("%s %s *%s* \\(%s\\)", emoji, code, pct, live)
}

func sectionEmoji(k digest.SectionKind) string {
	switch k {
	case digest.SectionPersonal:
		return "⭐"
	case digest.Section52wLow:
		return "🔻"
	case digest.Section52wHigh:
		return "🔺"
	case digest.SectionLosers:
		return "📉"
	}
	return "📈"
}

// splitMessage breaks text on line boundaries into parts of at most limit
// bytes. A single line longer than limit is sent as its own part.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	var cur strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		if cur.Len() > 0 && cur.Len()+len(line) > limit {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
