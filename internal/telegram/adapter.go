// internal/telegram/adapter.go

// Package telegram adapts the Telegram Bot API to the bridge's Transport
// surface: long-polled inbound updates, MarkdownV2 outbound rendering with
// a plain-text fallback, and in-place message edits for streaming.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/switchboard/internal/bridge"
)

const maxTelegramMessage = 4096

// IncomingFunc receives one inbound message from the transport.
type IncomingFunc func(externalID, text, senderName string)

// Transport implements bridge.Transport over the Telegram Bot API.
type Transport struct {
	bot *tgbotapi.BotAPI
	log *slog.Logger
}

// New creates a Telegram transport.
func New(token string, log *slog.Logger) (*Transport, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{bot: bot, log: log.With("transport", "telegram")}, nil
}

func (t *Transport) Name() string          { return "telegram" }
func (t *Transport) MaxMessageLength() int { return maxTelegramMessage }
func (t *Transport) SupportsEdits() bool   { return true }

// Start long-polls for updates and feeds text messages to handle until ctx
// is cancelled.
func (t *Transport) Start(ctx context.Context, handle IncomingFunc) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := t.bot.GetUpdatesChan(u)
	t.log.Info("polling for updates", "bot", t.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			msg := update.Message
			sender := ""
			if msg.From != nil {
				sender = msg.From.FirstName
				if sender == "" {
					sender = msg.From.UserName
				}
			}
			handle(strconv.FormatInt(msg.Chat.ID, 10), msg.Text, sender)
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}

// SendText sends text as MarkdownV2, retrying as plain text when Telegram
// rejects the formatting. The returned handle is the message id.
func (t *Transport) SendText(ctx context.Context, externalID, text string) (string, error) {
	chatID, err := parseChatID(externalID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chatID, ToMarkdownV2(text))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	sent, err := t.bot.Send(msg)
	if err != nil && isParseError(err) {
		plain := tgbotapi.NewMessage(chatID, text)
		sent, err = t.bot.Send(plain)
	}
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// EditText replaces a previously sent message's text. A "not modified"
// rejection maps to bridge.ErrUnchanged.
func (t *Transport) EditText(ctx context.Context, externalID, handle, text string) error {
	chatID, err := parseChatID(externalID)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(handle)
	if err != nil {
		return fmt.Errorf("bad message handle %q: %w", handle, err)
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, ToMarkdownV2(text))
	edit.ParseMode = tgbotapi.ModeMarkdownV2
	_, err = t.bot.Send(edit)
	if err != nil && isParseError(err) {
		plain := tgbotapi.NewEditMessageText(chatID, messageID, text)
		_, err = t.bot.Send(plain)
	}
	if err != nil {
		if isUnchanged(err) {
			return bridge.ErrUnchanged
		}
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// SetTyping signals the "typing…" chat action. Telegram actions expire on
// their own, so clearing is a no-op.
func (t *Transport) SetTyping(ctx context.Context, externalID string, typing bool) error {
	if !typing {
		return nil
	}
	chatID, err := parseChatID(externalID)
	if err != nil {
		return err
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		return fmt.Errorf("chat action: %w", err)
	}
	return nil
}

func parseChatID(externalID string) (int64, error) {
	chatID, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad chat id %q: %w", externalID, err)
	}
	return chatID, nil
}

func isUnchanged(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
