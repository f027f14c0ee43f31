// Package telegram wraps github.com/go-telegram/bot into the small
// surface ccbot's Dispatcher, StatusPoller, and MessageQueue actually
// need: sending/editing/deleting topic messages with inline keyboards,
// forum-topic management, and file download for voice/photo uploads.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/beastoin/ccbot/internal/logging"
)

// Button is one inline-keyboard button: Data is the callback payload
// echoed back in Update.CallbackQuery.Data.
type Button struct {
	Label string
	Data  string
}

// Update is the subset of an inbound Telegram update Dispatcher reacts
// to, normalized across message/callback/command shapes.
type Update struct {
	UpdateID      int64
	ChatID        int64
	ThreadID      int64
	UserID        int64
	Text          string
	Command       string
	CallbackID    string
	CallbackData  string
	CallbackMsgID int
	VoiceFileID   string
	PhotoFileID   string
}

// Handler receives normalized updates off the bot's long-poll loop.
type Handler func(context.Context, Update)

// Client is ccbot's Telegram surface.
type Client struct {
	bot     *tgbot.Bot
	log     *logging.Logger
	handler Handler
}

// New constructs a Client and registers handler as the default update
// handler. Call Run to start long polling.
func New(token string, log *logging.Logger, handler Handler) (*Client, error) {
	c := &Client{log: log, handler: handler}
	opts := []tgbot.Option{
		tgbot.WithDefaultHandler(c.handleUpdate),
		tgbot.WithErrorsHandler(func(err error) {
			if err != nil && log != nil {
				log.Error("telegram error", "err", err.Error())
			}
		}),
	}
	b, err := tgbot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = b
	return c, nil
}

// Run starts long polling until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.bot.Start(ctx)
}

func (c *Client) handleUpdate(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	u := Update{UpdateID: int64(update.ID)}
	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		u.CallbackID = cq.ID
		u.CallbackData = cq.Data
		u.UserID = cq.From.ID
		if cq.Message.Message != nil {
			u.ChatID = cq.Message.Message.Chat.ID
			u.CallbackMsgID = cq.Message.Message.ID
			if cq.Message.Message.MessageThreadID != 0 {
				u.ThreadID = int64(cq.Message.Message.MessageThreadID)
			}
		}
	case update.Message != nil:
		msg := update.Message
		u.ChatID = msg.Chat.ID
		if msg.From != nil {
			u.UserID = msg.From.ID
		}
		u.Text = msg.Text
		if int64(msg.MessageThreadID) != 0 {
			u.ThreadID = int64(msg.MessageThreadID)
		}
		if msg.Voice != nil {
			u.VoiceFileID = msg.Voice.FileID
		}
		if len(msg.Photo) > 0 {
			u.PhotoFileID = msg.Photo[len(msg.Photo)-1].FileID
		}
		if len(msg.Text) > 0 && msg.Text[0] == '/' {
			u.Command = msg.Text
		}
	default:
		return
	}
	c.handler(ctx, u)
}

func inlineKeyboard(rows [][]Button) *models.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]models.InlineKeyboardButton, len(rows))
	for i, row := range rows {
		kb[i] = make([]models.InlineKeyboardButton, len(row))
		for j, btn := range row {
			kb[i][j] = models.InlineKeyboardButton{Text: btn.Label, CallbackData: btn.Data}
		}
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: kb}
}

// SendOptions controls parse mode and keyboard for SendMessage.
type SendOptions struct {
	ThreadID  int64
	ParseMode string // "MarkdownV2", "HTML", or "" for plain
	Keyboard  [][]Button
}

// SendMessage sends text to chatID, returning the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error) {
	params := &tgbot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: inlineKeyboard(opts.Keyboard),
	}
	if opts.ThreadID != 0 {
		params.MessageThreadID = int(opts.ThreadID)
	}
	if opts.ParseMode != "" {
		params.ParseMode = models.ParseMode(opts.ParseMode)
	}
	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// EditMessageText replaces messageID's text in chatID.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, opts SendOptions) error {
	params := &tgbot.EditMessageTextParams{
		ChatID:      chatID,
		MessageID:   messageID,
		Text:        text,
		ReplyMarkup: inlineKeyboard(opts.Keyboard),
	}
	if opts.ParseMode != "" {
		params.ParseMode = models.ParseMode(opts.ParseMode)
	}
	_, err := c.bot.EditMessageText(ctx, params)
	return err
}

// DeleteMessage removes messageID from chatID.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := c.bot.DeleteMessage(ctx, &tgbot.DeleteMessageParams{ChatID: chatID, MessageID: messageID})
	return err
}

// SendChatAction sends a transient chat action ("typing") to chatID.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, threadID int64, action string) error {
	params := &tgbot.SendChatActionParams{ChatID: chatID, Action: models.ChatAction(action)}
	if threadID != 0 {
		params.MessageThreadID = int(threadID)
	}
	_, err := c.bot.SendChatAction(ctx, params)
	return err
}

// SendPhoto uploads a pane-screenshot image to chatID.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, threadID int64, filename string, data []byte, caption string) error {
	params := &tgbot.SendPhotoParams{
		ChatID:  chatID,
		Photo:   &models.InputFileUpload{Filename: filename, Data: bytes.NewReader(data)},
		Caption: caption,
	}
	if threadID != 0 {
		params.MessageThreadID = int(threadID)
	}
	_, err := c.bot.SendPhoto(ctx, params)
	return err
}

// CreateForumTopic creates a new topic in chatID with the given name,
// returning its thread id.
func (c *Client) CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error) {
	topic, err := c.bot.CreateForumTopic(ctx, &tgbot.CreateForumTopicParams{ChatID: chatID, Name: name})
	if err != nil {
		return 0, err
	}
	return int64(topic.MessageThreadID), nil
}

// EditForumTopicName renames threadID's forum topic.
func (c *Client) EditForumTopicName(ctx context.Context, chatID, threadID int64, name string) error {
	_, err := c.bot.EditForumTopic(ctx, &tgbot.EditForumTopicParams{
		ChatID:          chatID,
		MessageThreadID: int(threadID),
		Name:            name,
	})
	return err
}

// CloseForumTopic closes threadID's forum topic.
func (c *Client) CloseForumTopic(ctx context.Context, chatID, threadID int64) error {
	_, err := c.bot.CloseForumTopic(ctx, &tgbot.CloseForumTopicParams{ChatID: chatID, MessageThreadID: int(threadID)})
	return err
}

// ProbeTopic issues a harmless write operation against threadID's topic
// to detect whether it still exists (Telegram returns "Topic_id_invalid"
// for topics the user deleted out-of-band).
func (c *Client) ProbeTopic(ctx context.Context, chatID, threadID int64) error {
	_, err := c.bot.UnpinAllForumTopicMessages(ctx, &tgbot.UnpinAllForumTopicMessagesParams{
		ChatID:          chatID,
		MessageThreadID: int(threadID),
	})
	return err
}

// AnswerCallbackQuery acknowledges a button press, optionally showing a
// transient toast.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	_, err := c.bot.AnswerCallbackQuery(ctx, &tgbot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	return err
}

// DownloadFile resolves fileID to bytes via getFile + the file download
// URL, used for inbound voice/photo messages.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &tgbot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("getFile: %w", err)
	}
	url := c.bot.FileDownloadLink(file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
