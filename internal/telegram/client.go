package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.telegram.org"

// Client is a minimal Bot API client over net/http. One Client serves one
// bot token; the relay holds one per managed credential plus one for the
// controller.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	} else {
		b, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return marshalErr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var envelope apiResponse
	_ = json.Unmarshal(raw, &envelope)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.OK {
		return &RequestError{
			StatusCode:  resp.StatusCode,
			ErrorCode:   envelope.ErrorCode,
			Description: envelope.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", nil, nil)
}

// GetUpdates long-polls for the next batch of updates and returns the
// advanced offset. The request deadline is the poll timeout plus slack so
// the server side expires first.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	method := fmt.Sprintf("getUpdates?timeout=%d", secs)
	if offset > 0 {
		method += fmt.Sprintf("&offset=%d", offset)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var updates []Update
	if err := c.call(reqCtx, method, nil, &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

type sendMessageRequest struct {
	ChatID                int64                 `json:"chat_id"`
	Text                  string                `json:"text"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
	ReplyToMessageID      int64                 `json:"reply_to_message_id,omitempty"`
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendOptions carries the optional knobs of sendMessage.
type SendOptions struct {
	ReplyToMessageID int64
	ReplyMarkup      *InlineKeyboardMarkup
}

// Conservative split point below Telegram's 4096-char message limit.
const maxMessageLen = 3500

// SendMessage sends text, splitting it into sequential chunks when it
// exceeds the platform limit. The reply reference goes on the first chunk
// and the keyboard on the last; the first sent message is returned.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (*Message, error) {
	var first *Message
	remaining := text
	for {
		chunk := remaining
		if len(chunk) > maxMessageLen {
			chunk = chunk[:maxMessageLen]
		}
		remaining = strings.TrimSpace(remaining[len(chunk):])

		req := sendMessageRequest{
			ChatID:                chatID,
			Text:                  chunk,
			DisableWebPagePreview: true,
		}
		if opts != nil {
			if first == nil {
				req.ReplyToMessageID = opts.ReplyToMessageID
			}
			if remaining == "" {
				req.ReplyMarkup = opts.ReplyMarkup
			}
		}
		var msg Message
		if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
			return nil, err
		}
		if first == nil {
			first = &msg
		}
		if remaining == "" {
			return first, nil
		}
	}
}

type forwardMessageRequest struct {
	ChatID     int64 `json:"chat_id"`
	FromChatID int64 `json:"from_chat_id"`
	MessageID  int64 `json:"message_id"`
}

// ForwardMessage forwards a message and returns the copy as seen in the
// destination chat; its MessageID is the reply handle the relay records.
func (c *Client) ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) (*Message, error) {
	var msg Message
	req := forwardMessageRequest{ChatID: chatID, FromChatID: fromChatID, MessageID: messageID}
	if err := c.call(ctx, "forwardMessage", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

type sendFileRequest struct {
	ChatID   int64  `json:"chat_id"`
	Photo    string `json:"photo,omitempty"`
	Video    string `json:"video,omitempty"`
	Document string `json:"document,omitempty"`
	Audio    string `json:"audio,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Sticker  string `json:"sticker,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

func (c *Client) SendPhoto(ctx context.Context, chatID int64, fileID, caption string) error {
	return c.call(ctx, "sendPhoto", sendFileRequest{ChatID: chatID, Photo: fileID, Caption: caption}, nil)
}

func (c *Client) SendVideo(ctx context.Context, chatID int64, fileID, caption string) error {
	return c.call(ctx, "sendVideo", sendFileRequest{ChatID: chatID, Video: fileID, Caption: caption}, nil)
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, fileID, caption string) error {
	return c.call(ctx, "sendDocument", sendFileRequest{ChatID: chatID, Document: fileID, Caption: caption}, nil)
}

func (c *Client) SendAudio(ctx context.Context, chatID int64, fileID, caption string) error {
	return c.call(ctx, "sendAudio", sendFileRequest{ChatID: chatID, Audio: fileID, Caption: caption}, nil)
}

func (c *Client) SendVoice(ctx context.Context, chatID int64, fileID string) error {
	return c.call(ctx, "sendVoice", sendFileRequest{ChatID: chatID, Voice: fileID}, nil)
}

func (c *Client) SendSticker(ctx context.Context, chatID int64, fileID string) error {
	return c.call(ctx, "sendSticker", sendFileRequest{ChatID: chatID, Sticker: fileID}, nil)
}

type editMessageTextRequest struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int64                 `json:"message_id"`
	Text        string                `json:"text"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *InlineKeyboardMarkup) error {
	req := editMessageTextRequest{ChatID: chatID, MessageID: messageID, Text: text, ReplyMarkup: markup}
	return c.call(ctx, "editMessageText", req, nil)
}

type answerCallbackQueryRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	req := answerCallbackQueryRequest{CallbackQueryID: callbackQueryID, Text: text}
	return c.call(ctx, "answerCallbackQuery", req, nil)
}
