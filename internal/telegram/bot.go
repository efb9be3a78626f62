// Package telegram accepts shipment notes over the Telegram Bot API and
// drops them into the routed client's intake folder, where the daemon picks
// them up like any other file. Message bodies are never logged.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"labelops/internal/config"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	pollTimeout    = 30 * time.Second
)

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Document *struct{}  `json:"document"`
	Photo    []struct{} `json:"photo"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// BotConfig configures the long-poll bot. Token comes from the
// TELEGRAM_BOT_TOKEN environment variable when unset.
type BotConfig struct {
	Token   string
	BaseURL string
}

// Bot long-polls getUpdates and turns allowed text messages into intake
// files for the daemon.
type Bot struct {
	cfg       BotConfig
	http      *http.Client
	store     *config.Store
	allowlist *AllowlistStore
	logger    *slog.Logger
	offset    int64
}

func NewBot(cfg BotConfig, store *config.Store, allowlist *AllowlistStore, logger *slog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		cfg.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token not set (TELEGRAM_BOT_TOKEN)")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		cfg:       cfg,
		http:      &http.Client{Timeout: pollTimeout + 15*time.Second},
		store:     store,
		allowlist: allowlist,
		logger:    logger,
	}, nil
}

// Run polls until the context is cancelled. API errors back off and retry;
// they never stop the loop.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("telegram.started")
	for {
		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("telegram.stopped")
				return nil
			}
			b.logger.Warn("telegram.poll_failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				b.logger.Info("telegram.stopped")
				return nil
			}
		}
		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			if u.Message != nil {
				b.handleMessage(ctx, u.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *message) {
	chatID := msg.Chat.ID
	if !b.allowlist.Allowed(chatID) {
		b.logger.Warn("telegram.rejected_chat", "chat_id", chatID)
		b.reply(ctx, chatID, "This chat is not authorized. Ask an operator to add chat ID "+fmt.Sprint(chatID)+".")
		return
	}

	if msg.Document != nil || len(msg.Photo) > 0 {
		b.reply(ctx, chatID, "Only plain text messages are accepted. Please paste the shipment notes as text.")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		b.reply(ctx, chatID, "Empty message. Send shipment notes as plain text, one shipment per paragraph.")
		return
	}
	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, chatID, text)
		return
	}

	snap := b.store.Snapshot()
	clientID, body, err := Route(text, b.allowlist.DefaultClient(chatID), snap)
	switch {
	case errors.Is(err, ErrNoClientRoute):
		b.reply(ctx, chatID, "No client selected. Start the message with a client id (e.g. client_01) or set a default with /setclient client_01.")
		return
	case errors.Is(err, ErrEmptyMessage):
		b.reply(ctx, chatID, "The message contains a client id but no shipment content.")
		return
	case err != nil:
		b.logger.Error("telegram.route_failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Could not process the message. Please try again.")
		return
	}

	path, err := b.writeIntake(snap, clientID, chatID, body)
	if err != nil {
		b.logger.Error("telegram.intake_write_failed", "chat_id", chatID, "client_id", clientID, "error", err)
		b.reply(ctx, chatID, "Failed to queue the message. Please try again.")
		return
	}
	b.logger.Info("telegram.intake_queued", "chat_id", chatID, "client_id", clientID, "path", path)
	b.reply(ctx, chatID, fmt.Sprintf("Queued for %s as %s.", clientID, filepath.Base(path)))
}

// writeIntake lands the message body in the client's intake folder with a
// tmp-then-rename so the folder watcher never sees a partial file.
func (b *Bot) writeIntake(snap *config.Snapshot, clientID string, chatID int64, body string) (string, error) {
	settings, err := snap.Resolve(clientID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(settings.Folders.InTxt, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("telegram_%s_%d.txt", time.Now().UTC().Format("20060102_150405"), chatID)
	final := filepath.Join(settings.Folders.InTxt, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(body+"\n"), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return final, nil
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")

	switch cmd {
	case "/start", "/help":
		b.reply(ctx, chatID,
			"Send shipment notes as plain text, one shipment per paragraph.\n"+
				"Start with a client id line (e.g. client_01) to route the batch, or set a default:\n"+
				"/setclient client_01 - set this chat's default client\n"+
				"/clients - list configured clients\n"+
				"/status - show current routing\n"+
				"/chatid - show this chat's ID")
	case "/chatid":
		b.reply(ctx, chatID, fmt.Sprintf("Chat ID: %d", chatID))
	case "/status":
		def := b.allowlist.DefaultClient(chatID)
		if def == "" {
			def = "(none)"
		}
		b.reply(ctx, chatID, fmt.Sprintf("Authorized. Default client: %s. Config version: %d.", def, b.store.Snapshot().Version))
	case "/clients":
		ids := b.store.Snapshot().ClientIDs()
		sort.Strings(ids)
		if len(ids) == 0 {
			b.reply(ctx, chatID, "No clients configured.")
			return
		}
		b.reply(ctx, chatID, "Configured clients:\n"+strings.Join(ids, "\n"))
	case "/setclient":
		if len(fields) < 2 {
			b.reply(ctx, chatID, "Usage: /setclient client_NN")
			return
		}
		id := strings.ToLower(fields[1])
		if !b.store.Snapshot().HasClient(id) {
			b.reply(ctx, chatID, "Unknown client: "+id)
			return
		}
		if err := b.allowlist.SetDefaultClient(chatID, id); err != nil {
			b.logger.Error("telegram.allowlist_save_failed", "error", err)
			b.reply(ctx, chatID, "Failed to save the default. Please try again.")
			return
		}
		b.reply(ctx, chatID, "Default client for this chat is now "+id+".")
	default:
		b.reply(ctx, chatID, "Unknown command. Send /help for usage.")
	}
}

func (b *Bot) getUpdates(ctx context.Context) ([]update, error) {
	params := url.Values{}
	params.Set("timeout", fmt.Sprint(int(pollTimeout.Seconds())))
	params.Set("offset", fmt.Sprint(b.offset))
	params.Set("allowed_updates", `["message"]`)

	raw, err := b.call(ctx, "getUpdates", params)
	if err != nil {
		return nil, err
	}
	var updates []update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	params := url.Values{}
	params.Set("chat_id", fmt.Sprint(chatID))
	params.Set("text", text)
	if _, err := b.call(ctx, "sendMessage", params); err != nil {
		b.logger.Warn("telegram.send_failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", b.cfg.BaseURL, b.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("telegram %s: status %d: %w", method, resp.StatusCode, err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram %s: %s", method, parsed.Description)
	}
	return parsed.Result, nil
}
