package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"apartment-watcher/utils"
)

// CommandBot answers the /text command with the configured inquiry template
// so the user can paste it into a listing contact form. It long-polls
// getUpdates beside the pipeline and is entirely stateless apart from the
// update offset.
type CommandBot struct {
	token       string
	apiBase     string
	inquiryText string
	client      *http.Client
	logger      *utils.Logger

	pollTimeout  time.Duration
	errorBackoff time.Duration

	lastUpdateID int64
}

// NewCommandBot creates a bot for the given token and inquiry template.
func NewCommandBot(token, inquiryText string, logger *utils.Logger) *CommandBot {
	return &CommandBot{
		token:        token,
		apiBase:      defaultAPIBase,
		inquiryText:  inquiryText,
		client:       &http.Client{Timeout: 40 * time.Second},
		logger:       logger,
		pollTimeout:  25 * time.Second,
		errorBackoff: 5 * time.Second,
	}
}

// WithAPIBase overrides the Bot API base URL. Used by tests.
func (b *CommandBot) WithAPIBase(base string) *CommandBot {
	b.apiBase = strings.TrimRight(base, "/")
	return b
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// Run polls for commands until ctx is cancelled.
func (b *CommandBot) Run(ctx context.Context) {
	b.logger.Info("[bot] command listener started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("[bot] command listener stopped")
			return
		default:
		}

		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("[bot] command listener stopped")
				return
			}
			b.logger.Warn("[bot] getUpdates failed: %v", err)
			timer := time.NewTimer(b.errorBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID > b.lastUpdateID {
				b.lastUpdateID = u.UpdateID
			}
			if u.Message == nil || strings.TrimSpace(u.Message.Text) != "/text" {
				continue
			}
			chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
			if err := b.reply(ctx, chatID, b.inquiryText); err != nil {
				b.logger.Error("[bot] reply to chat %s failed: %v", chatID, err)
			} else {
				b.logger.Info("[bot] sent inquiry text to chat %s", chatID)
			}
		}
	}
}

func (b *CommandBot) getUpdates(ctx context.Context) ([]update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(b.lastUpdateID+1, 10))
	q.Set("timeout", strconv.Itoa(int(b.pollTimeout/time.Second)))

	reqURL := fmt.Sprintf("%s/bot%s/getUpdates?%s", b.apiBase, b.token, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getUpdates returned %d", resp.StatusCode)
	}

	var parsed updatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode getUpdates: %w", err)
	}
	return parsed.Result, nil
}

func (b *CommandBot) reply(ctx context.Context, chatID, text string) error {
	n := &TelegramNotifier{
		token:   b.token,
		apiBase: b.apiBase,
		client:  b.client,
		logger:  b.logger,
	}
	return n.sendMessage(ctx, chatID, text)
}
