package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"apartment-watcher/models"
	"apartment-watcher/utils"
)

const defaultAPIBase = "https://api.telegram.org"

// DeliveryReport maps each target to its delivery outcome; nil means
// the message was delivered.
type DeliveryReport map[string]error

// AllDelivered reports whether every target received the message.
func (r DeliveryReport) AllDelivered() bool {
	for _, err := range r {
		if err != nil {
			return false
		}
	}
	return true
}

// Failed returns the sorted targets whose delivery failed.
func (r DeliveryReport) Failed() []string {
	var targets []string
	for t, err := range r {
		if err != nil {
			targets = append(targets, t)
		}
	}
	sort.Strings(targets)
	return targets
}

// TelegramNotifier delivers listing notifications over the Telegram Bot API.
type TelegramNotifier struct {
	token   string
	apiBase string
	client  *http.Client
	logger  *utils.Logger
}

// NewTelegramNotifier creates a notifier for the given bot token.
func NewTelegramNotifier(token string, logger *utils.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		token:   token,
		apiBase: defaultAPIBase,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// WithAPIBase overrides the Bot API base URL. Used by tests.
func (n *TelegramNotifier) WithAPIBase(base string) *TelegramNotifier {
	n.apiBase = strings.TrimRight(base, "/")
	return n
}

// Notify formats the listing and attempts delivery to every target. Targets
// are attempted independently and concurrently: one hung or failing target
// never prevents attempts to the others. Each target is tried exactly once
// per call; retry policy belongs to the caller.
func (n *TelegramNotifier) Notify(ctx context.Context, l *models.Listing, targets []string) DeliveryReport {
	report := make(DeliveryReport, len(targets))
	if len(targets) == 0 {
		return report
	}

	message := FormatListingMessage(l)

	var mu sync.Mutex
	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			err := n.sendMessage(ctx, target, message)
			mu.Lock()
			report[target] = err
			mu.Unlock()
			if err != nil {
				n.logger.Error("[notify] delivery to %s failed for listing %s: %v", target, l.ExternalID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return report
}

func (n *TelegramNotifier) sendMessage(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: sendMessage returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// FormatListingMessage renders the human-readable notification for a listing.
func FormatListingMessage(l *models.Listing) string {
	return fmt.Sprintf(`Neue Wohnung gefunden!

%s

Ort: %s
Preis: %s€
Größe: %sm²
Zimmer: %s

Link: %s`,
		orDefault(l.Title, "Keine Angabe"),
		orDefault(l.Location, "Keine Angabe"),
		formatFloat(l.Price),
		formatFloat(l.Size),
		formatInt(l.Rooms),
		l.URL,
	)
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func formatFloat(v *float64) string {
	if v == nil {
		return "Keine Angabe"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return "Keine Angabe"
	}
	return strconv.Itoa(*v)
}
