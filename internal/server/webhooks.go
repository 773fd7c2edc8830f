package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"featuregate/internal/config"
	"featuregate/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

const (
	headerEvent     = "X-Featuregate-Event"
	headerDelivery  = "X-Featuregate-Delivery"
	headerSignature = "X-Featuregate-Signature"
)

// EventSource is the slice of the repository the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// WebhookDispatcher posts new audit events to configured webhooks. Each hook
// has its own cursor; a failed delivery is retried on the next tick.
type WebhookDispatcher struct {
	source   EventSource
	hooks    []webhook
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

type webhook struct {
	config.WebhookConfig
	filter eventFilter
}

// NewWebhookDispatcher returns nil when no hook is enabled.
func NewWebhookDispatcher(source EventSource, hooks []config.WebhookConfig, logger *slog.Logger) (*WebhookDispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &WebhookDispatcher{
		source:   source,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		logger:   logger.With("component", "webhooks"),
		cursors:  make(map[int]int64),
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		filter, err := newEventFilter(hook.Events)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", hook.URL, err)
		}
		d.hooks = append(d.hooks, webhook{WebhookConfig: hook, filter: filter})
	}
	if len(d.hooks) == 0 {
		return nil, nil
	}
	return d, nil
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers every pending event once per hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.hooks {
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook webhook) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	events, err := d.source.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Error("fetch events failed", "error", err)
		return
	}
	for _, evt := range events {
		if !hook.filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a new hook at the current end of the log so a restart
// does not replay history. It reports false while the end is unknown; the
// next tick tries again.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		d.logger.Error("init cursor failed", "error", err)
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, evt.Type)
	req.Header.Set(headerDelivery, strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set(headerSignature, "sha256="+Sign(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches event types against glob patterns such as "proposal.*".
// No patterns means every event.
type eventFilter struct {
	patterns []glob.Glob
}

func newEventFilter(patterns []string) (eventFilter, error) {
	var f eventFilter
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return f, fmt.Errorf("event filter %q: %w", p, err)
		}
		f.patterns = append(f.patterns, g)
	}
	return f, nil
}

func (f eventFilter) match(evt string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(evt) {
			return true
		}
	}
	return false
}
