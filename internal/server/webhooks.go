package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"selfaudit/internal/config"
	"selfaudit/internal/domain"
	"selfaudit/internal/metrics"
	"selfaudit/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Dispatcher delivers new events to the configured webhooks. Each webhook
// keeps a persisted cursor; a failed delivery stops that webhook's batch and
// is retried on the next tick.
type Dispatcher struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger
	Client   *http.Client
}

// NewDispatcher returns a dispatcher for the enabled webhooks of cfg, or nil
// when there are none.
func NewDispatcher(r repo.Repo, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	if cfg == nil {
		return nil
	}
	var hooks []config.WebhookConfig
	for _, h := range cfg.Webhooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		hooks = append(hooks, h)
	}
	if len(hooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Repo:     r,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger.With("component", "webhooks"),
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
	}
}

// Run polls the event log until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	if err := d.initCursors(ctx); err != nil {
		return err
	}
	d.Logger.Info("webhook dispatcher started", "webhooks", len(d.Webhooks), "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// initCursors starts webhooks seen for the first time at the end of the log
// so that history is not replayed.
func (d *Dispatcher) initCursors(ctx context.Context) error {
	latest, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return fmt.Errorf("webhooks: latest event: %w", err)
	}
	for _, hook := range d.Webhooks {
		_, err := d.Repo.WebhookCursor(ctx, hook.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("webhooks: cursor %s: %w", hook.ID, err)
		}
		if err := d.Repo.SetWebhookCursor(ctx, hook.ID, latest); err != nil {
			return fmt.Errorf("webhooks: init cursor %s: %w", hook.ID, err)
		}
	}
	return nil
}

// DispatchOnce runs one delivery pass over every webhook.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, hook := range d.Webhooks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) {
	log := d.Logger.With("webhook", hook.ID)
	cursor, err := d.Repo.WebhookCursor(ctx, hook.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		log.Error("read cursor", "err", err)
		return
	}
	evts, err := d.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Error("load events", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if filter.match(evt.Type) {
			err := d.postEvent(ctx, hook, evt)
			metrics.WebhookDelivery(hook.ID, err)
			if err != nil {
				log.Warn("delivery failed", "event_id", evt.ID, "type", evt.Type, "err", err)
				return
			}
			log.Debug("delivered", "event_id", evt.ID, "type", evt.Type)
		}
		if err := d.Repo.SetWebhookCursor(ctx, hook.ID, evt.ID); err != nil {
			log.Error("save cursor", "err", err)
			return
		}
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	SubjectID  string          `json:"subject_id,omitempty"`
	ModuleID   string          `json:"module_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		SubjectID:  evt.SubjectID,
		ModuleID:   evt.ModuleID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			c := *client
			c.Timeout = timeout
			client = &c
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Selfaudit-Event", evt.Type)
	req.Header.Set("X-Selfaudit-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Selfaudit-Secret", hook.Secret)
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

type eventFilter map[string]struct{}

// newEventFilter matches everything when events is empty. A trailing ".*"
// matches a type prefix, e.g. "run.*".
func newEventFilter(events []string) eventFilter {
	set := eventFilter{}
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

func (f eventFilter) match(evt string) bool {
	if len(f) == 0 {
		return true
	}
	if _, ok := f[evt]; ok {
		return true
	}
	for key := range f {
		if prefix, ok := strings.CutSuffix(key, "*"); ok && strings.HasPrefix(evt, prefix) {
			return true
		}
	}
	return false
}
