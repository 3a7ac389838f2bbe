// Package notify alerts the operator about breaker trips, orphaned
// strategies, failed executions and closed positions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-riskcore/internal/config"
	"options-riskcore/internal/coordinator"
	"options-riskcore/internal/strategy"
)

// NotificationChannel delivers notifications to one destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrip   NotificationType = "breaker_trip"
	NotificationRearm  NotificationType = "breaker_rearm"
	NotificationOrphan NotificationType = "orphan"
	NotificationError  NotificationType = "error"
	NotificationTrade  NotificationType = "trade"
)

// NotificationLevel filters which notification types are sent.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelRiskOnly   NotificationLevel = "risk_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

// MultiNotifier fans notifications out to every enabled channel.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a notifier with a log channel plus the configured
// webhook.
func NewMultiNotifier(cfg config.NotifyConfig, logger zerolog.Logger) *MultiNotifier {
	mn := &MultiNotifier{
		channels: []NotificationChannel{NewLogNotifier(logger)},
		level:    NotificationLevel(cfg.Level),
	}
	if mn.level == "" {
		mn.level = LevelAll
	}
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

func (mn *MultiNotifier) shouldSend(t NotificationType) bool {
	switch mn.level {
	case LevelRiskOnly:
		return t != NotificationTrade
	case LevelErrorsOnly:
		return t == NotificationError || t == NotificationOrphan
	default:
		return true
	}
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NotifyReport sends one notification per noteworthy event in a tick report.
func (mn *MultiNotifier) NotifyReport(ctx context.Context, rep coordinator.TickReport) error {
	var errs []string
	send := func(n Notification) {
		n.Timestamp = rep.At
		if err := mn.Send(ctx, n); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if rep.Tripped {
		send(Notification{
			Type:    NotificationTrip,
			Title:   "Circuit breaker tripped",
			Message: fmt.Sprintf("%s\nEquity: %.2f\nFlattened: %d positions, %d orders cancelled", rep.Reason, rep.Equity, len(rep.Flattened), rep.Cancelled),
			Data: map[string]interface{}{
				"reason":    rep.Reason,
				"equity":    rep.Equity,
				"flattened": rep.Flattened,
				"cancelled": rep.Cancelled,
			},
		})
	}
	if rep.Rearmed {
		send(Notification{
			Type:    NotificationRearm,
			Title:   "Circuit breaker re-armed",
			Message: fmt.Sprintf("Equity: %.2f", rep.Equity),
			Data:    map[string]interface{}{"equity": rep.Equity},
		})
	}
	for _, id := range rep.Orphaned {
		send(Notification{
			Type:    NotificationOrphan,
			Title:   "Strategy orphaned: " + id,
			Message: "Broker state no longer matches the tracked position. Manual review required.",
			Data:    map[string]interface{}{"strategy_id": id, "mismatches": rep.Mismatches},
		})
	}
	for _, o := range rep.Outcomes {
		switch {
		case o.Status == coordinator.StatusFailed:
			send(Notification{
				Type:    NotificationError,
				Title:   fmt.Sprintf("%s failed for %s", o.Action, o.StrategyID),
				Message: o.Reason,
				Data:    map[string]interface{}{"strategy_id": o.StrategyID, "key": o.Key, "action": o.Action},
			})
		case o.Status == coordinator.StatusFilled && o.Action == strategy.ActionClose:
			send(Notification{
				Type:    NotificationTrade,
				Title:   "Position closed: " + o.StrategyID,
				Message: fmt.Sprintf("Reason: %s\nRealized P&L: %.2f", o.Reason, o.RealizedPnL),
				Data: map[string]interface{}{
					"strategy_id":  o.StrategyID,
					"position_id":  o.PositionID,
					"realized_pnl": o.RealizedPnL,
				},
			})
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Name returns the name of the notifier.
func (l *LogNotifier) Name() string { return "log" }

// IsEnabled returns true.
func (l *LogNotifier) IsEnabled() bool { return true }

// Send logs the notification. Trips, orphans and errors log at warn or above.
func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	ev := l.logger.Info()
	switch n.Type {
	case NotificationTrip, NotificationOrphan:
		ev = l.logger.Warn()
	case NotificationError:
		ev = l.logger.Error()
	}
	ev.Str("type", string(n.Type)).
		Str("message", n.Message).
		Fields(n.Data).
		Msg(n.Title)
	return nil
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send posts the notification as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "options-riskcore/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
