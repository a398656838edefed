package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"healthtree/internal/config"
	"healthtree/internal/domain"
	"healthtree/internal/notifyqueue"
	"healthtree/internal/templatefmt"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// SendResult returns channel-specific metadata after successful delivery.
// Params: sender-specific metadata fields.
// Returns: optional message identifiers.
type SendResult struct {
	MessageID int
}

// Notification is render model and webhook payload for one notification intent route.
// Params: environment, rule, cause transition, and delivery metadata.
// Returns: data available to named templates.
type Notification struct {
	Environment   string                 `json:"environment"`
	Channel       string                 `json:"channel"`
	Template      string                 `json:"template"`
	RuleID        string                 `json:"rule_id"`
	RuleName      string                 `json:"rule_name,omitempty"`
	ElementID     string                 `json:"element_id"`
	ComponentType domain.ComponentType   `json:"component_type"`
	State         domain.State           `json:"state"`
	HighestLevel  domain.State           `json:"highest_level"`
	Recovery      bool                   `json:"recovery"`
	Repeat        bool                   `json:"repeat"`
	Transition    domain.StateTransition `json:"transition"`
	Age           time.Duration          `json:"age"`
	CreatedAt     time.Time              `json:"created_at"`
	Message       string                 `json:"message,omitempty"`
}

// NewNotification builds render model from intent.
// Params: notification intent.
// Returns: notification without channel/template/message.
func NewNotification(intent domain.NotificationIntent) Notification {
	age := intent.CreatedAt.Sub(intent.Transition.Timestamp())
	if age < 0 || intent.Transition.Timestamp().IsZero() {
		age = 0
	}
	return Notification{
		Environment:   intent.Environment,
		RuleID:        intent.Rule.ID,
		RuleName:      intent.Rule.Name,
		ElementID:     intent.Transition.ElementID,
		ComponentType: intent.Transition.ComponentType,
		State:         intent.Transition.State,
		HighestLevel:  intent.HighestLevel,
		Recovery:      intent.Recovery,
		Repeat:        intent.Repeat,
		Transition:    intent.Transition,
		Age:           age,
		CreatedAt:     intent.CreatedAt,
	}
}

// compiledTemplate holds parsed template with channel binding.
// Params: channel key and parsed template object.
// Returns: template metadata for dispatcher rendering.
type compiledTemplate struct {
	channel string
	body    *template.Template
}

// ChannelSender sends one outbound notification to one channel.
// Params: context and notification payload.
// Returns: channel send metadata and transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, notification Notification) (SendResult, error)
}

// Dispatcher delivers notifications with configured retries/backoff.
// Params: sender list and retry policy.
// Returns: send helper for manager layer.
type Dispatcher struct {
	senders      map[string]ChannelSender
	channels     []string
	retries      map[string]config.NotifyRetry
	logger       *slog.Logger
	templates    map[string]compiledTemplate
	templateErrs map[string]error
}

// NewDispatcher builds notification dispatcher from enabled channels.
// Params: global notify config and optional logger.
// Returns: configured dispatcher with available senders.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	senders := make(map[string]ChannelSender)
	retries := make(map[string]config.NotifyRetry)
	for _, channel := range config.NotifyChannelNames() {
		if !config.NotifyChannelEnabled(cfg, channel) {
			continue
		}
		sender := newSenderForChannel(channel, cfg)
		if sender == nil {
			continue
		}
		senders[channel] = sender
		retries[channel] = config.NotifyChannelRetry(cfg, channel)
	}
	channels := make([]string, 0, len(senders))
	for channel := range senders {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	compiledTemplates, templateErrs := buildTemplateSet(cfg)
	return &Dispatcher{
		senders:      senders,
		channels:     channels,
		retries:      retries,
		logger:       logger,
		templates:    compiledTemplates,
		templateErrs: templateErrs,
	}
}

// newSenderForChannel builds transport sender implementation for one channel key.
// Params: normalized channel key and full notify config.
// Returns: channel sender or nil when channel is unknown.
func newSenderForChannel(channel string, cfg config.NotifyConfig) ChannelSender {
	switch channel {
	case config.NotifyChannelTelegram:
		return NewTelegramSender(cfg.Telegram)
	case config.NotifyChannelHTTP:
		return NewWebhookSender(cfg.HTTP)
	default:
		return nil
	}
}

// Deliver sends intent to every route of its rule.
// Params: context and notification intent.
// Returns: joined route errors (nil when every route succeeded).
func (d *Dispatcher) Deliver(ctx context.Context, intent domain.NotificationIntent) error {
	var errs []error
	notification := NewNotification(intent)
	for _, route := range intent.Rule.Routes {
		if _, err := d.Send(ctx, route.Channel, route.Template, notification); err != nil {
			if d.logger != nil {
				d.logger.Error("notify delivery failed", "environment", intent.Environment, "rule_id", intent.Rule.ID, "element_id", intent.Transition.ElementID, "channel", route.Channel, "error", err.Error())
			}
			errs = append(errs, fmt.Errorf("route %s/%s: %w", route.Channel, route.Template, err))
		}
	}
	return errors.Join(errs...)
}

// Send sends one notification to channel/template with retry policy.
// Params: destination channel, template name, and notification payload.
// Returns: channel metadata and final error after retries; configuration problems are permanent.
func (d *Dispatcher) Send(ctx context.Context, channel, templateName string, notification Notification) (SendResult, error) {
	channel = config.NormalizeNotifyChannel(channel)
	sender, ok := d.senders[channel]
	if !ok {
		return SendResult{}, notifyqueue.MarkPermanent(fmt.Errorf("notify channel %q is not configured", channel))
	}
	compiled, err := d.resolveTemplate(templateName, channel)
	if err != nil {
		return SendResult{}, notifyqueue.MarkPermanent(err)
	}

	renderedNotification := notification
	renderedNotification.Channel = channel
	renderedNotification.Template = templateName
	renderedMessage, err := d.renderMessage(compiled, renderedNotification)
	if err != nil {
		return SendResult{}, notifyqueue.MarkPermanent(err)
	}
	renderedNotification.Message = renderedMessage

	return d.sendWithRetry(ctx, sender, renderedNotification, d.retries[channel])
}

// sendWithRetry sends one notification with channel-specific retry policy.
// Params: sender, payload, and retry policy for the sender channel.
// Returns: channel metadata and final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, notification Notification, retry config.NotifyRetry) (SendResult, error) {
	if !retry.Enabled {
		return sender.Send(ctx, notification)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	var timer *time.Timer

	for {
		attempt++
		result, err := sender.Send(ctx, notification)
		if err == nil {
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			if retry.LogEachAttempt && attempt > 1 && d.logger != nil {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return result, nil
		}
		if retry.LogEachAttempt && d.logger != nil {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if notifyqueue.IsPermanent(err) {
			return SendResult{}, err
		}

		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			return SendResult{}, fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			return SendResult{}, ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Channels returns configured channel list.
// Params: none.
// Returns: deterministic sender keys.
func (d *Dispatcher) Channels() []string {
	if d == nil {
		return nil
	}
	return d.channels
}

// resolveTemplate selects compiled template by name and validates channel binding.
// Params: template name from rule route and destination channel.
// Returns: compiled template for rendering.
func (d *Dispatcher) resolveTemplate(templateName, channel string) (compiledTemplate, error) {
	name := strings.ToLower(strings.TrimSpace(templateName))
	if name == "" {
		return compiledTemplate{}, errors.New("notify template name is required")
	}
	key := templateKey(channel, name)
	if d.templateErrs != nil {
		if err, ok := d.templateErrs[key]; ok && err != nil {
			return compiledTemplate{}, fmt.Errorf("notify template %q is invalid: %w", templateName, err)
		}
	}
	compiled, ok := d.templates[key]
	if !ok || compiled.body == nil {
		return compiledTemplate{}, fmt.Errorf("notify template %q is not configured", templateName)
	}
	if compiled.channel != channel {
		return compiledTemplate{}, fmt.Errorf("notify template %q is bound to channel %q, not %q", templateName, compiled.channel, channel)
	}
	return compiled, nil
}

// renderMessage applies shared template processing for the channel.
// Params: compiled template and outbound notification model.
// Returns: rendered message body.
func (d *Dispatcher) renderMessage(entry compiledTemplate, notification Notification) (string, error) {
	var rendered strings.Builder
	if err := entry.body.Execute(&rendered, notification); err != nil {
		return "", fmt.Errorf("render notify template for channel %q: %w", entry.channel, err)
	}
	return rendered.String(), nil
}

// buildTemplateSet compiles named templates from channel-scoped notify config.
// Params: notify config snapshot.
// Returns: compiled template lookup and parse errors by template key.
func buildTemplateSet(cfg config.NotifyConfig) (map[string]compiledTemplate, map[string]error) {
	compiled := make(map[string]compiledTemplate)
	parseErrs := make(map[string]error)
	for _, channel := range config.NotifyChannelNames() {
		collectCompiledTemplates(compiled, parseErrs, channel, config.NotifyChannelTemplates(cfg, channel))
	}
	return compiled, parseErrs
}

// collectCompiledTemplates compiles one channel template list into dispatcher map.
// Params: destination maps, channel key, and template list.
// Returns: compiled template side-effects into destination maps.
func collectCompiledTemplates(
	compiled map[string]compiledTemplate,
	parseErrs map[string]error,
	channel string,
	templates []config.NamedTemplateConfig,
) {
	for _, templateConfig := range templates {
		name := strings.ToLower(strings.TrimSpace(templateConfig.Name))
		if name == "" {
			continue
		}
		key := templateKey(channel, name)
		entry, err := parseTemplate("notify."+channel+".name-template."+name+".message", templateConfig.Message)
		if err != nil {
			parseErrs[key] = err
		}
		compiled[key] = compiledTemplate{
			channel: channel,
			body:    entry,
		}
	}
}

// templateKey builds deterministic template lookup key by channel+template.
// Params: normalized channel and template names.
// Returns: unique dispatcher lookup key.
func templateKey(channel, name string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "/" + strings.ToLower(strings.TrimSpace(name))
}

// parseTemplate compiles one text/template expression for notifications.
// Params: template name and body.
// Returns: compiled template or parse error.
func parseTemplate(name, body string) (*template.Template, error) {
	return templatefmt.ParseNotificationTemplate(name, body)
}

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token, chat id, and base URL.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: Telegram notifier config.
// Returns: initialized sender.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *TelegramSender) Channel() string {
	return "telegram"
}

// Send posts one notification message to Telegram chat.
// Params: context and notification payload.
// Returns: transport or HTTP error.
func (s *TelegramSender) Send(ctx context.Context, notification Notification) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}
	if s.client == nil {
		return SendResult{}, errors.New("telegram client is not initialized")
	}

	request := &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      notification.Message,
		ParseMode: tgmodels.ParseModeHTML,
	}
	if notification.Repeat {
		request.DisableNotification = true
	}

	sent, err := s.client.SendMessage(ctx, request)
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{MessageID: sent.ID}, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// WebhookSender posts notification payload to configured HTTP endpoint.
// Params: endpoint URL, method, timeout, and headers.
// Returns: generic HTTP sender.
type WebhookSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewWebhookSender creates generic HTTP sender.
// Params: HTTP notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.HTTPNotifier) *WebhookSender {
	return &WebhookSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *WebhookSender) Channel() string {
	return "http"
}

// Send delivers JSON payload to configured HTTP endpoint.
// Params: context and notification payload.
// Returns: transport or HTTP error.
func (s *WebhookSender) Send(ctx context.Context, notification Notification) (SendResult, error) {
	body, err := json.Marshal(notification)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode http notify payload: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build http notify request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := unexpectedHTTPStatusError("http notify", response)
		if isPermanentStatus(response.StatusCode) {
			return SendResult{}, notifyqueue.MarkPermanent(statusErr)
		}
		return SendResult{}, statusErr
	}
	return SendResult{}, nil
}

// isPermanentStatus reports client errors that retries cannot fix.
func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}

