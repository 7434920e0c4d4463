package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"talksync/infrastructure/cache"
	"talksync/internal/entity"
	"talksync/internal/repository"
	"talksync/pkg/backoff"

	"github.com/rs/zerolog"
)

const (
	defaultDedupWindow = 10 * time.Minute
	pushMaxAttempts    = 3
)

// Presenter is the local notification surface: it can show an in-app
// notice on a device connected to this process and knows which
// conversation that device is viewing. PresentBroadcast fans an
// announcement out to every connected device.
type Presenter interface {
	Present(deviceId string, event entity.NotificationEvent) error
	PresentBroadcast(event entity.NotificationEvent)
	ActiveConversation(deviceId string) (string, bool)
}

// PushPayload is what goes over the push channel. SuppressFor lists
// devices that were already presented to locally, so topic consumers
// drop the duplicate.
type PushPayload struct {
	Event       entity.NotificationEvent `json:"event"`
	SuppressFor []string                 `json:"suppressFor,omitempty"`
}

// NotificationRouter delivers each event through exactly one perceivable
// channel per recipient device: local presentation when the device is
// foregrounded on the event's conversation, push otherwise. A
// time-windowed dedup cache drops replayed events.
type NotificationRouter struct {
	devices   repository.DeviceStore
	gateway   repository.PushGateway
	presenter Presenter
	dedup     *cache.TTLCache
	window    time.Duration
	retry     backoff.Policy
	logger    zerolog.Logger
}

func NewNotificationRouter(devices repository.DeviceStore, gateway repository.PushGateway, presenter Presenter, dedup *cache.TTLCache, logger zerolog.Logger) *NotificationRouter {
	return &NotificationRouter{
		devices:   devices,
		gateway:   gateway,
		presenter: presenter,
		dedup:     dedup,
		window:    defaultDedupWindow,
		retry:     backoff.Default(),
		logger:    logger.With().Str("component", "notification-router").Logger(),
	}
}

// Route dispatches one event. Best-effort: push failures are retried a
// bounded number of times, then dropped with a log line; nothing here
// may block or fail message send/receive.
func (r *NotificationRouter) Route(ctx context.Context, event entity.NotificationEvent) {
	key := event.DedupKey()
	if !r.dedup.SetIfAbsent(key, struct{}{}, r.window) {
		r.logger.Debug().Str("key", key).Msg("duplicate event dropped")
		return
	}

	switch event.Kind {
	case entity.EventBroadcast:
		// Broadcasts ignore foreground state: always topic push. Devices
		// connected here consume the hub, not the push topic, so they get
		// the announcement through the local surface.
		r.presenter.PresentBroadcast(event)
		r.pushToTopic(ctx, entity.TopicAllUsers, PushPayload{Event: event})

	case entity.EventNewMessage:
		for _, userId := range event.RecipientIds {
			r.routeToUserDevices(ctx, userId, event)
		}

	case entity.EventGroupMessage:
		r.routeGroup(ctx, event)

	default:
		r.logger.Warn().Str("kind", string(event.Kind)).Msg("unroutable event kind")
	}
}

func (r *NotificationRouter) routeToUserDevices(ctx context.Context, userId string, event entity.NotificationEvent) {
	registrations, err := r.devices.DevicesForUser(ctx, userId)
	if err != nil {
		r.logger.Warn().Err(err).Str("user", userId).Msg("device lookup failed")
		return
	}

	for _, device := range registrations {
		if r.presentIfForegrounded(device.DeviceId, event) {
			continue
		}
		if device.PushToken == "" {
			continue
		}
		r.pushToToken(ctx, device.PushToken, PushPayload{Event: event})
	}
}

// routeGroup presents locally to member devices foregrounded on the
// group, then issues at most one topic push for everyone else, listing
// the locally-served devices so consumers suppress the duplicate.
func (r *NotificationRouter) routeGroup(ctx context.Context, event entity.NotificationEvent) {
	presented := make([]string, 0, 4)
	remote := false

	for _, userId := range event.RecipientIds {
		registrations, err := r.devices.DevicesForUser(ctx, userId)
		if err != nil {
			r.logger.Warn().Err(err).Str("user", userId).Msg("device lookup failed")
			remote = true
			continue
		}
		for _, device := range registrations {
			if r.presentIfForegrounded(device.DeviceId, event) {
				presented = append(presented, device.DeviceId)
			} else {
				remote = true
			}
		}
	}

	if remote {
		r.pushToTopic(ctx, entity.ConversationTopic(event.ConversationId), PushPayload{
			Event:       event,
			SuppressFor: presented,
		})
	}
}

// presentIfForegrounded shows the event in-app when the device is
// viewing the event's conversation. Presentation failure is non-fatal
// and does not fall through to push: the device was perceivably active.
func (r *NotificationRouter) presentIfForegrounded(deviceId string, event entity.NotificationEvent) bool {
	active, ok := r.presenter.ActiveConversation(deviceId)
	if !ok || active != event.ConversationId {
		return false
	}
	if err := r.presenter.Present(deviceId, event); err != nil {
		r.logger.Warn().Err(err).Str("device", deviceId).Msg("local presentation failed")
	}
	return true
}

func (r *NotificationRouter) pushToToken(ctx context.Context, token string, payload PushPayload) {
	r.push(ctx, payload, func(ctx context.Context, data []byte) error {
		return r.gateway.SendToToken(ctx, token, data)
	})
}

func (r *NotificationRouter) pushToTopic(ctx context.Context, topic string, payload PushPayload) {
	r.push(ctx, payload, func(ctx context.Context, data []byte) error {
		return r.gateway.SendToTopic(ctx, topic, data)
	})
}

func (r *NotificationRouter) push(ctx context.Context, payload PushPayload, send func(ctx context.Context, data []byte) error) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Msg("payload marshal failed")
		return
	}

	var lastErr error
	for attempt := 0; attempt < pushMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, r.retry.Delay(attempt-1)); err != nil {
				return
			}
		}
		lastErr = send(ctx, data)
		if lastErr == nil {
			return
		}
		if !errors.Is(lastErr, repository.ErrGatewayUnavailable) {
			break
		}
	}

	r.logger.Error().Err(lastErr).
		Str("key", payload.Event.DedupKey()).
		Msg("push dropped after retries")
}
