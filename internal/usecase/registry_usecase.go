package usecase

import (
	"context"
	"errors"
	"sync"

	"talksync/internal/entity"
	"talksync/internal/repository"
	"talksync/pkg/backoff"

	"github.com/rs/zerolog"
)

const registerMaxAttempts = 5

// DeviceRegistry owns one device's identity in the push-delivery system.
// It is the single source of truth for what the device is registered
// for; no other component talks to the gateway about topics. A single
// mutex serializes EnsureRegistered with platform-initiated token
// refreshes, which can fire at any time.
type DeviceRegistry struct {
	deviceId string
	userId   string
	platform string

	gateway repository.PushGateway
	store   repository.DeviceStore
	retry   backoff.Policy
	logger  zerolog.Logger

	mu               sync.Mutex
	token            string
	topics           map[string]struct{}
	registered       bool
	permissionDenied bool
}

func NewDeviceRegistry(deviceId, userId, platform string, gateway repository.PushGateway, store repository.DeviceStore, logger zerolog.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		deviceId: deviceId,
		userId:   userId,
		platform: platform,
		gateway:  gateway,
		store:    store,
		retry:    backoff.Default(),
		logger:   logger.With().Str("component", "device-registry").Str("device", deviceId).Logger(),
		topics:   make(map[string]struct{}),
	}
}

// EnsureRegistered obtains a push token and joins the base topics
// (all-users plus the user's own). Permission denial is recorded and
// returned without retry; gateway unavailability is retried with backoff
// up to a bounded attempt count. Calling again once registered is a
// no-op; a partial failure (token held, base topics missing) resumes
// where it left off on the next call.
func (r *DeviceRegistry) EnsureRegistered(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}

	if r.token == "" {
		// A registration persisted by a previous run makes this cheap.
		if saved, err := r.store.Get(ctx, r.deviceId); err == nil && saved.PushToken != "" {
			r.token = saved.PushToken
			for _, topic := range saved.Topics {
				r.topics[topic] = struct{}{}
			}
		} else {
			token, err := r.acquireTokenLocked(ctx)
			if err != nil {
				return err
			}
			r.token = token
			if err := r.persistLocked(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("persisting registration failed")
			}
		}
	}

	if err := r.subscribeLocked(ctx, entity.TopicAllUsers); err != nil {
		return err
	}
	if err := r.subscribeLocked(ctx, entity.UserTopic(r.userId)); err != nil {
		return err
	}
	r.registered = true
	return nil
}

func (r *DeviceRegistry) acquireTokenLocked(ctx context.Context) (string, error) {
	for attempt := 0; ; attempt++ {
		token, err := r.gateway.GetToken(ctx, r.deviceId)
		if err == nil {
			return token, nil
		}
		if errors.Is(err, repository.ErrPermissionDenied) {
			r.permissionDenied = true
			r.logger.Info().Msg("push permission denied, registration deferred to user opt-in")
			return "", err
		}
		if attempt+1 >= registerMaxAttempts {
			return "", err
		}
		r.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("token acquisition failed, backing off")
		if err := backoff.Sleep(ctx, r.retry.Delay(attempt)); err != nil {
			return "", err
		}
	}
}

// OnTokenRefresh is invoked by the platform gateway, possibly while the
// app is backgrounded. The persisted token is updated exactly once per
// refresh: a replay of the same token is a no-op.
func (r *DeviceRegistry) OnTokenRefresh(newToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if newToken == "" || newToken == r.token {
		return
	}
	r.token = newToken

	ctx := context.Background()
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("persisting refreshed token failed")
	}

	// Topic membership is keyed by token at the gateway: re-join under
	// the new identity.
	for topic := range r.topics {
		if err := r.gateway.SubscribeTopic(ctx, r.token, topic); err != nil {
			r.logger.Warn().Err(err).Str("topic", topic).Msg("re-subscribe after refresh failed")
		}
	}
	r.logger.Info().Msg("push token refreshed")
}

// SubscribeTopic joins a topic; repeated calls are no-ops.
func (r *DeviceRegistry) SubscribeTopic(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeLocked(ctx, name)
}

func (r *DeviceRegistry) subscribeLocked(ctx context.Context, name string) error {
	if _, ok := r.topics[name]; ok {
		return nil
	}
	if r.token == "" {
		return repository.ErrPermissionDenied
	}
	if err := r.gateway.SubscribeTopic(ctx, r.token, name); err != nil {
		return err
	}
	r.topics[name] = struct{}{}
	if err := r.store.AddTopic(ctx, r.deviceId, name); err != nil {
		r.logger.Warn().Err(err).Str("topic", name).Msg("persisting topic failed")
	}
	return nil
}

// UnsubscribeTopic leaves a topic; unknown topics are no-ops.
func (r *DeviceRegistry) UnsubscribeTopic(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; !ok {
		return nil
	}
	if err := r.gateway.UnsubscribeTopic(ctx, r.token, name); err != nil {
		return err
	}
	delete(r.topics, name)
	if err := r.store.RemoveTopic(ctx, r.deviceId, name); err != nil {
		r.logger.Warn().Err(err).Str("topic", name).Msg("removing persisted topic failed")
	}
	return nil
}

// Registration snapshots the current state for callers that need it.
func (r *DeviceRegistry) Registration() entity.DeviceRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	return entity.DeviceRegistration{
		DeviceId:  r.deviceId,
		UserId:    r.userId,
		Platform:  r.platform,
		PushToken: r.token,
		Topics:    topics,
	}
}

// PermissionDenied reports whether registration was refused by the user;
// the UI surfaces opt-in later instead of retrying.
func (r *DeviceRegistry) PermissionDenied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permissionDenied
}

func (r *DeviceRegistry) persistLocked(ctx context.Context) error {
	return r.store.Save(ctx, entity.DeviceRegistration{
		DeviceId:  r.deviceId,
		UserId:    r.userId,
		Platform:  r.platform,
		PushToken: r.token,
	})
}

// DeviceRegistrySet manages one registry per device connecting through
// this process and fans gateway token refreshes out to the right one.
type DeviceRegistrySet struct {
	gateway repository.PushGateway
	store   repository.DeviceStore
	logger  zerolog.Logger

	mu         sync.Mutex
	registries map[string]*DeviceRegistry
}

func NewDeviceRegistrySet(gateway repository.PushGateway, store repository.DeviceStore, logger zerolog.Logger) *DeviceRegistrySet {
	return &DeviceRegistrySet{
		gateway:    gateway,
		store:      store,
		logger:     logger,
		registries: make(map[string]*DeviceRegistry),
	}
}

// Ensure returns the device's registry, creating it on first sight.
func (s *DeviceRegistrySet) Ensure(deviceId, userId, platform string) *DeviceRegistry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if registry, ok := s.registries[deviceId]; ok {
		return registry
	}
	registry := NewDeviceRegistry(deviceId, userId, platform, s.gateway, s.store, s.logger)
	s.registries[deviceId] = registry
	return registry
}

func (s *DeviceRegistrySet) Lookup(deviceId string) (*DeviceRegistry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	registry, ok := s.registries[deviceId]
	return registry, ok
}

// HandleTokenRefresh is wired to the gateway's OnRefresh hook.
func (s *DeviceRegistrySet) HandleTokenRefresh(deviceId, newToken string) {
	if registry, ok := s.Lookup(deviceId); ok {
		registry.OnTokenRefresh(newToken)
	}
}
