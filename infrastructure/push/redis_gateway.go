package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"talksync/internal/repository"
	"talksync/pkg/pushtoken"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Options configures the gateway. Authorize models the platform
// permission gate; nil grants every device. RotateEvery > 0 enables
// periodic token rotation, which drives OnRefresh callbacks the way
// mobile push platforms refresh tokens while the app is backgrounded.
type Options struct {
	Authorize   func(deviceId string) bool
	RotateEvery time.Duration
}

// RedisGateway delivers push payloads over Redis pub/sub channels:
// per-device channels for token sends and named channels for topic
// fanout. Push tokens are signed JWTs carrying the device identity.
type RedisGateway struct {
	client  *redis.Client
	tokens  *pushtoken.Manager
	options Options
	logger  zerolog.Logger

	mu        sync.Mutex
	issued    map[string]string
	refreshFn []func(deviceId, newToken string)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRedisGateway(client *redis.Client, tokens *pushtoken.Manager, logger zerolog.Logger, options Options) *RedisGateway {
	return &RedisGateway{
		client:  client,
		tokens:  tokens,
		options: options,
		logger:  logger.With().Str("component", "push-gateway").Logger(),
		issued:  make(map[string]string),
		stop:    make(chan struct{}),
	}
}

func deviceChannel(deviceId string) string {
	return "push:device:" + deviceId
}

func topicChannel(topic string) string {
	return "push:topic:" + topic
}

func topicMembersKey(topic string) string {
	return "push:topic:" + topic + ":members"
}

// GetToken mints a signed token for the device, or reports the
// permission/availability failure the caller's retry policy needs to
// distinguish.
func (g *RedisGateway) GetToken(ctx context.Context, deviceId string) (string, error) {
	if g.options.Authorize != nil && !g.options.Authorize(deviceId) {
		return "", repository.ErrPermissionDenied
	}
	if err := g.client.Ping(ctx).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", repository.ErrGatewayUnavailable, err)
	}

	token, err := g.tokens.Issue(deviceId)
	if err != nil {
		return "", fmt.Errorf("%w: issue token: %v", repository.ErrGatewayUnavailable, err)
	}

	g.mu.Lock()
	g.issued[deviceId] = token
	g.mu.Unlock()

	return token, nil
}

// OnRefresh registers a callback invoked whenever a device's token is
// rotated. Callbacks may fire at any time, concurrently with GetToken.
func (g *RedisGateway) OnRefresh(fn func(deviceId, newToken string)) {
	g.mu.Lock()
	g.refreshFn = append(g.refreshFn, fn)
	g.mu.Unlock()
}

func (g *RedisGateway) SubscribeTopic(ctx context.Context, token, topic string) error {
	deviceId, err := g.tokens.Verify(token)
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPermissionDenied, err)
	}
	if err := g.client.SAdd(ctx, topicMembersKey(topic), deviceId).Err(); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", repository.ErrGatewayUnavailable, topic, err)
	}
	return nil
}

func (g *RedisGateway) UnsubscribeTopic(ctx context.Context, token, topic string) error {
	deviceId, err := g.tokens.Verify(token)
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPermissionDenied, err)
	}
	if err := g.client.SRem(ctx, topicMembersKey(topic), deviceId).Err(); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", repository.ErrGatewayUnavailable, topic, err)
	}
	return nil
}

func (g *RedisGateway) SendToToken(ctx context.Context, token string, payload []byte) error {
	deviceId, err := g.tokens.Verify(token)
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPermissionDenied, err)
	}
	if err := g.client.Publish(ctx, deviceChannel(deviceId), payload).Err(); err != nil {
		return fmt.Errorf("%w: send to device %s: %v", repository.ErrGatewayUnavailable, deviceId, err)
	}
	return nil
}

func (g *RedisGateway) SendToTopic(ctx context.Context, topic string, payload []byte) error {
	if err := g.client.Publish(ctx, topicChannel(topic), payload).Err(); err != nil {
		return fmt.Errorf("%w: send to topic %s: %v", repository.ErrGatewayUnavailable, topic, err)
	}
	return nil
}

// Start launches the token rotation loop when rotation is enabled.
func (g *RedisGateway) Start() {
	if g.options.RotateEvery <= 0 {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.options.RotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.rotate()
			case <-g.stop:
				return
			}
		}
	}()
}

func (g *RedisGateway) rotate() {
	g.mu.Lock()
	devices := make([]string, 0, len(g.issued))
	for deviceId := range g.issued {
		devices = append(devices, deviceId)
	}
	callbacks := append([]func(string, string){}, g.refreshFn...)
	g.mu.Unlock()

	for _, deviceId := range devices {
		newToken, err := g.tokens.Issue(deviceId)
		if err != nil {
			g.logger.Warn().Err(err).Str("device", deviceId).Msg("token rotation failed")
			continue
		}
		g.mu.Lock()
		g.issued[deviceId] = newToken
		g.mu.Unlock()

		for _, fn := range callbacks {
			fn(deviceId, newToken)
		}
		g.logger.Debug().Str("device", deviceId).Msg("rotated push token")
	}
}

func (g *RedisGateway) Close() {
	g.stopOnce.Do(func() {
		close(g.stop)
	})
	g.wg.Wait()
}
