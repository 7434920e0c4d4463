package repository

import (
	"context"
	"errors"
	"time"

	"talksync/internal/entity"

	"github.com/redis/go-redis/v9"
)

var ErrDeviceNotFound = errors.New("device not found")

// DeviceStore persists device registrations so EnsureRegistered is cheap
// across restarts and the router can resolve a user's devices for fanout.
type DeviceStore interface {
	Save(ctx context.Context, registration entity.DeviceRegistration) error
	Get(ctx context.Context, deviceId string) (entity.DeviceRegistration, error)
	AddTopic(ctx context.Context, deviceId, topic string) error
	RemoveTopic(ctx context.Context, deviceId, topic string) error
	DevicesForUser(ctx context.Context, userId string) ([]entity.DeviceRegistration, error)
}

type deviceRepository struct {
	client *redis.Client
}

func NewDeviceRepository(client *redis.Client) DeviceStore {
	return &deviceRepository{
		client: client,
	}
}

func deviceKey(deviceId string) string {
	return "device:" + deviceId
}

func deviceTopicsKey(deviceId string) string {
	return "device:" + deviceId + ":topics"
}

func userDevicesKey(userId string) string {
	return "user:" + userId + ":devices"
}

func (r *deviceRepository) Save(ctx context.Context, registration entity.DeviceRegistration) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, deviceKey(registration.DeviceId), map[string]interface{}{
		"deviceId":  registration.DeviceId,
		"userId":    registration.UserId,
		"platform":  registration.Platform,
		"pushToken": registration.PushToken,
		"updatedAt": time.Now().UnixMilli(),
	})
	if registration.UserId != "" {
		pipe.SAdd(ctx, userDevicesKey(registration.UserId), registration.DeviceId)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *deviceRepository) Get(ctx context.Context, deviceId string) (entity.DeviceRegistration, error) {
	fields, err := r.client.HGetAll(ctx, deviceKey(deviceId)).Result()
	if err != nil {
		return entity.DeviceRegistration{}, err
	}
	if len(fields) == 0 {
		return entity.DeviceRegistration{}, ErrDeviceNotFound
	}

	topics, err := r.client.SMembers(ctx, deviceTopicsKey(deviceId)).Result()
	if err != nil {
		return entity.DeviceRegistration{}, err
	}

	return entity.DeviceRegistration{
		DeviceId:  fields["deviceId"],
		UserId:    fields["userId"],
		Platform:  fields["platform"],
		PushToken: fields["pushToken"],
		Topics:    topics,
	}, nil
}

func (r *deviceRepository) AddTopic(ctx context.Context, deviceId, topic string) error {
	return r.client.SAdd(ctx, deviceTopicsKey(deviceId), topic).Err()
}

func (r *deviceRepository) RemoveTopic(ctx context.Context, deviceId, topic string) error {
	return r.client.SRem(ctx, deviceTopicsKey(deviceId), topic).Err()
}

func (r *deviceRepository) DevicesForUser(ctx context.Context, userId string) ([]entity.DeviceRegistration, error) {
	deviceIds, err := r.client.SMembers(ctx, userDevicesKey(userId)).Result()
	if err != nil {
		return nil, err
	}

	registrations := make([]entity.DeviceRegistration, 0, len(deviceIds))
	for _, deviceId := range deviceIds {
		registration, err := r.Get(ctx, deviceId)
		if err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				continue
			}
			return nil, err
		}
		registrations = append(registrations, registration)
	}

	return registrations, nil
}
