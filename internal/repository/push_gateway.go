package repository

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied: the device is not authorized for push or local
	// presentation. Recorded, non-fatal, never retried until user action.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrGatewayUnavailable: transient push gateway failure. Bounded
	// retries with backoff, then the delivery is dropped and logged.
	ErrGatewayUnavailable = errors.New("push gateway unavailable")
)

// PushGateway is the push-delivery platform boundary. Tokens address a
// single device; topics fan out to every subscribed device. Delivery is
// best-effort and must never block message send or receive.
type PushGateway interface {
	GetToken(ctx context.Context, deviceId string) (string, error)
	SubscribeTopic(ctx context.Context, token, topic string) error
	UnsubscribeTopic(ctx context.Context, token, topic string) error
	SendToToken(ctx context.Context, token string, payload []byte) error
	SendToTopic(ctx context.Context, topic string, payload []byte) error
}
