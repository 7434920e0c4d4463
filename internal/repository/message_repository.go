package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"talksync/internal/entity"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrConnection marks transient subscription or query failures. Owners
	// retry with backoff; it is never surfaced to the user.
	ErrConnection = errors.New("store connection failed")
	// ErrWriteConflict marks a failed atomic batch. Read-state deltas are
	// additive, so retrying the whole batch is always safe.
	ErrWriteConflict = errors.New("atomic batch write conflict")
)

// ReadDelta is one message's share of an atomic read-state batch.
// SetStatus is applied only when non-empty (the viewer was the last
// expected reader).
type ReadDelta struct {
	MessageId string
	AddReader string
	SetStatus entity.MessageStatus
}

// Subscription is a live feed of ordered message batches for one
// conversation. Events delivers the initial window first, then one batch
// per store change. After Events closes, Err reports why.
type Subscription interface {
	Events() <-chan []entity.Message
	Err() error
	Close()
}

// MessageStore is the remote ordered log. Timestamps are server-assigned
// on Create; subscription delivery is at-least-once, so consumers must
// dedup by message id.
type MessageStore interface {
	Create(ctx context.Context, message entity.Message) (entity.Message, error)
	Get(ctx context.Context, conversationId, messageId string) (entity.Message, error)
	Subscribe(ctx context.Context, conversationId string, limit int) (Subscription, error)
	Query(ctx context.Context, conversationId string, before entity.OrderedLogCursor, limit int) ([]entity.Message, error)
	AtomicBatchUpdate(ctx context.Context, conversationId string, deltas []ReadDelta) error
}

type messageRepository struct {
	db mongo.Database
}

func NewMessageRepository(db mongo.Database) MessageStore {
	return &messageRepository{
		db: db,
	}
}

func (r *messageRepository) Create(ctx context.Context, message entity.Message) (entity.Message, error) {
	collection := r.db.Collection("messages")

	message.Id = uuid.New().String()
	message.Timestamp = time.Now().UnixMilli()
	message.Status = entity.StatusSent
	if message.ReadBy == nil {
		message.ReadBy = []string{message.SenderId}
	}

	_, err := collection.InsertOne(ctx, message)
	if err != nil {
		return entity.Message{}, fmt.Errorf("%w: insert message: %v", ErrConnection, err)
	}

	return message, nil
}

func (r *messageRepository) Get(ctx context.Context, conversationId, messageId string) (entity.Message, error) {
	collection := r.db.Collection("messages")
	filter := bson.M{"_id": messageId, "conversationId": conversationId}

	var message entity.Message
	err := collection.FindOne(ctx, filter).Decode(&message)
	if err != nil {
		return entity.Message{}, err
	}

	return message, nil
}

// Query returns the page of messages strictly older than the cursor,
// ordered timestamp descending with id ascending tiebreak.
func (r *messageRepository) Query(ctx context.Context, conversationId string, before entity.OrderedLogCursor, limit int) ([]entity.Message, error) {
	collection := r.db.Collection("messages")

	filter := bson.M{"conversationId": conversationId}
	if !before.IsZero() {
		filter["$or"] = bson.A{
			bson.M{"timestamp": bson.M{"$lt": before.Timestamp}},
			bson.M{
				"timestamp": before.Timestamp,
				"_id":       bson.M{"$gt": before.MessageId},
			},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %v", ErrConnection, err)
	}

	var messages []entity.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("%w: decode message page: %v", ErrConnection, err)
	}

	return messages, nil
}

type changeStreamSubscription struct {
	events chan []entity.Message
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func (s *changeStreamSubscription) Events() <-chan []entity.Message {
	return s.events
}

func (s *changeStreamSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *changeStreamSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *changeStreamSubscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

// Subscribe delivers the most recent limit messages as the first batch,
// then one single-message batch per insert observed on the change stream.
func (r *messageRepository) Subscribe(ctx context.Context, conversationId string, limit int) (Subscription, error) {
	collection := r.db.Collection("messages")

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.conversationId", Value: conversationId},
		}}},
	}

	subCtx, cancel := context.WithCancel(ctx)

	// Open the change stream before the snapshot query so inserts landing
	// between the two are not lost; the consumer's seen set drops overlap.
	stream, err := collection.Watch(subCtx, pipeline)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: watch conversation %s: %v", ErrConnection, conversationId, err)
	}

	window, err := r.Query(subCtx, conversationId, entity.OrderedLogCursor{}, limit)
	if err != nil {
		_ = stream.Close(context.Background())
		cancel()
		return nil, err
	}

	sub := &changeStreamSubscription{
		events: make(chan []entity.Message, 16),
		cancel: cancel,
	}

	go func() {
		defer close(sub.events)
		defer func() {
			_ = stream.Close(context.Background())
		}()

		select {
		case sub.events <- window:
		case <-subCtx.Done():
			return
		}

		for stream.Next(subCtx) {
			var event struct {
				FullDocument entity.Message `bson:"fullDocument"`
			}
			if err := stream.Decode(&event); err != nil {
				sub.setErr(fmt.Errorf("%w: decode change event: %v", ErrConnection, err))
				return
			}
			select {
			case sub.events <- []entity.Message{event.FullDocument}:
			case <-subCtx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && subCtx.Err() == nil {
			sub.setErr(fmt.Errorf("%w: change stream: %v", ErrConnection, err))
		}
	}()

	return sub, nil
}

// AtomicBatchUpdate applies every delta in one transaction so concurrent
// readers on other devices never observe a half-applied batch. readBy is
// append-only ($addToSet), which keeps retries and races commutative.
func (r *messageRepository) AtomicBatchUpdate(ctx context.Context, conversationId string, deltas []ReadDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	collection := r.db.Collection("messages")

	models := make([]mongo.WriteModel, 0, len(deltas))
	for _, delta := range deltas {
		update := bson.M{
			"$addToSet": bson.M{"readBy": delta.AddReader},
		}
		if delta.SetStatus != "" {
			update["$set"] = bson.M{"status": delta.SetStatus}
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": delta.MessageId, "conversationId": conversationId}).
			SetUpdate(update))
	}

	session, err := r.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %v", ErrConnection, err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return collection.BulkWrite(sessCtx, models, options.BulkWrite().SetOrdered(true))
	})
	if err != nil {
		if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
			return fmt.Errorf("%w: read-state batch: %v", ErrConnection, err)
		}
		return fmt.Errorf("%w: read-state batch: %v", ErrWriteConflict, err)
	}

	return nil
}
