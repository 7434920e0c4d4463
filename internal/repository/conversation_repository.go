package repository

import (
	"context"
	"errors"
	"time"

	"talksync/internal/entity"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrConversationNotFound = errors.New("conversation not found")

type ConversationRepository interface {
	Index(ctx context.Context, userId string) ([]entity.Conversation, error)
	Get(ctx context.Context, conversationId string) (entity.Conversation, error)
	Create(ctx context.Context, conversation entity.Conversation) (string, error)
	UpdateLastMessage(ctx context.Context, conversationId string, last entity.LastMessage) error
	Participants(ctx context.Context, conversationId string) ([]string, error)
}

type conversationRepository struct {
	db mongo.Database
}

func NewConversationRepository(db mongo.Database) ConversationRepository {
	return &conversationRepository{
		db: db,
	}
}

// Index returns all conversations a user participates in, most recently
// updated first.
func (r *conversationRepository) Index(ctx context.Context, userId string) ([]entity.Conversation, error) {
	collection := r.db.Collection("conversations")
	filter := bson.M{"participantIds": userId}

	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var conversations []entity.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, err
	}

	return conversations, nil
}

func (r *conversationRepository) Get(ctx context.Context, conversationId string) (entity.Conversation, error) {
	collection := r.db.Collection("conversations")
	filter := bson.M{"_id": conversationId}

	var conversation entity.Conversation
	err := collection.FindOne(ctx, filter).Decode(&conversation)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return entity.Conversation{}, ErrConversationNotFound
		}
		return entity.Conversation{}, err
	}

	return conversation, nil
}

func (r *conversationRepository) Create(ctx context.Context, conversation entity.Conversation) (string, error) {
	collection := r.db.Collection("conversations")

	conversation.Id = uuid.New().String()
	conversation.IsGroup = len(conversation.ParticipantIds) > 2
	conversation.CreatedAt = time.Now()
	conversation.UpdatedAt = time.Now()

	_, err := collection.InsertOne(ctx, conversation)
	if err != nil {
		return "", err
	}

	return conversation.Id, nil
}

// UpdateLastMessage refreshes the denormalized list-preview cache.
func (r *conversationRepository) UpdateLastMessage(ctx context.Context, conversationId string, last entity.LastMessage) error {
	collection := r.db.Collection("conversations")
	filter := bson.M{"_id": conversationId}
	update := bson.M{
		"$set": bson.M{
			"lastMessage": last,
			"updatedAt":   time.Now(),
		},
	}

	_, err := collection.UpdateOne(ctx, filter, update)
	return err
}

func (r *conversationRepository) Participants(ctx context.Context, conversationId string) ([]string, error) {
	conversation, err := r.Get(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	return conversation.ParticipantIds, nil
}
