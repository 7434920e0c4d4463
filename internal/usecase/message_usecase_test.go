package usecase

import (
	"context"
	"errors"
	"testing"

	"talksync/infrastructure/cache"
	"talksync/internal/entity"
	"talksync/internal/repository"

	"github.com/rs/zerolog"
)

type serviceFixture struct {
	store         *fakeMessageStore
	conversations *fakeConversationRepo
	blobs         *fakeBlobStore
	gateway       *fakeGateway
	presenter     *fakePresenter
	service       *MessageService
}

func newServiceFixture(t *testing.T, conversations ...entity.Conversation) *serviceFixture {
	t.Helper()
	dedup := cache.New(0)
	t.Cleanup(dedup.Close)

	f := &serviceFixture{
		store:         newFakeMessageStore(),
		conversations: newFakeConversationRepo(conversations...),
		blobs:         newFakeBlobStore(),
		gateway:       newFakeGateway(),
		presenter:     newFakePresenter(),
	}
	devices := newFakeDeviceStore()
	router := NewNotificationRouter(devices, f.gateway, f.presenter, dedup, zerolog.Nop())
	router.retry = fastRetry
	uploads := NewMediaUploadPipeline(f.blobs, zerolog.Nop())
	f.service = NewMessageService(f.store, f.conversations, uploads, router, zerolog.Nop())
	return f
}

func pairConversation() entity.Conversation {
	return entity.Conversation{
		Id:             "conv",
		ParticipantIds: []string{"alice", "bob"},
	}
}

func TestSendCommitsAndRefreshesPreview(t *testing.T) {
	f := newServiceFixture(t, pairConversation())

	message, err := f.service.Send(context.Background(), SendInput{
		ConversationId: "conv",
		SenderId:       "alice",
		SenderName:     "Alice",
		Text:           "hello bob",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if message.Id == "" || message.Timestamp == 0 {
		t.Fatalf("message not committed: %+v", message)
	}
	if message.Status != entity.StatusSent {
		t.Fatalf("status = %q, want sent", message.Status)
	}
	if !message.HasRead("alice") {
		t.Fatal("sender missing from readBy")
	}

	last, ok := f.conversations.lastMessages["conv"]
	if !ok || last.Text != "hello bob" || last.SenderName != "Alice" {
		t.Fatalf("lastMessage = %+v, want hello bob from Alice", last)
	}
}

func TestSendRejectsNonParticipant(t *testing.T) {
	f := newServiceFixture(t, pairConversation())

	_, err := f.service.Send(context.Background(), SendInput{
		ConversationId: "conv",
		SenderId:       "mallory",
		Text:           "let me in",
	})
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v, want ErrNotParticipant", err)
	}
}

func TestSendRejectsUnknownConversation(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Send(context.Background(), SendInput{
		ConversationId: "missing",
		SenderId:       "alice",
		Text:           "anyone there",
	})
	if !errors.Is(err, repository.ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	f := newServiceFixture(t, pairConversation())

	_, err := f.service.Send(context.Background(), SendInput{
		ConversationId: "conv",
		SenderId:       "alice",
	})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestSendRejectsDanglingMediaReference(t *testing.T) {
	f := newServiceFixture(t, pairConversation())

	_, err := f.service.Send(context.Background(), SendInput{
		ConversationId: "conv",
		SenderId:       "alice",
		Kind:           entity.MessageImage,
		Media:          &entity.MediaInfo{ContentHash: "never-uploaded"},
	})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("err = %v, want ErrUploadFailed", err)
	}
	if len(f.store.log) != 0 {
		t.Fatal("message committed with a dangling attachment")
	}
}

func TestSendAcceptsCompletedUpload(t *testing.T) {
	f := newServiceFixture(t, pairConversation())
	ctx := context.Background()

	uploads := NewMediaUploadPipeline(f.blobs, zerolog.Nop())
	media, err := uploads.Upload(ctx, []byte("photo bytes"), "image/jpeg", nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	message, err := f.service.Send(ctx, SendInput{
		ConversationId: "conv",
		SenderId:       "alice",
		Kind:           entity.MessageImage,
		Media:          &media,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if message.Media == nil || message.Media.ContentHash != media.ContentHash {
		t.Fatalf("media reference lost: %+v", message.Media)
	}
}

func TestSendRoutesNotificationToRecipient(t *testing.T) {
	f := newServiceFixture(t, pairConversation())
	f.presenter.foreground["bob-phone"] = "conv"
	ctx := context.Background()

	// The router only reaches devices it can look up.
	devices := newFakeDeviceStore()
	_ = devices.Save(ctx, entity.DeviceRegistration{
		DeviceId: "bob-phone", UserId: "bob", PushToken: "tok-bob",
	})
	dedup := cache.New(0)
	t.Cleanup(dedup.Close)
	router := NewNotificationRouter(devices, f.gateway, f.presenter, dedup, zerolog.Nop())
	router.retry = fastRetry
	f.service.router = router

	if _, err := f.service.Send(ctx, SendInput{
		ConversationId: "conv",
		SenderId:       "alice",
		SenderName:     "Alice",
		Text:           "ping",
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := f.presenter.presentedCount(); got != 1 {
		t.Fatalf("recipient presented %d times, want 1", got)
	}
	if got := f.gateway.sentCount(); got != 0 {
		t.Fatalf("pushed %d times while foregrounded, want 0", got)
	}
}

func TestBroadcastRoutesToAllUsersTopic(t *testing.T) {
	f := newServiceFixture(t)

	broadcastId := f.service.Broadcast(context.Background(), "admin", "Admin", "Maintenance", "tonight at 22:00")
	if broadcastId == "" {
		t.Fatal("no broadcast id")
	}
	if got := f.gateway.sentCount(); got != 1 {
		t.Fatalf("pushed %d times, want 1", got)
	}
	if topic := f.gateway.sends[0].topic; topic != entity.TopicAllUsers {
		t.Fatalf("pushed to topic %q, want %q", topic, entity.TopicAllUsers)
	}
}

func TestHistoryDerivesReadStatus(t *testing.T) {
	f := newServiceFixture(t, pairConversation())
	f.store.emit(entity.Message{
		Id:             "m1",
		ConversationId: "conv",
		SenderId:       "alice",
		ReadBy:         []string{"alice", "bob"},
		Status:         entity.StatusSent,
	})
	f.store.emit(entity.Message{
		Id:             "m2",
		ConversationId: "conv",
		SenderId:       "alice",
		ReadBy:         []string{"alice"},
		Status:         entity.StatusSent,
	})

	page, err := f.service.History(context.Background(), "conv", entity.OrderedLogCursor{}, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	assertIds(t, page, "m2", "m1")

	if page[1].Status != entity.StatusRead {
		t.Fatalf("fully-read message status = %q, want read", page[1].Status)
	}
	if page[0].Status != entity.StatusSent {
		t.Fatalf("unread message status = %q, want sent", page[0].Status)
	}
}

func TestHistoryPagesTheLog(t *testing.T) {
	f := newServiceFixture(t, pairConversation())
	f.store.seed("conv", 6)
	ctx := context.Background()

	page, err := f.service.History(ctx, "conv", entity.OrderedLogCursor{}, 4)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	assertIds(t, page, "m06", "m05", "m04", "m03")

	older, err := f.service.History(ctx, "conv", entity.CursorFrom(page[len(page)-1]), 4)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	assertIds(t, older, "m02", "m01")
}
