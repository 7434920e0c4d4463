package usecase

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"talksync/internal/entity"
	"talksync/internal/repository"
)

// fakeSubscription is a hand-driven live channel.
type fakeSubscription struct {
	events chan []entity.Message

	mu     sync.Mutex
	err    error
	closed bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		events: make(chan []entity.Message, 32),
	}
}

func (s *fakeSubscription) Events() <-chan []entity.Message { return s.events }

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Close() {}

// fail ends the live channel with an error, as a dropped connection would.
func (s *fakeSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

type fakeMessageStore struct {
	mu sync.Mutex

	log    []entity.Message
	nextTs int64

	subs              []*fakeSubscription
	subscribeCalls    int
	subscribeFailures int

	queryCalls int
	queryErr   error

	batchCalls [][]repository.ReadDelta
	batchErr   error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{nextTs: 1}
}

func (f *fakeMessageStore) seed(conversationId string, count int) []entity.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	seeded := make([]entity.Message, 0, count)
	for i := 0; i < count; i++ {
		msg := entity.Message{
			Id:             fmt.Sprintf("m%02d", i+1),
			ConversationId: conversationId,
			SenderId:       "sender",
			Kind:           entity.MessageText,
			Text:           fmt.Sprintf("message %d", i+1),
			Timestamp:      f.nextTs,
			ReadBy:         []string{"sender"},
			Status:         entity.StatusSent,
		}
		f.nextTs++
		f.log = append(f.log, msg)
		seeded = append(seeded, msg)
	}
	return seeded
}

// emit appends a message to the log and delivers it on every open
// subscription, like a store insert observed by the change feed.
func (f *fakeMessageStore) emit(msg entity.Message) {
	f.mu.Lock()
	if msg.Timestamp == 0 {
		msg.Timestamp = f.nextTs
		f.nextTs++
	}
	f.log = append(f.log, msg)
	subs := append([]*fakeSubscription{}, f.subs...)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.events <- []entity.Message{msg}
		}
		sub.mu.Unlock()
	}
}

func (f *fakeMessageStore) page(conversationId string, before entity.OrderedLogCursor, limit int) []entity.Message {
	matched := make([]entity.Message, 0)
	for _, msg := range f.log {
		if msg.ConversationId != conversationId {
			continue
		}
		if !before.IsZero() && before.Covers(msg) {
			continue
		}
		matched = append(matched, msg)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Before(matched[j])
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func (f *fakeMessageStore) Create(_ context.Context, msg entity.Message) (entity.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.Id = fmt.Sprintf("gen-%d", f.nextTs)
	msg.Timestamp = f.nextTs
	f.nextTs++
	msg.Status = entity.StatusSent
	if msg.ReadBy == nil {
		msg.ReadBy = []string{msg.SenderId}
	}
	f.log = append(f.log, msg)
	return msg, nil
}

func (f *fakeMessageStore) Get(_ context.Context, conversationId, messageId string) (entity.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.log {
		if msg.ConversationId == conversationId && msg.Id == messageId {
			return msg, nil
		}
	}
	return entity.Message{}, fmt.Errorf("message %s not found", messageId)
}

func (f *fakeMessageStore) Subscribe(_ context.Context, conversationId string, limit int) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeFailures > 0 {
		f.subscribeFailures--
		return nil, repository.ErrConnection
	}
	sub := newFakeSubscription()
	sub.events <- f.page(conversationId, entity.OrderedLogCursor{}, limit)
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeMessageStore) Query(_ context.Context, conversationId string, before entity.OrderedLogCursor, limit int) ([]entity.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.page(conversationId, before, limit), nil
}

func (f *fakeMessageStore) AtomicBatchUpdate(_ context.Context, conversationId string, deltas []repository.ReadDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	f.batchCalls = append(f.batchCalls, deltas)
	for _, delta := range deltas {
		for i := range f.log {
			if f.log[i].ConversationId != conversationId || f.log[i].Id != delta.MessageId {
				continue
			}
			if !f.log[i].HasRead(delta.AddReader) {
				f.log[i].ReadBy = append(f.log[i].ReadBy, delta.AddReader)
			}
			if delta.SetStatus != "" {
				f.log[i].Status = delta.SetStatus
			}
		}
	}
	return nil
}

func (f *fakeMessageStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batchCalls)
}

func (f *fakeMessageStore) find(conversationId, messageId string) entity.Message {
	msg, _ := f.Get(context.Background(), conversationId, messageId)
	return msg
}

type fakeConversationRepo struct {
	mu            sync.Mutex
	conversations map[string]entity.Conversation
	lastMessages  map[string]entity.LastMessage
}

func newFakeConversationRepo(conversations ...entity.Conversation) *fakeConversationRepo {
	repo := &fakeConversationRepo{
		conversations: make(map[string]entity.Conversation),
		lastMessages:  make(map[string]entity.LastMessage),
	}
	for _, c := range conversations {
		repo.conversations[c.Id] = c
	}
	return repo
}

func (f *fakeConversationRepo) Index(_ context.Context, userId string) ([]entity.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entity.Conversation, 0)
	for _, c := range f.conversations {
		if c.HasParticipant(userId) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConversationRepo) Get(_ context.Context, conversationId string) (entity.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationId]
	if !ok {
		return entity.Conversation{}, repository.ErrConversationNotFound
	}
	return c, nil
}

func (f *fakeConversationRepo) Create(_ context.Context, c entity.Conversation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Id == "" {
		c.Id = fmt.Sprintf("conv-%d", len(f.conversations)+1)
	}
	f.conversations[c.Id] = c
	return c.Id, nil
}

func (f *fakeConversationRepo) UpdateLastMessage(_ context.Context, conversationId string, last entity.LastMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMessages[conversationId] = last
	return nil
}

func (f *fakeConversationRepo) Participants(ctx context.Context, conversationId string) ([]string, error) {
	c, err := f.Get(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	return c.ParticipantIds, nil
}

type fakeDeviceStore struct {
	mu      sync.Mutex
	devices map[string]entity.DeviceRegistration
	topics  map[string][]string
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{
		devices: make(map[string]entity.DeviceRegistration),
		topics:  make(map[string][]string),
	}
}

func (f *fakeDeviceStore) Save(_ context.Context, registration entity.DeviceRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	registration.Topics = f.topics[registration.DeviceId]
	f.devices[registration.DeviceId] = registration
	return nil
}

func (f *fakeDeviceStore) Get(_ context.Context, deviceId string) (entity.DeviceRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	registration, ok := f.devices[deviceId]
	if !ok {
		return entity.DeviceRegistration{}, repository.ErrDeviceNotFound
	}
	registration.Topics = append([]string{}, f.topics[deviceId]...)
	return registration, nil
}

func (f *fakeDeviceStore) AddTopic(_ context.Context, deviceId, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.topics[deviceId] {
		if t == topic {
			return nil
		}
	}
	f.topics[deviceId] = append(f.topics[deviceId], topic)
	return nil
}

func (f *fakeDeviceStore) RemoveTopic(_ context.Context, deviceId, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.topics[deviceId][:0]
	for _, t := range f.topics[deviceId] {
		if t != topic {
			kept = append(kept, t)
		}
	}
	f.topics[deviceId] = kept
	return nil
}

func (f *fakeDeviceStore) DevicesForUser(_ context.Context, userId string) ([]entity.DeviceRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entity.DeviceRegistration, 0)
	for _, registration := range f.devices {
		if registration.UserId == userId {
			out = append(out, registration)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceId < out[j].DeviceId })
	return out, nil
}

type gatewaySend struct {
	token   string
	topic   string
	payload []byte
}

type fakeGateway struct {
	mu sync.Mutex

	denied          map[string]bool
	unavailableLeft int
	tokenSeq        int

	getTokenCalls          int
	subscribed             map[string][]string // token -> topics
	unsubscribed           map[string][]string
	subscribeTopicFailures int
	sends                  []gatewaySend
	sendAttempts           int
	sendFailures           int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		denied:       make(map[string]bool),
		subscribed:   make(map[string][]string),
		unsubscribed: make(map[string][]string),
	}
}

func (f *fakeGateway) GetToken(_ context.Context, deviceId string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getTokenCalls++
	if f.denied[deviceId] {
		return "", repository.ErrPermissionDenied
	}
	if f.unavailableLeft > 0 {
		f.unavailableLeft--
		return "", repository.ErrGatewayUnavailable
	}
	f.tokenSeq++
	return fmt.Sprintf("token-%s-%d", deviceId, f.tokenSeq), nil
}

func (f *fakeGateway) SubscribeTopic(_ context.Context, token, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeTopicFailures > 0 {
		f.subscribeTopicFailures--
		return repository.ErrGatewayUnavailable
	}
	f.subscribed[token] = append(f.subscribed[token], topic)
	return nil
}

func (f *fakeGateway) UnsubscribeTopic(_ context.Context, token, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed[token] = append(f.unsubscribed[token], topic)
	return nil
}

func (f *fakeGateway) SendToToken(_ context.Context, token string, payload []byte) error {
	return f.send(gatewaySend{token: token, payload: payload})
}

func (f *fakeGateway) SendToTopic(_ context.Context, topic string, payload []byte) error {
	return f.send(gatewaySend{topic: topic, payload: payload})
}

func (f *fakeGateway) send(s gatewaySend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendAttempts++
	if f.sendFailures > 0 {
		f.sendFailures--
		return repository.ErrGatewayUnavailable
	}
	f.sends = append(f.sends, s)
	return nil
}

func (f *fakeGateway) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeGateway) topicsFor(token string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.subscribed[token]...)
}

type fakePresenter struct {
	mu         sync.Mutex
	foreground map[string]string
	presented  []string
	broadcasts []entity.NotificationEvent
	presentErr error
}

func newFakePresenter() *fakePresenter {
	return &fakePresenter{
		foreground: make(map[string]string),
	}
}

func (f *fakePresenter) Present(deviceId string, _ entity.NotificationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presentErr != nil {
		return f.presentErr
	}
	f.presented = append(f.presented, deviceId)
	return nil
}

func (f *fakePresenter) PresentBroadcast(event entity.NotificationEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, event)
}

func (f *fakePresenter) ActiveConversation(deviceId string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conversationId, ok := f.foreground[deviceId]
	return conversationId, ok
}

func (f *fakePresenter) presentedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.presented)
}

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putCalls int
	putErr   error
	deletes  []string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		objects: make(map[string][]byte),
	}
}

func (f *fakeBlobStore) Put(_ context.Context, name string, r io.Reader, size int64, progress func(written, total int64)) (string, error) {
	f.mu.Lock()
	f.putCalls++
	err := f.putErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}

	// Two chunks, to exercise fractional progress.
	buf := make([]byte, 0, size)
	half := size / 2
	if half <= 0 {
		half = 1
	}
	chunk := make([]byte, half)
	var written int64
	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			written += int64(n)
			if progress != nil {
				progress(written, size)
			}
		}
		if readErr != nil {
			break
		}
	}

	f.mu.Lock()
	f.objects[name] = buf
	f.mu.Unlock()
	return "/media/" + name, nil
}

func (f *fakeBlobStore) Exists(_ context.Context, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[name]; ok {
		return "/media/" + name, true, nil
	}
	return "", false, nil
}

func (f *fakeBlobStore) Fetch(_ context.Context, name string, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	if !ok {
		return fmt.Errorf("no object %s", name)
	}
	_, err := w.Write(data)
	return err
}

func (f *fakeBlobStore) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	delete(f.objects, name)
	return nil
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
