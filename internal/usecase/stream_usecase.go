package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"

	"talksync/internal/entity"
	"talksync/internal/repository"
	"talksync/pkg/backoff"

	"github.com/rs/zerolog"
)

const defaultWindowSize = 50

var ErrStreamClosed = errors.New("stream handle closed")

type StreamState int

const (
	StateClosed StreamState = iota
	StateSubscribing
	StateLive
	StateReconnecting
)

func (s StreamState) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// MessageStreamManager opens per-conversation stream handles. Each handle
// merges the live subscription and backward pagination into one gap-free,
// duplicate-free, timestamp-descending sequence.
type MessageStreamManager struct {
	store  repository.MessageStore
	retry  backoff.Policy
	logger zerolog.Logger
}

func NewMessageStreamManager(store repository.MessageStore, logger zerolog.Logger) *MessageStreamManager {
	return &MessageStreamManager{
		store:  store,
		retry:  backoff.Default(),
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

// Open establishes the live subscription bounded to the most recent
// windowSize messages. On failure the caller retries with capped,
// jittered backoff; the seen-id dedup makes a retried Open safe.
func (m *MessageStreamManager) Open(ctx context.Context, conversationId string, windowSize int) (*StreamHandle, error) {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}

	handleCtx, cancel := context.WithCancel(ctx)
	h := &StreamHandle{
		conversationId: conversationId,
		windowSize:     windowSize,
		store:          m.store,
		retry:          m.retry,
		logger:         m.logger.With().Str("conversation", conversationId).Logger(),
		ctx:            handleCtx,
		cancel:         cancel,
		batches:        make(chan []entity.Message, 16),
		seen:           make(map[string]struct{}),
		state:          StateSubscribing,
	}

	sub, err := m.store.Subscribe(handleCtx, conversationId, windowSize)
	if err != nil {
		cancel()
		h.setState(StateClosed)
		return nil, err
	}

	h.setState(StateLive)
	h.wg.Add(1)
	go h.run(sub)

	return h, nil
}

// StreamHandle is one conversation view's live sequence. A handle owns a
// monotonically growing seen-id set for its whole lifetime: any message
// arriving twice, via either the live channel or a pagination page, is
// silently dropped.
type StreamHandle struct {
	conversationId string
	windowSize     int
	store          repository.MessageStore
	retry          backoff.Policy
	logger         zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	batches chan []entity.Message

	mu     sync.Mutex
	state  StreamState
	seen   map[string]struct{}
	oldest entity.OrderedLogCursor

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Batches delivers deduplicated, descending-ordered message batches. The
// channel closes after Close.
func (h *StreamHandle) Batches() <-chan []entity.Message {
	return h.batches
}

func (h *StreamHandle) ConversationId() string {
	return h.conversationId
}

func (h *StreamHandle) State() StreamState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *StreamHandle) setState(s StreamState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// admit filters already-seen ids, records the rest, advances the oldest
// cursor across both live and paginated sources, and returns the fresh
// messages in presentation order.
func (h *StreamHandle) admit(batch []entity.Message) []entity.Message {
	h.mu.Lock()
	fresh := make([]entity.Message, 0, len(batch))
	for _, msg := range batch {
		if _, dup := h.seen[msg.Id]; dup {
			continue
		}
		h.seen[msg.Id] = struct{}{}
		h.oldest = h.oldest.Advance(msg)
		fresh = append(fresh, msg)
	}
	h.mu.Unlock()

	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].Before(fresh[j])
	})
	return fresh
}

func (h *StreamHandle) run(sub repository.Subscription) {
	defer h.wg.Done()
	defer close(h.batches)
	defer h.setState(StateClosed)

	for {
		terminal := h.consume(sub)
		err := sub.Err()
		sub.Close()
		if terminal {
			return
		}

		// Live channel failed: keep the seen set and already-rendered
		// state, re-subscribe with backoff.
		h.logger.Warn().Err(err).Msg("subscription lost, reconnecting")
		h.setState(StateReconnecting)

		attempt := 0
		for {
			if err := backoff.Sleep(h.ctx, h.retry.Delay(attempt)); err != nil {
				return
			}
			next, err := h.store.Subscribe(h.ctx, h.conversationId, h.windowSize)
			if err == nil {
				sub = next
				h.setState(StateLive)
				break
			}
			attempt++
			h.logger.Debug().Err(err).Int("attempt", attempt).Msg("resubscribe failed")
		}
	}
}

// consume pumps subscription events into the batch channel. Returns true
// when the handle is closed, false when the subscription ended and a
// reconnect is due.
func (h *StreamHandle) consume(sub repository.Subscription) bool {
	for {
		select {
		case <-h.ctx.Done():
			return true
		case batch, ok := <-sub.Events():
			if !ok {
				return h.ctx.Err() != nil
			}
			fresh := h.admit(batch)
			if len(fresh) == 0 {
				continue
			}
			select {
			case h.batches <- fresh:
			case <-h.ctx.Done():
				return true
			}
		}
	}
}

// LoadOlder fetches the next page strictly older than the oldest message
// known to the handle, across both live and paginated history. hasMore is
// false once the log has no messages older than the returned page.
func (h *StreamHandle) LoadOlder(ctx context.Context) ([]entity.Message, bool, error) {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil, false, ErrStreamClosed
	}
	before := h.oldest
	h.mu.Unlock()

	// Probe one past the window so an exactly-full page that drains the
	// log still reports hasMore=false.
	page, err := h.store.Query(ctx, h.conversationId, before, h.windowSize+1)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(page) > h.windowSize
	if hasMore {
		page = page[:h.windowSize]
	}
	return h.admit(page), hasMore, nil
}

// Close cancels the subscription and any in-flight pagination. Idempotent.
func (h *StreamHandle) Close() {
	h.closeOnce.Do(func() {
		h.setState(StateClosed)
		h.cancel()
	})
}
