// Package coordinator is the API the presentation layer consumes: the active
// conversation, history and list loading, sending and the derived view state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/conversation"
	"github.com/matheus3301/parley/internal/protocol"
	"github.com/matheus3301/parley/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrFetchSuperseded is returned by a history fetch whose conversation is no
// longer active when the response arrives. Its result is discarded.
var ErrFetchSuperseded = errors.New("fetch superseded by a newer selection")

// SendError reports a message that reached the failed state.
type SendError struct {
	CorrelationID string
	Err           error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s failed: %v", e.CorrelationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// API is the REST collaborator.
type API interface {
	ListConversations(ctx context.Context) ([]api.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]protocol.WireMessage, error)
	CreateConversation(ctx context.Context, targetUserID string) (api.Conversation, error)
}

// Outbox submits and resubmits optimistic sends.
type Outbox interface {
	Submit(conversationID, text string) (string, <-chan error, error)
	Retry(correlationID string) (<-chan error, error)
	Ack(correlationID string) bool
}

// Persister writes conversations to the local cache.
type Persister interface {
	Save(conversationID string) error
	SaveAll() error
}

// StateSource exposes the connection state.
type StateSource interface {
	Snapshot() status.StatusChange
}

// FetchEvent is the payload of fetch.started and fetch.finished.
type FetchEvent struct {
	Target         string // "conversations" or "messages"
	ConversationID string
	Err            error
}

// View is a snapshot of everything a UI renders.
type View struct {
	ActiveConversationID string
	Conversations        []conversation.Conversation
	Messages             []conversation.Message
	LoadingConversations bool
	LoadingMessages      bool
	ConversationsError   error
	MessagesError        error
	Connection           status.StatusChange
	NeedsReauth          bool
}

// Options configures a Coordinator.
type Options struct {
	Persister Persister
	State     StateSource
}

// Coordinator is session scoped; create one per authenticated identity and
// Close it on logout.
type Coordinator struct {
	conv   *conversation.Store
	api    API
	outbox Outbox
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	group  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	active      string
	msgTag      uint64 // tag of the newest history fetch for the active conversation
	nextTag     uint64
	loadingList bool
	loadingMsgs bool
	listErr     error
	msgsErr     error
	connection  status.StatusChange
	closed      bool
}

// New creates a coordinator.
func New(conv *conversation.Store, client API, outbox Outbox, b *bus.Bus, logger *zap.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		conv:   conv,
		api:    client,
		outbox: outbox,
		bus:    b,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.State != nil {
		c.connection = opts.State.Snapshot()
	}
	return c
}

// Start follows connection state changes. After a reconnect it refreshes
// the conversation list and the active history to pick up missed events.
func (c *Coordinator) Start() {
	if c.bus == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	ch, unsub := c.bus.Subscribe(bus.KindConnectionState, 32)
	go func() {
		defer c.wg.Done()
		defer unsub()
		for {
			select {
			case <-c.ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				change, ok := evt.Payload.(status.StatusChange)
				if !ok {
					continue
				}
				c.mu.Lock()
				c.connection = change
				active := c.active
				c.mu.Unlock()

				if change.To == status.Connected && change.From == status.Reconnecting {
					c.logger.Info("reconnected, refreshing state")
					c.background(func(ctx context.Context) { _ = c.FetchConversations(ctx) })
					if active != "" {
						c.background(func(ctx context.Context) { _ = c.FetchMessages(ctx, active) })
					}
				}
			}
		}
	}()
}

// Close cancels background work and waits for it. Work requested after
// Close is ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) background(f func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		f(c.ctx)
	}()
}

// SetActiveConversation focuses a conversation and starts loading its
// history. An empty id clears focus.
func (c *Coordinator) SetActiveConversation(id string) {
	c.mu.Lock()
	if id == c.active {
		c.mu.Unlock()
		return
	}
	c.active = id
	c.msgsErr = nil
	c.loadingMsgs = false
	c.mu.Unlock()

	c.conv.SetActive(id)
	if id != "" {
		c.background(func(ctx context.Context) {
			if err := c.FetchMessages(ctx, id); err != nil && !errors.Is(err, ErrFetchSuperseded) {
				c.logger.Warn("history fetch failed", zap.String("conversation_id", id), zap.Error(err))
			}
		})
	}
}

// ActiveConversationID returns the focused conversation.
func (c *Coordinator) ActiveConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// FetchConversations refreshes the conversation list. Concurrent calls share
// one request. On failure the previous list is kept.
func (c *Coordinator) FetchConversations(ctx context.Context) error {
	_, err, _ := c.group.Do("conversations", func() (any, error) {
		return nil, c.fetchConversations(ctx)
	})
	return err
}

func (c *Coordinator) fetchConversations(ctx context.Context) error {
	c.mu.Lock()
	c.loadingList = true
	c.mu.Unlock()
	c.publish(bus.KindFetchStarted, FetchEvent{Target: "conversations"})

	list, err := c.api.ListConversations(ctx)

	c.mu.Lock()
	c.loadingList = false
	c.listErr = err
	c.mu.Unlock()
	defer c.publish(bus.KindFetchFinished, FetchEvent{Target: "conversations", Err: err})

	if err != nil {
		c.logger.Warn("conversation list fetch failed", zap.Error(err))
		return err
	}

	self := c.conv.Self().ID
	convs := make([]conversation.Conversation, 0, len(list))
	for _, a := range list {
		convs = append(convs, fromAPI(a, self))
	}
	added := c.conv.UpsertConversations(convs)
	if len(added) > 0 {
		c.logger.Info("conversations added", zap.Strings("ids", added))
	}
	c.persistAll()
	return nil
}

// FetchMessages loads a conversation's history and merges it into the
// store. A fetch started for the active conversation is discarded with
// ErrFetchSuperseded if another conversation became active, or a newer fetch
// started, before it completed. On failure loaded messages are kept.
func (c *Coordinator) FetchMessages(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.nextTag++
	tag := c.nextTag
	forActive := conversationID == c.active
	if forActive {
		c.msgTag = tag
		c.loadingMsgs = true
		c.msgsErr = nil
	}
	c.mu.Unlock()
	c.publish(bus.KindFetchStarted, FetchEvent{Target: "messages", ConversationID: conversationID})

	wire, err := c.api.ListMessages(ctx, conversationID)

	c.mu.Lock()
	if forActive && (c.active != conversationID || c.msgTag != tag) {
		c.mu.Unlock()
		c.logger.Debug("discarding stale history", zap.String("conversation_id", conversationID))
		c.publish(bus.KindFetchFinished, FetchEvent{Target: "messages", ConversationID: conversationID, Err: ErrFetchSuperseded})
		return ErrFetchSuperseded
	}
	if forActive {
		c.loadingMsgs = false
		c.msgsErr = err
	}
	if err != nil {
		c.mu.Unlock()
		c.publish(bus.KindFetchFinished, FetchEvent{Target: "messages", ConversationID: conversationID, Err: err})
		return err
	}

	msgs := make([]conversation.Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, conversation.FromWire(w))
	}
	// Merged under c.mu so a concurrent selection cannot interleave.
	confirmed, err := c.conv.MergeHistory(conversationID, msgs)
	if err != nil && forActive {
		c.msgsErr = err
	}
	c.mu.Unlock()

	if errors.Is(err, conversation.ErrUnknownConversation) {
		c.RequestConversationRefresh(conversationID)
	}
	for _, corr := range confirmed {
		c.outbox.Ack(corr)
	}
	if err == nil {
		c.persist(conversationID)
	}
	c.publish(bus.KindFetchFinished, FetchEvent{Target: "messages", ConversationID: conversationID, Err: err})
	return err
}

// SendMessage sends text and waits until the server confirms it or it
// fails. It returns the correlation id in both cases so a failed message
// can be retried or discarded.
func (c *Coordinator) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	corr, result, err := c.outbox.Submit(conversationID, text)
	if err != nil {
		return "", err
	}
	return corr, c.await(ctx, corr, result)
}

// RetryMessage resubmits a failed message and waits like SendMessage.
func (c *Coordinator) RetryMessage(ctx context.Context, correlationID string) error {
	result, err := c.outbox.Retry(correlationID)
	if err != nil {
		return err
	}
	return c.await(ctx, correlationID, result)
}

// DiscardMessage removes a failed message.
func (c *Coordinator) DiscardMessage(correlationID string) error {
	return c.conv.Discard(correlationID)
}

func (c *Coordinator) await(ctx context.Context, corr string, result <-chan error) error {
	select {
	case err := <-result:
		if err != nil {
			return &SendError{CorrelationID: corr, Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitiateConversation returns the conversation with targetUserID, creating
// it on the server only if none is known locally. The server may answer
// with an existing conversation; that id is returned without duplication.
func (c *Coordinator) InitiateConversation(ctx context.Context, targetUserID string) (string, error) {
	if targetUserID == "" {
		return "", errors.New("target user id is required")
	}
	if id, ok := c.conv.FindByInterlocutor(targetUserID); ok {
		return id, nil
	}

	v, err, _ := c.group.Do("initiate:"+targetUserID, func() (any, error) {
		created, err := c.api.CreateConversation(ctx, targetUserID)
		if err != nil {
			return "", err
		}
		conv := fromAPI(created, c.conv.Self().ID)
		if conv.Interlocutor.ID == "" {
			conv.Interlocutor.ID = targetUserID
		}
		c.conv.UpsertConversations([]conversation.Conversation{conv})
		c.persist(conv.ID)
		return conv.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// RequestConversationRefresh schedules a list refresh without blocking.
// Concurrent requests collapse into one fetch.
func (c *Coordinator) RequestConversationRefresh(conversationID string) {
	c.logger.Debug("conversation list refresh requested", zap.String("conversation_id", conversationID))
	c.background(func(ctx context.Context) { _ = c.FetchConversations(ctx) })
}

// View returns the current view state.
func (c *Coordinator) View() View {
	c.mu.Lock()
	v := View{
		ActiveConversationID: c.active,
		LoadingConversations: c.loadingList,
		LoadingMessages:      c.loadingMsgs,
		ConversationsError:   c.listErr,
		MessagesError:        c.msgsErr,
		Connection:           c.connection,
	}
	c.mu.Unlock()

	if c.opts.State != nil {
		v.Connection = c.opts.State.Snapshot()
	}
	v.NeedsReauth = v.Connection.NeedsReauth()
	v.Conversations = c.conv.ListConversations()
	if v.ActiveConversationID != "" {
		v.Messages = c.conv.MessagesFor(v.ActiveConversationID)
	}
	return v
}

func (c *Coordinator) persist(conversationID string) {
	if c.opts.Persister == nil {
		return
	}
	if err := c.opts.Persister.Save(conversationID); err != nil {
		c.logger.Warn("failed to cache conversation", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (c *Coordinator) persistAll() {
	if c.opts.Persister == nil {
		return
	}
	if err := c.opts.Persister.SaveAll(); err != nil {
		c.logger.Warn("failed to cache conversations", zap.Error(err))
	}
}

func (c *Coordinator) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func fromAPI(a api.Conversation, selfID string) conversation.Conversation {
	conv := conversation.Conversation{
		ID: a.ID.String(),
		Interlocutor: conversation.Participant{
			ID:        a.Interlocutor.ID.String(),
			Name:      a.Interlocutor.Name,
			AvatarURL: a.Interlocutor.AvatarURL,
		},
		UnreadCount: a.UnreadCount,
	}
	if p := a.LastMessage; p != nil {
		conv.LastMessage = &conversation.Preview{
			Text:      p.Content,
			Timestamp: p.Timestamp,
			Outgoing:  p.SenderID.String() == selfID,
		}
	}
	return conv
}
