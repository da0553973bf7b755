// Package conversation holds the client-side model of conversations and
// their messages: inbound events, optimistic sends and their reconciliation.
package conversation

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/clock"
	"github.com/matheus3301/parley/internal/protocol"
	"go.uber.org/zap"
)

// DefaultGraceWindow bounds how old a pending send may be and still be
// matched against a server echo that carries no correlation id.
const DefaultGraceWindow = time.Minute

// Options configures a Store.
type Options struct {
	Self        Participant
	Clock       clock.Clock
	GraceWindow time.Duration
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Store is the in-memory conversation model for one authenticated user.
// Every method is safe for concurrent use; mutations are serialised.
type Store struct {
	mu      sync.Mutex
	self    Participant
	clock   clock.Clock
	grace   time.Duration
	bus     *bus.Bus
	logger  *zap.Logger
	threads map[string]*thread
	pending map[string]string // correlation id -> conversation id, until confirmed
	orphans map[string][]heldMessage
	active  string
	seq     uint64
}

type heldMessage struct {
	msg      Message
	clientID string
}

type thread struct {
	conv   Conversation
	msgs   []*Message
	byID   map[string]*Message
	byCorr map[string]*Message
}

// MessageEvent is the bus payload for message changes.
type MessageEvent struct {
	ConversationID string
	Key            string
	CorrelationID  string
	Status         Status
}

// ConversationEvent is the bus payload for conversation changes.
type ConversationEvent struct {
	ConversationID string
	UnreadCount    int
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		self:    opts.Self,
		clock:   opts.Clock,
		grace:   opts.GraceWindow,
		bus:     opts.Bus,
		logger:  opts.Logger,
		threads: make(map[string]*thread),
		pending: make(map[string]string),
		orphans: make(map[string][]heldMessage),
	}
}

// Self returns the local participant.
func (s *Store) Self() Participant { return s.self }

// ApplyInbound applies a decoded server event.
func (s *Store) ApplyInbound(evt protocol.Event) ApplyResult {
	switch e := evt.(type) {
	case protocol.NewMessage:
		return s.applyMessage(FromWire(e.Message), e.Message.ClientID)
	case protocol.ConversationChanged:
		return ApplyResult{Outcome: Ignored, ConversationID: e.ConversationID.String(), NeedsRefresh: true}
	default:
		return ApplyResult{Outcome: Ignored}
	}
}

func (s *Store) applyMessage(msg Message, clientID string) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[msg.ConversationID]
	if th == nil {
		s.holdLocked(msg, clientID)
		s.logger.Info("message for unknown conversation held until list refresh",
			zap.String("conversation_id", msg.ConversationID), zap.String("msg_id", msg.ID))
		return ApplyResult{Outcome: Deferred, ConversationID: msg.ConversationID, NeedsRefresh: true}
	}
	return s.applyToThreadLocked(th, msg, clientID, true)
}

func (s *Store) applyToThreadLocked(th *thread, msg Message, clientID string, live bool) ApplyResult {
	res := ApplyResult{ConversationID: th.conv.ID}

	if existing := th.byID[msg.ID]; existing != nil {
		if msg.Status.rank() > existing.Status.rank() {
			existing.Status = msg.Status
		}
		res.Outcome = Updated
		res.CorrelationID = existing.CorrelationID
		s.publishMessageLocked(existing)
		return res
	}

	if msg.Sender.ID == s.self.ID {
		if m := s.matchPendingLocked(th, msg, clientID); m != nil {
			corr := m.CorrelationID
			s.reconcileLocked(th, m, msg)
			res.Outcome = Reconciled
			res.CorrelationID = corr
			return res
		}
	}

	s.seq++
	m := msg
	m.CorrelationID = ""
	m.seq = s.seq
	th.msgs = append(th.msgs, &m)
	th.byID[m.ID] = &m
	if live && m.Sender.ID != s.self.ID && th.conv.ID != s.active {
		th.conv.UnreadCount++
	}
	s.settleLocked(th)
	s.publishMessageLocked(&m)
	res.Outcome = Inserted
	return res
}

// matchPendingLocked finds the local send a server message confirms. A
// message carrying a client id only confirms that exact entry, since an
// unknown id belongs to another client of the same user. Without one, the
// oldest unconfirmed entry with the same content sent within the grace
// window is chosen, so identical texts are confirmed in the order they were
// sent.
func (s *Store) matchPendingLocked(th *thread, msg Message, clientID string) *Message {
	if clientID != "" {
		if m := th.byCorr[clientID]; m != nil && !m.Confirmed() {
			return m
		}
		return nil
	}
	now := s.clock.Now()
	var best *Message
	for _, m := range th.msgs {
		if m.Confirmed() || m.Content != msg.Content {
			continue
		}
		if now.Sub(m.sentAt) > s.grace || msg.Timestamp.Before(m.sentAt.Add(-s.grace)) {
			continue
		}
		if best == nil || m.seq < best.seq {
			best = m
		}
	}
	return best
}

func (s *Store) reconcileLocked(th *thread, m *Message, server Message) {
	if dup := th.byID[server.ID]; dup != nil && dup != m {
		th.remove(dup)
	}
	delete(s.pending, m.CorrelationID)

	m.ID = server.ID
	m.Timestamp = server.Timestamp
	m.Content = server.Content
	if server.Sender.ID != "" {
		m.Sender = server.Sender
	}
	m.Status = StatusSent
	if server.Status.rank() > m.Status.rank() {
		m.Status = server.Status
	}
	th.byID[m.ID] = m
	s.settleLocked(th)
	s.publishMessageLocked(m)
}

// RecordOptimisticSend appends a pending message authored by the local user
// and returns its correlation id.
func (s *Store) RecordOptimisticSend(conversationID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[conversationID]
	if th == nil {
		return "", ErrUnknownConversation
	}

	now := s.clock.Now()
	ts := now
	if n := len(th.msgs); n > 0 && th.msgs[n-1].Timestamp.After(ts) {
		// Local clock behind the server: keep the entry at the tail.
		ts = th.msgs[n-1].Timestamp
	}

	s.seq++
	m := &Message{
		CorrelationID:  uuid.NewString(),
		ConversationID: conversationID,
		Sender:         s.self,
		Content:        text,
		Timestamp:      ts,
		Status:         StatusPending,
		seq:            s.seq,
	}
	m.sentAt = now
	th.msgs = append(th.msgs, m)
	th.byCorr[m.CorrelationID] = m
	s.pending[m.CorrelationID] = conversationID
	s.settleLocked(th)
	s.publishMessageLocked(m)
	return m.CorrelationID, nil
}

// Reconcile replaces the optimistic entry for correlationID with the
// server's canonical copy and marks it sent.
func (s *Store) Reconcile(correlationID string, server Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, m, err := s.unconfirmedLocked(correlationID)
	if err != nil {
		return err
	}
	s.reconcileLocked(th, m, server)
	return nil
}

// MarkFailed moves a pending entry to failed. The entry stays visible.
func (s *Store) MarkFailed(correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, m, err := s.unconfirmedLocked(correlationID)
	if err != nil {
		return err
	}
	if m.Status != StatusPending {
		return ErrNotPending
	}
	m.Status = StatusFailed
	s.publishMessageLocked(m)
	return nil
}

// Retry moves a failed entry back to pending and returns it.
func (s *Store) Retry(correlationID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, m, err := s.unconfirmedLocked(correlationID)
	if err != nil {
		return Message{}, err
	}
	if m.Status != StatusFailed {
		return Message{}, ErrNotFailed
	}
	m.Status = StatusPending
	m.sentAt = s.clock.Now()
	s.publishMessageLocked(m)
	return m.copy(), nil
}

// Discard removes a failed entry.
func (s *Store) Discard(correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, m, err := s.unconfirmedLocked(correlationID)
	if err != nil {
		return err
	}
	if m.Status != StatusFailed {
		return ErrNotFailed
	}
	th.remove(m)
	delete(s.pending, correlationID)
	s.settleLocked(th)
	s.publish(bus.KindMessageRemoved, MessageEvent{
		ConversationID: th.conv.ID,
		Key:            m.Key(),
		CorrelationID:  correlationID,
		Status:         m.Status,
	})
	return nil
}

// Lookup returns the current state of a locally sent message.
func (s *Store) Lookup(correlationID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, th := range s.threads {
		if m := th.byCorr[correlationID]; m != nil {
			return m.copy(), true
		}
	}
	return Message{}, false
}

func (s *Store) unconfirmedLocked(correlationID string) (*thread, *Message, error) {
	convID, ok := s.pending[correlationID]
	if !ok {
		for _, th := range s.threads {
			if m := th.byCorr[correlationID]; m != nil && m.Confirmed() {
				return nil, nil, ErrNotPending
			}
		}
		return nil, nil, ErrUnknownCorrelation
	}
	th := s.threads[convID]
	if th == nil {
		return nil, nil, ErrUnknownCorrelation
	}
	m := th.byCorr[correlationID]
	if m == nil || m.Confirmed() {
		return nil, nil, ErrNotPending
	}
	return th, m, nil
}

// UpsertConversations merges a conversation-list sync. Known conversations
// get a fresh interlocutor snapshot; unknown ones are added and any held
// messages for them are applied. Conversations missing from list are kept.
// Returns the ids that were added.
func (s *Store) UpsertConversations(list []Conversation) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		if th := s.threads[c.ID]; th != nil {
			th.conv.Interlocutor = c.Interlocutor
			if len(th.msgs) == 0 && c.LastMessage != nil {
				p := *c.LastMessage
				th.conv.LastMessage = &p
			}
			continue
		}

		th := &thread{
			conv:   c.copy(),
			byID:   make(map[string]*Message),
			byCorr: make(map[string]*Message),
		}
		if th.conv.UnreadCount < 0 || c.ID == s.active {
			th.conv.UnreadCount = 0
		}
		s.threads[c.ID] = th
		added = append(added, c.ID)

		// A server-reported unread count already covers the held messages.
		held := s.orphans[c.ID]
		delete(s.orphans, c.ID)
		countUnread := th.conv.UnreadCount == 0
		for _, h := range held {
			s.applyToThreadLocked(th, h.msg, h.clientID, countUnread)
		}
	}
	s.publish(bus.KindConversationsSynced, added)
	return added
}

// MergeHistory merges fetched history into a conversation. Local pending and
// failed entries are kept; server copies of local sends reconcile them.
// Returns the correlation ids that were confirmed by the history.
func (s *Store) MergeHistory(conversationID string, msgs []Message) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[conversationID]
	if th == nil {
		return nil, ErrUnknownConversation
	}
	var confirmed []string
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		m.ConversationID = conversationID
		res := s.applyToThreadLocked(th, m, "", false)
		if res.Outcome == Reconciled {
			confirmed = append(confirmed, res.CorrelationID)
		}
	}
	s.settleLocked(th)
	return confirmed, nil
}

// SetActive marks a conversation as focused and clears its unread count.
// An empty id clears focus without touching any counter.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = conversationID
	if th := s.threads[conversationID]; th != nil && th.conv.UnreadCount != 0 {
		th.conv.UnreadCount = 0
		s.publish(bus.KindConversationUpdated, ConversationEvent{ConversationID: conversationID})
	}
}

// Active returns the focused conversation id.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Conversation returns one conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threads[id]
	if th == nil {
		return Conversation{}, false
	}
	return th.conv.copy(), true
}

// FindByInterlocutor returns the conversation held with userID.
func (s *Store) FindByInterlocutor(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []string
	for id, th := range s.threads {
		if th.conv.Interlocutor.ID == userID {
			found = append(found, id)
		}
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Strings(found)
	return found[0], true
}

// ListConversations returns conversations, most recent activity first.
func (s *Store) ListConversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, len(s.threads))
	for _, th := range s.threads {
		out = append(out, th.conv.copy())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a != nil && b != nil && !a.Timestamp.Equal(b.Timestamp):
			return a.Timestamp.After(b.Timestamp)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MessagesFor returns a conversation's messages in display order.
func (s *Store) MessagesFor(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[conversationID]
	if th == nil {
		return nil
	}
	out := make([]Message, len(th.msgs))
	for i, m := range th.msgs {
		out[i] = m.copy()
	}
	return out
}

// HeldCount reports how many messages wait for an unknown conversation.
func (s *Store) HeldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.orphans {
		n += len(h)
	}
	return n
}

// Evict drops all state. Used on logout.
func (s *Store) Evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]*thread)
	s.pending = make(map[string]string)
	s.orphans = make(map[string][]heldMessage)
	s.active = ""
	s.publish(bus.KindConversationsEvicted, nil)
}

func (s *Store) holdLocked(msg Message, clientID string) {
	for _, h := range s.orphans[msg.ConversationID] {
		if h.msg.ID == msg.ID {
			return
		}
	}
	s.orphans[msg.ConversationID] = append(s.orphans[msg.ConversationID], heldMessage{msg: msg, clientID: clientID})
}

// settleLocked restores display order and recomputes the preview.
func (s *Store) settleLocked(th *thread) {
	sort.SliceStable(th.msgs, func(i, j int) bool { return before(th.msgs[i], th.msgs[j]) })
	if n := len(th.msgs); n > 0 {
		last := th.msgs[n-1]
		th.conv.LastMessage = &Preview{
			Text:      last.Content,
			Timestamp: last.Timestamp,
			Outgoing:  last.Sender.ID == s.self.ID,
		}
	}
}

func (s *Store) publishMessageLocked(m *Message) {
	s.publish(bus.KindMessageUpserted, MessageEvent{
		ConversationID: m.ConversationID,
		Key:            m.Key(),
		CorrelationID:  m.CorrelationID,
		Status:         m.Status,
	})
}

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: s.clock.Now(), Payload: payload})
}

// before orders messages by timestamp, then confirmed before unconfirmed,
// then server id, then insertion sequence.
func before(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	ac, bc := a.Confirmed(), b.Confirmed()
	if ac != bc {
		return ac
	}
	if ac && a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.seq < b.seq
}

func (th *thread) remove(m *Message) {
	for i, x := range th.msgs {
		if x == m {
			th.msgs = append(th.msgs[:i], th.msgs[i+1:]...)
			break
		}
	}
	if m.ID != "" && th.byID[m.ID] == m {
		delete(th.byID, m.ID)
	}
	if m.CorrelationID != "" && th.byCorr[m.CorrelationID] == m {
		delete(th.byCorr, m.CorrelationID)
	}
}

func (c Conversation) copy() Conversation {
	out := c
	if c.LastMessage != nil {
		p := *c.LastMessage
		out.LastMessage = &p
	}
	return out
}
