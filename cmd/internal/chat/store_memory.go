package chat

import (
	"context"
	"slices"
	"sync"
)

// InMemoryStore is a MessageStore for dev mode and tests.
// All rows live in one append-only slice; indexes hold positions into it.
type InMemoryStore struct {
	mu sync.RWMutex

	nextID int64
	rows   []Message

	byPair     map[string][]int           // pair key -> row positions, insertion order
	byUser     map[string]map[string]bool // user -> partner set
	clientMsgs map[string]int             // sender + client_msg_id -> row position
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows:       make([]Message, 0, 256),
		byPair:     make(map[string][]int),
		byUser:     make(map[string]map[string]bool),
		clientMsgs: make(map[string]int),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// Insert appends a message.
func (s *InMemoryStore) Insert(ctx context.Context, in InsertInput) (InsertResult, error) {
	const op = "chat.InMemoryStore.Insert"
	if err := in.validate(op); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}

	now := in.timestamp()

	s.mu.Lock()
	defer s.mu.Unlock()

	var dedupeKey string
	if in.ClientMsgID != "" {
		dedupeKey = in.SenderID + "\x1f" + in.ClientMsgID
		if pos, ok := s.clientMsgs[dedupeKey]; ok {
			return InsertResult{Message: s.rows[pos], Duplicated: true}, nil
		}
	}

	s.nextID++
	msg := Message{
		ID:          s.nextID,
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
		Date:        now,
	}

	pos := len(s.rows)
	s.rows = append(s.rows, msg)

	key := PairKey(in.SenderID, in.RecipientID)
	s.byPair[key] = append(s.byPair[key], pos)
	s.link(in.SenderID, in.RecipientID)
	s.link(in.RecipientID, in.SenderID)

	if dedupeKey != "" {
		s.clientMsgs[dedupeKey] = pos
	}

	return InsertResult{Message: msg}, nil
}

func (s *InMemoryStore) link(user, partner string) {
	set := s.byUser[user]
	if set == nil {
		set = make(map[string]bool)
		s.byUser[user] = set
	}
	set[partner] = true
}

// RangeBetween returns the pair's messages with id > sinceID, oldest first.
func (s *InMemoryStore) RangeBetween(ctx context.Context, userA, userB string, sinceID int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	positions := s.byPair[PairKey(userA, userB)]
	out := make([]Message, 0, len(positions))
	for _, pos := range positions {
		if m := s.rows[pos]; m.ID > sinceID {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	SortMessages(out)
	return out, nil
}

// PartnersOf returns every distinct user userID has exchanged messages with,
// sorted by id.
func (s *InMemoryStore) PartnersOf(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byUser[userID]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

// LatestBetween returns the newest message of the pair.
func (s *InMemoryStore) LatestBetween(ctx context.Context, userA, userB string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.latestLocked(PairKey(userA, userB))
	if !ok {
		return Message{}, latestNotFound("chat.InMemoryStore.LatestBetween")
	}
	return m, nil
}

// LatestPerPartner computes the inbox in one pass under a single read lock.
func (s *InMemoryStore) LatestPerPartner(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byUser[userID]
	out := make([]ConversationSummary, 0, len(set))
	for partner := range set {
		m, ok := s.latestLocked(PairKey(userID, partner))
		if !ok {
			continue
		}
		out = append(out, ConversationSummary{PartnerID: partner, LastMessage: m})
	}
	sortByPartner(out)
	return out, nil
}

func (s *InMemoryStore) latestLocked(key string) (Message, bool) {
	positions := s.byPair[key]
	if len(positions) == 0 {
		return Message{}, false
	}
	best := s.rows[positions[0]]
	for _, pos := range positions[1:] {
		if m := s.rows[pos]; messageLess(best, m) {
			best = m
		}
	}
	return best, true
}
