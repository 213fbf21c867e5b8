package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultListConcurrency = 8

// UserDirectory resolves user ids. It is the read side of the identity
// collaborator; the engine never authenticates.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Notifier is told about every newly appended message (not about
// deduplicated sends). Implementations must not block.
type Notifier interface {
	MessageCreated(ctx context.Context, m Message)
}

// Service enforces the messaging rules and assembles the caller-facing
// read shapes over a MessageStore. It holds no state of its own and is safe
// for concurrent use.
type Service struct {
	log      *slog.Logger
	store    MessageStore
	users    UserDirectory
	throttle SendThrottle
	notifier Notifier
	metrics  *Metrics

	listConcurrency int
	now             func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithLogger sets the structured logger (default: slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithThrottle enables send throttling keyed by sender.
func WithThrottle(t SendThrottle) Option {
	return func(s *Service) error {
		s.throttle = t
		return nil
	}
}

// WithNotifier registers a sink for newly created messages.
func WithNotifier(n Notifier) Option {
	return func(s *Service) error {
		s.notifier = n
		return nil
	}
}

// WithMetrics records operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithListConcurrency bounds the per-partner fan-out used when the store
// has no grouped inbox query.
func WithListConcurrency(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		s.listConcurrency = n
		return nil
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewService constructs a Service.
func NewService(store MessageStore, users UserDirectory, opts ...Option) (*Service, error) {
	if store == nil || users == nil {
		return nil, errors.New("chat: nil store or user directory")
	}
	s := &Service{
		log:             slog.Default(),
		store:           store,
		users:           users,
		listConcurrency: defaultListConcurrency,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SendInput describes a send request. SenderID is the authenticated caller.
type SendInput struct {
	SenderID    string
	RecipientID string
	Content     string

	// ClientMsgID makes the send idempotent per sender when set.
	ClientMsgID string
}

// SendResult carries the stored message and the refreshed conversation.
type SendResult struct {
	Message      Message
	Conversation []Message
	Duplicated   bool
}

// Send appends a message from SenderID to RecipientID and returns the full
// conversation between them, oldest first.
//
// Every rule is checked before the write: unknown recipient (ErrNotFound),
// self-messaging (ErrInvalidOperation), bad content (ErrInvalidInput) and
// throttling (ErrRateLimited) all leave the store untouched. A ClientMsgID
// already used by the sender for a different recipient or content is
// ErrInvalidInput; a matching retry returns the stored row with Duplicated.
//
// The throttle slot is charged only when a new row is written: a failed
// insert, a duplicate or a rejected key hands it back.
func (s *Service) Send(ctx context.Context, in SendInput) (res SendResult, err error) {
	const op = "chat.Send"
	defer func(start time.Time) { s.metrics.observe("send", start, err) }(time.Now())
	defer func() {
		if err != nil {
			s.logRejected(op, err, "sender_id", in.SenderID, "recipient_id", in.RecipientID)
		}
	}()

	sender := strings.TrimSpace(in.SenderID)
	if sender == "" {
		return SendResult{}, invalidInput(op, "missing sender")
	}
	recipient := strings.TrimSpace(in.RecipientID)

	if err := s.resolve(ctx, op, recipient, "recipient"); err != nil {
		return SendResult{}, err
	}
	if sender == recipient {
		return SendResult{}, OpError{Op: op, Kind: ErrInvalidOperation, Msg: "cannot message yourself"}
	}

	content, err := normalizeContent(in.Content)
	if err != nil {
		return SendResult{}, err
	}
	clientMsgID, err := normalizeClientMsgID(in.ClientMsgID)
	if err != nil {
		return SendResult{}, err
	}

	now := s.now()
	charged := false
	if s.throttle != nil {
		ok, wait, err := s.throttle.Allow(ctx, sender, now)
		if err != nil {
			return SendResult{}, err
		}
		if !ok {
			return SendResult{}, RateLimitedError{Op: op, RetryAfter: wait}
		}
		charged = true
	}

	ins, err := s.store.Insert(ctx, InsertInput{
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
		ClientMsgID: clientMsgID,
		Now:         now,
	})
	if err == nil && ins.Duplicated && !sameSend(ins.Message, recipient, content) {
		err = invalidInput(op, "client_msg_id already used")
	}
	// Only a newly written row keeps the throttle slot.
	if charged && (err != nil || ins.Duplicated) {
		s.releaseThrottle(ctx, sender, now)
	}
	if err != nil {
		return SendResult{}, err
	}
	s.metrics.messageSent(ins.Duplicated)

	if ins.Duplicated {
		s.log.Info("chat.message.duplicate",
			"message_id", ins.Message.ID, "sender_id", sender, "client_msg_id", clientMsgID)
	} else {
		s.log.Info("chat.message.sent",
			"message_id", ins.Message.ID, "sender_id", sender, "recipient_id", recipient)
		if s.notifier != nil {
			s.notifier.MessageCreated(ctx, ins.Message)
		}
	}

	conv, err := s.store.RangeBetween(ctx, sender, recipient, 0)
	if err != nil {
		return SendResult{}, err
	}

	return SendResult{Message: ins.Message, Conversation: conv, Duplicated: ins.Duplicated}, nil
}

// FetchConversation returns the messages between requesterID and partnerID
// with id > sinceID, ordered by date then id. The result does not depend on
// which side of the pair is asking.
func (s *Service) FetchConversation(ctx context.Context, requesterID, partnerID string, sinceID int64) (msgs []Message, err error) {
	const op = "chat.FetchConversation"
	defer func(start time.Time) { s.metrics.observe("fetch", start, err) }(time.Now())

	requester := strings.TrimSpace(requesterID)
	if requester == "" {
		return nil, invalidInput(op, "missing requester")
	}
	partner := strings.TrimSpace(partnerID)

	if err := s.resolve(ctx, op, partner, "partner"); err != nil {
		return nil, err
	}

	msgs, err = s.store.RangeBetween(ctx, requester, partner, sinceID)
	if err != nil {
		return nil, err
	}

	s.log.Debug("chat.conversation.fetched",
		"user_id", requester, "partner_id", partner, "since_id", sinceID, "count", len(msgs))
	return msgs, nil
}

// ListConversations returns one entry per distinct partner of userID, each
// with the latest message of that pair, ordered by partner id so repeated
// calls over unchanged data are identical. SortSummariesByRecency reorders
// for display.
func (s *Service) ListConversations(ctx context.Context, userID string) (out []ConversationSummary, err error) {
	const op = "chat.ListConversations"
	defer func(start time.Time) { s.metrics.observe("list", start, err) }(time.Now())

	user := strings.TrimSpace(userID)
	if user == "" {
		return nil, invalidInput(op, "missing user")
	}

	if lister, ok := s.store.(LatestPerPartnerLister); ok {
		out, err = lister.LatestPerPartner(ctx, user)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = []ConversationSummary{}
		}
		sortByPartner(out)
		return out, nil
	}

	out, err = s.listByPartner(ctx, user)
	if err != nil {
		return nil, err
	}
	sortByPartner(out)
	return out, nil
}

// listByPartner is the PartnersOf + LatestBetween fallback, one lookup per
// partner run with bounded concurrency.
func (s *Service) listByPartner(ctx context.Context, user string) ([]ConversationSummary, error) {
	partners, err := s.store.PartnersOf(ctx, user)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, len(partners))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.listConcurrency)
	for i, partner := range partners {
		g.Go(func() error {
			m, err := s.store.LatestBetween(gctx, user, partner)
			if err != nil {
				return err
			}
			out[i] = ConversationSummary{PartnerID: partner, LastMessage: m}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) resolve(ctx context.Context, op, userID, resource string) error {
	if userID == "" {
		return NotFoundError{Op: op, Resource: resource}
	}
	ok, err := s.users.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return NotFoundError{Op: op, Resource: resource}
	}
	return nil
}

// sameSend reports whether a stored row matches a retried send.
func sameSend(m Message, recipient, content string) bool {
	return m.RecipientID == recipient && m.Content == content
}

func (s *Service) releaseThrottle(ctx context.Context, sender string, at time.Time) {
	if err := s.throttle.Release(context.WithoutCancel(ctx), sender, at); err != nil {
		s.log.Warn("chat.throttle.release_failed", "sender_id", sender, "err", err)
	}
}

func (s *Service) logRejected(op string, err error, attrs ...any) {
	kind := ErrorKind(err)
	if kind == "storage" {
		s.log.Error("chat.op.fail", append([]any{"op", op, "err", err}, attrs...)...)
		return
	}
	s.log.Info("chat.send.rejected", append([]any{"reason", kind, "err", err}, attrs...)...)
}
