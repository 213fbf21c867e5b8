package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by a single append-only
// "messages" table.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Pair lookups use the pair_key column (see PairKey), so both directions of a
// conversation hit one index range: (pair_key, date, id).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, sender_id, recipient_id, content, date`

// Insert appends a message. With a ClientMsgID, a repeated insert returns the
// original row instead of creating a new one.
func (s *PostgresStore) Insert(ctx context.Context, in InsertInput) (InsertResult, error) {
	const op = "chat.PostgresStore.Insert"
	if s == nil || s.pool == nil {
		return InsertResult{}, errors.New("chat: nil store")
	}
	if err := in.validate(op); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}

	// timestamptz keeps microseconds; truncate so the returned row equals the stored one.
	now := in.timestamp().Truncate(time.Microsecond)
	messages := pgIdent(s.schema, "messages")

	var clientMsgID *string
	if in.ClientMsgID != "" {
		clientMsgID = &in.ClientMsgID
	}

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (sender_id, recipient_id, pair_key, content, date, client_msg_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (sender_id, client_msg_id) DO NOTHING
		 RETURNING `+messageColumns,
		in.SenderID, in.RecipientID, PairKey(in.SenderID, in.RecipientID), in.Content, now, clientMsgID,
	))
	if err == nil {
		return InsertResult{Message: m}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || clientMsgID == nil {
		return InsertResult{}, fmt.Errorf("insert message: %w", err)
	}

	// Conflict: the row for (sender_id, client_msg_id) already exists.
	existing, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE sender_id = $1 AND client_msg_id = $2`,
		in.SenderID, *clientMsgID,
	))
	if err != nil {
		return InsertResult{}, fmt.Errorf("read duplicate: %w", err)
	}
	return InsertResult{Message: existing, Duplicated: true}, nil
}

// RangeBetween returns the pair's messages with id > sinceID, ordered by date then id.
func (s *PostgresStore) RangeBetween(ctx context.Context, userA, userB string, sinceID int64) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE pair_key = $1 AND id > $2
		  ORDER BY date ASC, id ASC`,
		PairKey(userA, userB), sinceID,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// PartnersOf returns the distinct users userID has exchanged messages with.
func (s *PostgresStore) PartnersOf(ctx context.Context, userID string) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	// UNION (not UNION ALL) deduplicates across directions.
	rows, err := s.pool.Query(ctx,
		`SELECT recipient_id FROM `+messages+` WHERE sender_id = $1
		 UNION
		 SELECT sender_id FROM `+messages+` WHERE recipient_id = $1
		 ORDER BY 1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestBetween returns the newest message of the pair or ErrNotFound.
func (s *PostgresStore) LatestBetween(ctx context.Context, userA, userB string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE pair_key = $1
		  ORDER BY date DESC, id DESC
		  LIMIT 1`,
		PairKey(userA, userB),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, latestNotFound("chat.PostgresStore.LatestBetween")
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// LatestPerPartner computes the inbox with one DISTINCT ON query.
func (s *PostgresStore) LatestPerPartner(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (pair_key) `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE sender_id = $1 OR recipient_id = $1
		  ORDER BY pair_key, date DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ConversationSummary{PartnerID: m.PartnerOf(userID), LastMessage: m})
	}
	sortByPartner(out)
	return out, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.Date)
	if err == nil {
		m.Date = m.Date.UTC()
	}
	return m, err
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
