package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the MessageStore contract against one backend.
// newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) MessageStore) {
	t.Helper()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("insert assigns increasing ids", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		var prev int64
		for i := 0; i < 5; i++ {
			res, err := st.Insert(ctx, InsertInput{
				SenderID: "alice", RecipientID: "bob",
				Content: fmt.Sprintf("m%d", i), Now: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
			require.False(t, res.Duplicated)
			require.Greater(t, res.Message.ID, prev)
			require.Equal(t, "alice", res.Message.SenderID)
			require.Equal(t, "bob", res.Message.RecipientID)
			require.True(t, res.Message.Date.Equal(base.Add(time.Duration(i)*time.Second)))
			prev = res.Message.ID
		}
	})

	t.Run("insert rejects missing ids", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Insert(context.Background(), InsertInput{SenderID: "alice", Content: "x"})
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("range is symmetric and ordered", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		mustInsert(t, st, "alice", "bob", "1", base)
		mustInsert(t, st, "bob", "alice", "2", base.Add(time.Minute))
		mustInsert(t, st, "alice", "carol", "other pair", base.Add(2*time.Minute))
		mustInsert(t, st, "alice", "bob", "3", base.Add(3*time.Minute))

		ab, err := st.RangeBetween(ctx, "alice", "bob", 0)
		require.NoError(t, err)
		ba, err := st.RangeBetween(ctx, "bob", "alice", 0)
		require.NoError(t, err)

		require.Equal(t, ab, ba)
		require.Equal(t, []string{"1", "2", "3"}, contents(ab))
	})

	t.Run("range orders by date before id", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		late := mustInsert(t, st, "alice", "bob", "late", base.Add(time.Hour))
		early := mustInsert(t, st, "bob", "alice", "early", base)
		tie := mustInsert(t, st, "alice", "bob", "tie", base.Add(time.Hour))

		got, err := st.RangeBetween(ctx, "alice", "bob", 0)
		require.NoError(t, err)
		require.Equal(t, []int64{early.ID, late.ID, tie.ID}, ids(got))
	})

	t.Run("range honours watermark", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		var all []Message
		for i := 0; i < 6; i++ {
			from, to := "alice", "bob"
			if i%3 == 2 {
				from, to = to, from
			}
			all = append(all, mustInsert(t, st, from, to, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
		}

		for k := range all {
			got, err := st.RangeBetween(ctx, "alice", "bob", all[k].ID)
			require.NoError(t, err)
			require.Equal(t, ids(all[k+1:]), ids(got), "watermark after message %d", k)
		}
	})

	t.Run("range on empty pair is empty, not an error", func(t *testing.T) {
		st := newStore(t)
		got, err := st.RangeBetween(context.Background(), "alice", "nobody", 0)
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("partners are deduplicated across directions", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		mustInsert(t, st, "alice", "bob", "a", base)
		mustInsert(t, st, "bob", "alice", "b", base.Add(time.Second))
		mustInsert(t, st, "alice", "bob", "c", base.Add(2*time.Second))
		mustInsert(t, st, "carol", "alice", "d", base.Add(3*time.Second))
		mustInsert(t, st, "bob", "carol", "unrelated", base.Add(4*time.Second))

		mustInsert(t, st, "alice", "aaron", "e", base.Add(5*time.Second))

		got, err := st.PartnersOf(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, []string{"aaron", "bob", "carol"}, got)

		none, err := st.PartnersOf(ctx, "dave")
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("latest between", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		mustInsert(t, st, "alice", "bob", "m1", base)
		mustInsert(t, st, "alice", "bob", "m2", base.Add(time.Second))
		last := mustInsert(t, st, "bob", "alice", "m3", base.Add(2*time.Second))

		got, err := st.LatestBetween(ctx, "alice", "bob")
		require.NoError(t, err)
		require.Equal(t, last, got)

		got, err = st.LatestBetween(ctx, "bob", "alice")
		require.NoError(t, err)
		require.Equal(t, last, got)

		_, err = st.LatestBetween(ctx, "alice", "carol")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("latest breaks date ties by highest id", func(t *testing.T) {
		st := newStore(t)
		mustInsert(t, st, "alice", "bob", "first", base)
		second := mustInsert(t, st, "bob", "alice", "second", base)

		got, err := st.LatestBetween(context.Background(), "alice", "bob")
		require.NoError(t, err)
		require.Equal(t, second.ID, got.ID)
	})

	t.Run("grouped inbox matches per-partner lookups", func(t *testing.T) {
		st := newStore(t)
		lister, ok := st.(LatestPerPartnerLister)
		if !ok {
			t.Skip("store has no grouped inbox query")
		}
		ctx := context.Background()

		mustInsert(t, st, "alice", "bob", "m1", base)
		mustInsert(t, st, "bob", "alice", "m2", base.Add(time.Second))
		mustInsert(t, st, "carol", "alice", "x", base.Add(2*time.Second))
		mustInsert(t, st, "alice", "dave", "y", base.Add(3*time.Second))
		mustInsert(t, st, "bob", "carol", "unrelated", base.Add(4*time.Second))

		got, err := lister.LatestPerPartner(ctx, "alice")
		require.NoError(t, err)

		partners, err := st.PartnersOf(ctx, "alice")
		require.NoError(t, err)
		want := make([]ConversationSummary, 0, len(partners))
		for _, p := range partners {
			m, err := st.LatestBetween(ctx, "alice", p)
			require.NoError(t, err)
			want = append(want, ConversationSummary{PartnerID: p, LastMessage: m})
		}

		require.Equal(t, want, got)
		require.Len(t, got, 3)
	})

	t.Run("store accepts a self-addressed row", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		m := mustInsert(t, st, "alice", "alice", "note to self", base)

		got, err := st.RangeBetween(ctx, "alice", "alice", 0)
		require.NoError(t, err)
		require.Equal(t, []Message{m}, got)

		partners, err := st.PartnersOf(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, []string{"alice"}, partners)
	})

	t.Run("client message id deduplicates per sender", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		first, err := st.Insert(ctx, InsertInput{
			SenderID: "alice", RecipientID: "bob", Content: "hello", ClientMsgID: "c-1", Now: base,
		})
		require.NoError(t, err)
		require.False(t, first.Duplicated)

		again, err := st.Insert(ctx, InsertInput{
			SenderID: "alice", RecipientID: "bob", Content: "hello", ClientMsgID: "c-1", Now: base.Add(time.Second),
		})
		require.NoError(t, err)
		require.True(t, again.Duplicated)
		require.Equal(t, first.Message, again.Message)

		// Same key from another sender is a different message.
		other, err := st.Insert(ctx, InsertInput{
			SenderID: "bob", RecipientID: "alice", Content: "hi", ClientMsgID: "c-1", Now: base.Add(2 * time.Second),
		})
		require.NoError(t, err)
		require.False(t, other.Duplicated)

		got, err := st.RangeBetween(ctx, "alice", "bob", 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
	})
}

func mustInsert(t *testing.T, st MessageStore, from, to, content string, at time.Time) Message {
	t.Helper()
	res, err := st.Insert(context.Background(), InsertInput{
		SenderID: from, RecipientID: to, Content: content, Now: at,
	})
	require.NoError(t, err)
	return res.Message
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func ids(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
