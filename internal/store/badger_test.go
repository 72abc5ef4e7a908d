package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/pkg/logger"
)

func openTestBadger(t *testing.T) *Badger {
	t.Helper()
	s, err := OpenBadger(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerRoundtrip(t *testing.T) {
	s := openTestBadger(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	conv := testConversation("c1", "acme", now)
	require.NoError(t, s.Create(ctx, conv))
	assert.Error(t, s.Create(ctx, conv))

	got, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, conv.TenantID, got.TenantID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Text)

	got.Status = model.StatusResolved
	secs := int64(30)
	got.Metadata.ResolutionSecs = &secs
	require.NoError(t, s.Save(ctx, got))

	reloaded, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, reloaded.Status)
	require.NotNil(t, reloaded.Metadata.ResolutionSecs)
	assert.Equal(t, int64(30), *reloaded.Metadata.ResolutionSecs)
}

func TestBadgerNotFound(t *testing.T) {
	s := openTestBadger(t)
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = s.Save(ctx, testConversation("missing", "acme", time.Now()))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBadgerQueryScopedToTenant(t *testing.T) {
	s := openTestBadger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, testConversation("c1", "acme", base)))
	require.NoError(t, s.Create(ctx, testConversation("c2", "acme", base.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, testConversation("c3", "globex", base)))

	summaries, total, err := s.Query(ctx, "acme", Filter{}, Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, summaries, 2)
	assert.Equal(t, "c2", summaries[0].ID)
	assert.Equal(t, "c1", summaries[1].ID)
}
