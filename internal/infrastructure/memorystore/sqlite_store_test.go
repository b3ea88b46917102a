package memorystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentryclaw/gateway/internal/domain/entity"
)

func TestSaveUpsertsByUserCategoryTopic(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec1, err := store.Save(ctx, "u1", entity.MemoryCategoryFact, "favorite-color", "blue")
	require.NoError(t, err)

	rec2, err := store.Save(ctx, "u1", entity.MemoryCategoryFact, "favorite-color", "green")
	require.NoError(t, err)

	require.Equal(t, rec1.ID, rec2.ID, "re-saving the same (user, category, topic) must upsert, not insert")
	require.Equal(t, "green", rec2.Content)

	all, err := store.GetByCategory(ctx, "u1", entity.MemoryCategoryFact)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestSearchIncrementsAccessCountOncePerHit(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Save(ctx, "u1", entity.MemoryCategoryProject, "gateway", "building a security-hardened agent gateway")
	require.NoError(t, err)

	hits, err := store.Search(ctx, "u1", "gateway", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, 1, hits[0].Record.AccessCount)

	records, err := store.GetByCategory(ctx, "u1", entity.MemoryCategoryProject)
	require.NoError(t, err)
	require.Equal(t, 1, records[0].AccessCount)
}
