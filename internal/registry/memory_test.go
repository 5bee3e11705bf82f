package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	repo := c.AddRepository("acme", "app")
	c.AddRepository("other", "svc")
	c.AddTags(repo, Tag{Name: "v1", CreatedAt: time.Unix(1, 0)}, Tag{Name: "v2", CreatedAt: time.Unix(2, 0)})

	ok, err := c.NamespaceExists(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.NamespaceExists(ctx, "ghost")
	assert.False(t, ok)

	repos, err := c.ListRepositories(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/app"}, repos)

	tags, err := c.ListTags(ctx, repo)
	require.NoError(t, err)
	assert.Len(t, tags, 2)

	require.NoError(t, c.DeleteTag(ctx, repo, "v1"))
	assert.ErrorIs(t, c.DeleteTag(ctx, repo, "v1"), ErrTagNotFound)
	assert.ErrorIs(t, c.DeleteTag(ctx, "acme/none", "v1"), ErrRepositoryNotFound)
	assert.Equal(t, []string{"acme/app:v1"}, c.Deleted())
	assert.Equal(t, []string{"v2"}, c.TagNames(repo))
}
