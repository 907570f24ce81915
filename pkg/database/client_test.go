package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	c, err := NewClient(context.Background(), Config{Path: filepath.Join(dir, "test.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDatabaseClientConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.DB().PingContext(ctx))

	health, err := Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestInsertGenerationWithTagsAndList(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.InsertGenerationWithTags(ctx, Generation{
		UUID:     "abc-123",
		FilePath: "/outputs/abc-123.png",
		Prompt:   "a red fox in snow",
		ModelID:  "sdxl-base",
	}, []string{"fox", "snow"})
	require.NoError(t, err)
	assert.Positive(t, id)

	views, err := c.ListGenerations(ctx, GenerationFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "abc-123", views[0].ID)
	assert.ElementsMatch(t, []string{"fox", "snow"}, views[0].Tags)

	exists, err := c.GenerationExists(ctx, "/outputs/abc-123.png")
	require.NoError(t, err)
	assert.True(t, exists)

	path, err := c.GetGenerationFilePath(ctx, "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "/outputs/abc-123.png", path)
}

func TestFavoriteAndRatingClamping(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.InsertGeneration(ctx, Generation{UUID: "u1", FilePath: "/x.png"})
	require.NoError(t, err)

	require.NoError(t, c.SetFavorite(ctx, "u1", true))
	require.NoError(t, c.SetRating(ctx, "u1", 99))

	views, err := c.ListGenerations(ctx, GenerationFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].IsFavorite)
	assert.Equal(t, 5, views[0].Rating)
}

func TestRemoveGenerationDeletesUnusedTags(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.InsertGenerationWithTags(ctx, Generation{UUID: "u2", FilePath: "/y.png"}, []string{"solo-tag"})
	require.NoError(t, err)

	tags, err := c.ListTags(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 1)

	require.NoError(t, c.RemoveGeneration(ctx, "u2"))

	tags, err = c.ListTags(ctx)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestGetUntaggedGenerationsAndMarkTagged(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.InsertGeneration(ctx, Generation{UUID: "u3", FilePath: "/z.png", Prompt: "a cat"})
	require.NoError(t, err)

	untagged, err := c.GetUntaggedGenerations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, untagged, 1)

	require.NoError(t, c.MarkAsTagged(ctx, untagged[0].ID))

	untagged, err = c.GetUntaggedGenerations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, untagged)
}

func TestModelMetadataSuffixFallback(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SaveModelMetadata(ctx, "models/checkpoints/sdxl-base.safetensors",
		map[string]interface{}{"name": "SDXL Base"}))

	exact, err := c.GetModelMetadata(ctx, "models/checkpoints/sdxl-base.safetensors")
	require.NoError(t, err)
	assert.Equal(t, "SDXL Base", exact["name"])

	suffix, err := c.GetModelMetadata(ctx, `C:\comfy\models\checkpoints\sdxl-base.safetensors`)
	require.NoError(t, err)
	assert.Equal(t, "SDXL Base", suffix["name"])

	missing, err := c.GetModelMetadata(ctx, "unknown-model")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestJobQueueOrdering(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.AddJob(ctx, "tag", `{"id":1}`, 0)
	require.NoError(t, err)
	highID, err := c.AddJob(ctx, "import", `{"id":2}`, 10)
	require.NoError(t, err)

	next, err := c.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, highID, next.ID)

	require.NoError(t, c.UpdateJobStatus(ctx, next.ID, "completed", ""))

	next, err = c.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "tag", next.Type)
}

func TestSearchGenerationsFullTextAndFallback(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.InsertGeneration(ctx, Generation{
		UUID: "s1", FilePath: "/s1.png", Prompt: "a majestic mountain landscape",
	})
	require.NoError(t, err)

	results, err := c.SearchGenerations(ctx, "mountain", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s1", results[0].ID)
}

func TestPresetsRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SaveImagePreset(ctx, ImagePreset{
		Name:            "base-sdxl",
		UnetPath:        "/models/unet.safetensors",
		DefaultParams:   map[string]interface{}{"steps": 20.0},
		PreferredParams: map[string]interface{}{},
	}))
	presets, err := c.ListImagePresets(ctx)
	require.NoError(t, err)
	require.Len(t, presets, 1)
	assert.Equal(t, "base-sdxl", presets[0].Name)
	assert.Equal(t, 20.0, presets[0].DefaultParams["steps"])

	require.NoError(t, c.SaveLlmPreset(ctx, LlmPreset{
		Name: "vision-helper", ModelPath: "/models/llm.gguf",
		Capabilities: []string{"vision", "text"}, Role: "Tagger",
	}))
	llmPresets, err := c.ListLlmPresets(ctx)
	require.NoError(t, err)
	require.Len(t, llmPresets, 1)
	assert.ElementsMatch(t, []string{"vision", "text"}, llmPresets[0].Capabilities)
}
