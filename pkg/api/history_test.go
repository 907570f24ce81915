package api

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysti-ai/mysti/pkg/database"
)

func insertGeneration(t *testing.T, db *database.Client, uuid, filePath string) {
	t.Helper()
	_, err := db.InsertGeneration(context.Background(), database.Generation{
		UUID:     uuid,
		FilePath: filePath,
		Prompt:   "a fox in snow",
		Width:    512,
		Height:   512,
		Steps:    20,
		CFGScale: 7,
	})
	require.NoError(t, err)
}

func TestListHistoryHandlerReturnsInsertedGeneration(t *testing.T) {
	s, db := newTestServer(t, 0, 0)
	insertGeneration(t, db, "g1", "/outputs/g1.png")

	rec := doRequest(s, http.MethodGet, "/v1/history/images?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "g1")
}

func TestListHistoryHandlerSearchesByQuery(t *testing.T) {
	s, db := newTestServer(t, 0, 0)
	insertGeneration(t, db, "g1", "/outputs/g1.png")

	rec := doRequest(s, http.MethodGet, "/v1/history/images?q=fox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "g1")
}

func TestDeleteHistoryHandlerOptionallyDeletesFiles(t *testing.T) {
	dir := t.TempDir()
	s, db := newTestServer(t, 0, 0)
	s.outputDir = dir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g1.png"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g1.json"), []byte("{}"), 0o644))
	insertGeneration(t, db, "g1", "/outputs/g1.png")

	rec := doRequest(s, http.MethodDelete, "/v1/history/images/g1?delete_file=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := os.Stat(filepath.Join(dir, "g1.png"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "g1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteHistoryHandlerKeepsFileWhenNotRequested(t *testing.T) {
	dir := t.TempDir()
	s, db := newTestServer(t, 0, 0)
	s.outputDir = dir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g1.png"), []byte("x"), 0o644))
	insertGeneration(t, db, "g1", "/outputs/g1.png")

	rec := doRequest(s, http.MethodDelete, "/v1/history/images/g1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := os.Stat(filepath.Join(dir, "g1.png"))
	assert.NoError(t, err)
}

func TestTagLifecycle(t *testing.T) {
	s, db := newTestServer(t, 0, 0)
	insertGeneration(t, db, "g1", "/outputs/g1.png")

	rec := doRequest(s, http.MethodPost, "/v1/history/tags", bytes.NewBufferString(`{"uuid":"g1","tag":"fox"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/v1/history/tags", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fox")

	rec = doRequest(s, http.MethodDelete, "/v1/history/tags", bytes.NewBufferString(`{"uuid":"g1","tag":"fox"}`))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestFavoriteAndRatingHandlers(t *testing.T) {
	s, db := newTestServer(t, 0, 0)
	insertGeneration(t, db, "g1", "/outputs/g1.png")

	rec := doRequest(s, http.MethodPost, "/v1/history/favorite", bytes.NewBufferString(`{"uuid":"g1","favorite":true}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/v1/history/rating", bytes.NewBufferString(`{"uuid":"g1","rating":4}`))
	require.Equal(t, http.StatusOK, rec.Code)

	views, err := db.ListGenerations(context.Background(), database.GenerationFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].IsFavorite)
	assert.Equal(t, 4, views[0].Rating)
}
