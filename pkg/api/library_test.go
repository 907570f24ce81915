package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysti-ai/mysti/pkg/database"
)

func TestAddLibraryItemRequiresLabelAndContent(t *testing.T) {
	s, _ := newTestServer(t, 0, 0)
	rec := doRequest(s, http.MethodPost, "/v1/library", bytes.NewBufferString(`{"label":"x"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLibraryFiltersByCategory(t *testing.T) {
	s, db := newTestServer(t, 0, 0)
	require.NoError(t, db.AddLibraryItem(context.Background(), database.LibraryItem{Label: "l1", Content: "c1", Category: "prompt"}))
	require.NoError(t, db.AddLibraryItem(context.Background(), database.LibraryItem{Label: "l2", Content: "c2", Category: "negative"}))

	rec := doRequest(s, http.MethodGet, "/v1/library?category=prompt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "l1")
	assert.NotContains(t, rec.Body.String(), "l2")
}

func TestUseLibraryItemIncrementsUsage(t *testing.T) {
	s, db := newTestServer(t, 0, 0)
	require.NoError(t, db.AddLibraryItem(context.Background(), database.LibraryItem{Label: "l1", Content: "c1"}))
	items, err := db.ListLibraryItems(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, items, 1)

	rec := doRequest(s, http.MethodPost, fmt.Sprintf("/v1/library/%d/use", items[0].ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	items, err = db.ListLibraryItems(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, items[0].UsageCount)
}

func TestDeleteLibraryItemRejectsNonNumericID(t *testing.T) {
	s, _ := newTestServer(t, 0, 0)
	rec := doRequest(s, http.MethodDelete, "/v1/library/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
