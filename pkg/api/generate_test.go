package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysti-ai/mysti/pkg/database"
	"github.com/mysti-ai/mysti/pkg/resource"
)

func TestApplyArbitrationHintsAddsFlagsOnlyWhenRequested(t *testing.T) {
	base := []byte(`{"prompt":"a fox"}`)

	unchanged := applyArbitrationHints(base, resource.ArbitrationResult{Admit: true})
	assert.JSONEq(t, `{"prompt":"a fox"}`, string(unchanged))

	both := applyArbitrationHints(base, resource.ArbitrationResult{Admit: true, RequestCLIPOffload: true, RequestVAETiling: true})
	assert.JSONEq(t, `{"prompt":"a fox","offload_clip":true,"vae_tiling":true}`, string(both))
}

func TestEnrichGenerationParamsBackfillsOnlyDefaultValues(t *testing.T) {
	sd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/config":
			_ = json.NewEncoder(w).Encode(map[string]string{"model": "my-model"})
		}
	}))
	defer sd.Close()

	s, db := newTestServer(t, upstreamPort(t, sd), 0)
	require.NoError(t, db.SaveModelMetadata(contextBG(), "my-model", map[string]interface{}{
		"width": 1024.0, "height": 1024.0, "sample_steps": 30.0, "cfg_scale": 4.5,
	}))

	out := s.enrichGenerationParams(contextBG(), []byte(`{"prompt":"x","width":512,"steps":20,"cfg_scale":7}`))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, 1024.0, got["width"])
	assert.Equal(t, 1024.0, got["height"])
	assert.Equal(t, 30.0, got["sample_steps"])
	assert.Equal(t, 4.5, got["cfg_scale"])
}

func TestEnrichGenerationParamsLeavesExplicitNonDefaultValues(t *testing.T) {
	sd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"model": "my-model"})
	}))
	defer sd.Close()

	s, db := newTestServer(t, upstreamPort(t, sd), 0)
	require.NoError(t, db.SaveModelMetadata(contextBG(), "my-model", map[string]interface{}{"width": 1024.0}))

	out := s.enrichGenerationParams(contextBG(), []byte(`{"prompt":"x","width":768}`))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, 768.0, got["width"])
}

func TestGenerateImageHandlerRejectsWhenVRAMUnavailable(t *testing.T) {
	s, _ := newTestServer(t, 0, 0)
	s.res = resource.New("http://127.0.0.1:1", "http://127.0.0.1:2", "tok", fakeVRAMSource{total: 24, free: 0}, discardLogger())

	rec := doRequest(s, http.MethodPost, "/v1/images/generations", bytes.NewBufferString(`{"prompt":"a fox"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGenerateImageHandlerRecordsGenerationOnSuccess(t *testing.T) {
	sd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/config":
			_ = json.NewEncoder(w).Encode(map[string]string{"model": "unknown-model"})
		case "/v1/images/generations":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{{"url": "/outputs/shot1.png", "seed": int64(42)}},
				"generation_time": 1.5,
			})
		}
	}))
	defer sd.Close()

	var notified bool
	s, db := newTestServer(t, upstreamPort(t, sd), 0)
	s.onGeneration = func() { notified = true }

	rec := doRequest(s, http.MethodPost, "/v1/images/generations", bytes.NewBufferString(`{"prompt":"a fox","seed":7}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, notified)

	exists, err := db.GenerationExists(contextBG(), "/outputs/shot1.png")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLoadSDModelHandlerEnrichesFromMetadataAndCapturesState(t *testing.T) {
	var received map[string]interface{}
	sd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer sd.Close()

	s, db := newTestServer(t, upstreamPort(t, sd), 0)
	require.NoError(t, db.SaveModelMetadata(contextBG(), "m1", map[string]interface{}{"vae": "vae.safetensors"}))

	rec := doRequest(s, http.MethodPost, "/v1/models/load", bytes.NewBufferString(`{"model_id":"m1"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vae.safetensors", received["vae"])

	raw, ok := s.sdState.Peek()
	require.True(t, ok)
	assert.Contains(t, string(raw), "vae.safetensors")
}

func TestGenerateImageHandlerPausesTaggingDuringForward(t *testing.T) {
	var activeDuringForward bool
	var s *Server
	sd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		activeDuringForward = s.tagger.IsGenerationActive()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"url": "/outputs/shot2.png", "seed": int64(1)}},
		})
	}))
	defer sd.Close()

	s, _ = newTestServer(t, upstreamPort(t, sd), 0)

	rec := doRequest(s, http.MethodPost, "/v1/images/generations", bytes.NewBufferString(`{"prompt":"a fox"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, activeDuringForward)
	assert.False(t, s.tagger.IsGenerationActive())
}

func TestGenerateImageHandlerUncommitsVRAMAfterForward(t *testing.T) {
	sd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"url": "/outputs/shot3.png", "seed": int64(1)}},
		})
	}))
	defer sd.Close()

	s, _ := newTestServer(t, upstreamPort(t, sd), 0)

	before := s.res.Status(contextBG()).CommittedGB
	rec := doRequest(s, http.MethodPost, "/v1/images/generations", bytes.NewBufferString(`{"prompt":"a fox"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	after := s.res.Status(contextBG()).CommittedGB
	assert.Equal(t, before, after)
}

func TestGenerateImageHandlerUncommitsVRAMEvenOnUpstreamFailure(t *testing.T) {
	s, _ := newTestServer(t, 1, 0) // nothing listening on port 1

	before := s.res.Status(contextBG()).CommittedGB
	rec := doRequest(s, http.MethodPost, "/v1/images/generations", bytes.NewBufferString(`{"prompt":"a fox"}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	after := s.res.Status(contextBG()).CommittedGB
	assert.Equal(t, before, after)
}

func TestRecordGenerationDerivesUUIDFromFilePathWhenMissing(t *testing.T) {
	s, db := newTestServer(t, 0, 0)
	reqBody := []byte(`{"prompt":"p","seed":3}`)
	respBody := []byte(`{"data":[{"url":"/outputs/abc123.png","seed":3}],"generation_time":0.5}`)

	s.recordGeneration(contextBG(), reqBody, respBody)

	view, err := db.ListGenerations(contextBG(), database.GenerationFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, "abc123.png", view[0].ID)
}
