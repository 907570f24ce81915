package database

import "time"

// Generation is a single rendered image and its generation parameters.
type Generation struct {
	ID              int64
	UUID            string
	FilePath        string
	Timestamp       time.Time
	Prompt          string
	NegativePrompt  string
	Seed            int64
	Width           int
	Height          int
	Steps           int
	CFGScale        float64
	ModelHash       string
	ModelID         string
	IsFavorite      bool
	ParentUUID      string
	GenerationTime  float64
	AutoTagged      bool
	Rating          int
	ParamsJSON      string
}

// GenerationView is the JSON shape returned to API callers: a generation
// row enriched with its display name and attached tags.
type GenerationView struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	FilePath       string                 `json:"file_path"`
	Timestamp      string                 `json:"timestamp"`
	Params         map[string]interface{} `json:"params"`
	IsFavorite     bool                   `json:"is_favorite"`
	Rating         int                    `json:"rating"`
	Tags           []string               `json:"tags"`
}

// TagInfo is a tag with its usage count, as returned by ListTags.
type TagInfo struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Style is a saved prompt/negative-prompt pair with an optional preview.
type Style struct {
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	PreviewPath    string `json:"preview_path"`
}

// LibraryItem is a reusable prompt snippet kept in the prompt library.
type LibraryItem struct {
	ID          int64  `json:"id"`
	Label       string `json:"label"`
	Content     string `json:"content"`
	Category    string `json:"category"`
	PreviewPath string `json:"preview_path"`
	UsageCount  int    `json:"usage_count"`
}

// Job is a queued background unit of work (currently used for deferred
// tagging and import bookkeeping).
type Job struct {
	ID        int64
	Type      string
	Payload   string
	Status    string
	Error     string
	Priority  int
	CreatedAt time.Time
}

// ImagePreset is a saved diffusion-worker model configuration.
type ImagePreset struct {
	ID                    int64                  `json:"id"`
	Name                  string                 `json:"name"`
	UnetPath              string                 `json:"unet_path"`
	VaePath               string                 `json:"vae_path"`
	ClipLPath             string                 `json:"clip_l_path"`
	ClipGPath             string                 `json:"clip_g_path"`
	T5xxlPath             string                 `json:"t5xxl_path"`
	VRAMWeightsMBEstimate int                    `json:"vram_weights_mb_estimate"`
	VRAMWeightsMBMeasured int                    `json:"vram_weights_mb_measured"`
	DefaultParams         map[string]interface{} `json:"default_params"`
	PreferredParams       map[string]interface{} `json:"preferred_params"`
}

// LlmPreset is a saved LLM-worker model configuration.
type LlmPreset struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	ModelPath    string   `json:"model_path"`
	MmprojPath   string   `json:"mmproj_path"`
	NCtx         int      `json:"n_ctx"`
	Capabilities []string `json:"capabilities"`
	Role         string   `json:"role"`
}
