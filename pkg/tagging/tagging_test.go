package tagging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSONBlockBareArray(t *testing.T) {
	got := extractJSONBlock(`["cat", "forest", "moody"]`)
	assert.Equal(t, `["cat", "forest", "moody"]`, got)
}

func TestExtractJSONBlockFencedObject(t *testing.T) {
	content := "Here are the tags:\n```json\n{\"tags\": [\"cat\", \"forest\"]}\n```\nHope that helps."
	got := extractJSONBlock(content)
	assert.Equal(t, `{"tags": ["cat", "forest"]}`, got)
}

func TestExtractJSONBlockNoJSON(t *testing.T) {
	assert.Equal(t, "", extractJSONBlock("no json here at all"))
}

func TestExtractTagStringsBareArray(t *testing.T) {
	tags := extractTagStrings(`["cat", "forest", "moody"]`)
	assert.Equal(t, []string{"cat", "forest", "moody"}, tags)
}

func TestExtractTagStringsTagsField(t *testing.T) {
	tags := extractTagStrings(`{"tags": ["cat", "forest"], "confidence": 0.9}`)
	assert.Equal(t, []string{"cat", "forest"}, tags)
}

func TestExtractTagStringsFirstArrayField(t *testing.T) {
	tags := extractTagStrings(`{"subjects": ["cat"], "other": "value"}`)
	assert.Equal(t, []string{"cat"}, tags)
}

func TestExtractTagStringsNoArrays(t *testing.T) {
	tags := extractTagStrings(`{"subject": "cat"}`)
	assert.Nil(t, tags)
}

func TestMimeTypeFor(t *testing.T) {
	assert.Equal(t, "image/jpeg", mimeTypeFor("/out/pic.JPG"))
	assert.Equal(t, "image/webp", mimeTypeFor("/out/pic.webp"))
	assert.Equal(t, "image/png", mimeTypeFor("/out/pic.png"))
}
