package loadstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapturePeekClear(t *testing.T) {
	var s State

	_, ok := s.Peek()
	assert.False(t, ok)

	s.Capture([]byte(`{"model_id":"foo"}`))
	body, ok := s.Peek()
	assert.True(t, ok)
	assert.Equal(t, `{"model_id":"foo"}`, string(body))
	assert.False(t, s.SetAt().IsZero())

	s.Clear()
	_, ok = s.Peek()
	assert.False(t, ok)
}

func TestPeekReturnsCopy(t *testing.T) {
	var s State
	s.Capture([]byte("original"))
	body, _ := s.Peek()
	body[0] = 'X'

	body2, _ := s.Peek()
	assert.Equal(t, "original", string(body2))
}
