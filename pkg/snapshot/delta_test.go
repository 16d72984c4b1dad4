package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeRatio(t *testing.T) {
	assert.Zero(t, changeRatio([]byte("same"), []byte("same")))
	assert.InDelta(t, 1.0, changeRatio([]byte("aaaa"), []byte("zzzz")), 0.01)

	// A one-character append to a short line is a small change.
	ratio := changeRatio([]byte("hello world"), []byte("hello world!"))
	assert.Less(t, ratio, 0.1)
}

func TestDeltaRoundTrip(t *testing.T) {
	old := []byte("alpha\nbeta\ngamma\n")
	updated := []byte("alpha\nbeta\ngamma\ndelta\n")

	payload, err := encodeDelta(old, updated)
	require.NoError(t, err)

	var p deltaPayload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Contains(t, p.Diff, "+delta")
	assert.Equal(t, string(updated), p.NewContent)

	content, err := decodeDelta(payload)
	require.NoError(t, err)
	assert.Equal(t, updated, content)
}

func TestDecodeDeltaRejectsGarbage(t *testing.T) {
	_, err := decodeDelta([]byte("{not json"))
	require.Error(t, err)
}
