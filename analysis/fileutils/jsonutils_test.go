package fileutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shape struct {
	HotWords []string `json:"hot_words"`
	Mood     string   `json:"mood"`
}

func TestDecodeModelJSON_FencedEqualsPlain(t *testing.T) {
	t.Parallel()

	plain := `{"hot_words":["a","b"],"mood":"开心"}`
	inputs := []string{
		plain,
		"```json\n" + plain + "\n```",
		"```JSON\n" + plain + "```",
		"```\n" + plain + "\n```",
		"```json" + plain + "```",
		"  \n```json\n" + plain + "\n```\n",
		"Here you go:\n" + plain + "\nThanks",
	}

	var want shape
	require.NoError(t, DecodeModelJSON(plain, &want))
	for _, in := range inputs {
		var got shape
		require.NoError(t, DecodeModelJSON(in, &got), "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestDecodeModelJSON_Errors(t *testing.T) {
	t.Parallel()

	var v shape
	assert.Error(t, DecodeModelJSON("", &v))
	assert.Error(t, DecodeModelJSON("```json\n```", &v))
	assert.Error(t, DecodeModelJSON("no json here", &v))
	assert.Error(t, DecodeModelJSON(`{"hot_words": [1, }`, &v))
}

func TestStripCodeFence_LeavesUnfencedAlone(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `{"a":1}`, StripCodeFence(` {"a":1} `))
	assert.Equal(t, "```", StripCodeFence("```"))
}
