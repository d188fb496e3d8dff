package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchArgs struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

func TestDecodeArgumentsValid(t *testing.T) {
	var args searchArgs
	require.NoError(t, DecodeArguments(`{"query":"solar capacity","num_results":5}`, &args))
	assert.Equal(t, "solar capacity", args.Query)
	assert.Equal(t, 5, args.NumResults)
}

func TestDecodeArgumentsEmpty(t *testing.T) {
	var args searchArgs
	require.NoError(t, DecodeArguments("", &args))
	assert.Zero(t, args)

	require.NoError(t, DecodeArguments("   ", &args))
	assert.Zero(t, args)
}

func TestDecodeArgumentsRepairsMalformedJSON(t *testing.T) {
	var args searchArgs

	// Trailing comma.
	require.NoError(t, DecodeArguments(`{"query":"x","num_results":3,}`, &args))
	assert.Equal(t, 3, args.NumResults)

	// Single quotes.
	require.NoError(t, DecodeArguments(`{'query': 'y'}`, &args))
	assert.Equal(t, "y", args.Query)
}

func TestDecodeArgumentsRejectsUnrepairable(t *testing.T) {
	var args searchArgs
	assert.Error(t, DecodeArguments(`tool_use(query=solar)`, &args))
}
