package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallStateTransitionsAreForwardOnly(t *testing.T) {
	order := []CallState{StateOffering, StateAnswering, StateConnected, StateEnding, StateEnded}
	for i, from := range order {
		for j, to := range order {
			got := from.CanTransition(to)
			assert.Equalf(t, j > i, got, "%s -> %s", from, to)
		}
	}
}

func TestCallStateTerminal(t *testing.T) {
	assert.True(t, StateEnded.Terminal())
	for _, s := range []CallState{StateOffering, StateAnswering, StateConnected, StateEnding} {
		assert.Falsef(t, s.Terminal(), "%s", s)
	}
}

func TestCallStateString(t *testing.T) {
	assert.Equal(t, "offering", StateOffering.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "ended", StateEnded.String())
}

func TestParseClientID(t *testing.T) {
	id, err := ParseClientID("player-1")
	require.NoError(t, err)
	assert.Equal(t, ClientID("player-1"), id)

	_, err = ParseClientID(strings.Repeat("a", MaxClientIDLen+1))
	assert.ErrorIs(t, err, ErrClientIDTooLong)

	// Empty means "assign one for me".
	id, err = ParseClientID("")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestParseCallID(t *testing.T) {
	_, err := ParseCallID(strings.Repeat("c", MaxCallIDLen+1))
	assert.ErrorIs(t, err, ErrCallIDTooLong)
}

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewClientID(), NewClientID())
	assert.NotEqual(t, NewCallID(), NewCallID())
}
