package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallStateString(t *testing.T) {
	tests := []struct {
		state CallState
		want  string
	}{
		{StateInitial, "initial"},
		{StateEstablishing, "establishing"},
		{StateEstablished, "established"},
		{StateTerminating, "terminating"},
		{StateTerminated, "terminated"},
		{CallState(99), "unknown(99)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestCallStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from CallState
		to   CallState
		want bool
	}{
		{"initial to establishing", StateInitial, StateEstablishing, true},
		{"initial to established direct", StateInitial, StateEstablished, false},
		{"establishing to established", StateEstablishing, StateEstablished, true},
		{"established to terminating", StateEstablished, StateTerminating, true},
		{"established back to establishing", StateEstablished, StateEstablishing, false},
		{"terminating to terminated", StateTerminating, StateTerminated, true},
		{"terminated to anything", StateTerminated, StateInitial, false},
		{"initial straight to terminated", StateInitial, StateTerminated, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestCallStateIsTerminal(t *testing.T) {
	assert.False(t, StateEstablished.IsTerminal())
	assert.True(t, StateTerminated.IsTerminal())
}
