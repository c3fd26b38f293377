package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-amqp-sasl/frames"
)

func TestFrameSize(t *testing.T) {
	size, err := frameSize(frames.MinMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(frames.MinMaxFrameSize), size)

	size, err = frameSize(math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), size)
}

func TestFrameSizeRejectsOverflow(t *testing.T) {
	over := uint(math.MaxUint32)
	if over == math.MaxUint {
		t.Skip("uint is 32 bits wide on this platform")
	}

	_, err := frameSize(over + 1)
	assert.ErrorContains(t, err, "32 bits")

	// a value whose low 32 bits are a legal frame size must not slip
	// through as that size
	_, err = frameSize(over + 1 + frames.MinMaxFrameSize)
	assert.Error(t, err)
}
