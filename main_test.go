package main

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-network/umbra/crypto"
)

func TestLeafIndexArg(t *testing.T) {
	index, err := leafIndexArg(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), index)

	index, err = leafIndexArg(math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), index)

	_, err = leafIndexArg(math.MaxUint32 + 1)
	assert.True(t, errors.Is(err, crypto.ErrOutOfRange))
}
