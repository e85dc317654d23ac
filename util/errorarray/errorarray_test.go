package errorarray

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	assert.NoError(t, Collect("teardown", nil, nil))

	err := Collect("teardown", nil, io.EOF)
	require.Error(t, err)
	assert.Equal(t, "teardown: EOF", err.Error())
	assert.True(t, errors.Is(err, io.EOF))

	err = Collect("teardown", io.EOF, io.ErrClosedPipe)
	assert.Equal(t, "teardown: 2 errors:\n\tEOF\n\tio: read/write on closed pipe", err.Error())
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
}
