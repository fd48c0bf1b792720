package pktline_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitreview/gitreviewd/internal/pktline"
)

func TestWriterReader_roundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)

	require.NoError(t, w.WritePayload([]byte("want "+"deadbeef\n")))
	require.NoError(t, w.WritePayload([]byte("have "+"cafef00d\n")))
	require.NoError(t, w.WriteFlush())
	require.NoError(t, w.WritePayload([]byte("done\n")))

	r := pktline.NewReader(&buf)

	line, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "want deadbeef\n", string(line))

	line, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "have cafef00d\n", string(line))

	line, err = r.Next()
	require.NoError(t, err)
	assert.True(t, pktline.IsFlush(line))

	line, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(line))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_knownExample(t *testing.T) {
	// "0006a\n" is the textbook pkt-line example from Git's own docs:
	// 0006 = 4 header bytes + "a\n".
	r := pktline.NewReader(bytes.NewReader([]byte("0006a\n")))
	line, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(line))
}

func TestReader_invalidLength(t *testing.T) {
	r := pktline.NewReader(bytes.NewReader([]byte("zzzzgarbage")))
	_, err := r.Next()
	assert.ErrorIs(t, err, pktline.ErrInvalidLength)
}

func TestWriter_tooLong(t *testing.T) {
	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	err := w.WritePayload(make([]byte, 70000))
	assert.ErrorIs(t, err, pktline.ErrTooLong)
}
