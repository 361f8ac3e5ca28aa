package internal

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMemClr(t *testing.T) {
	orig := []byte("wipe me")

	MemClr(orig)

	assert.Equal(t, make([]byte, len(orig)), orig)
}

func TestMemClr_Empty(t *testing.T) {
	assert.NotPanics(t, func() {
		MemClr(nil)
		MemClr([]byte{})
	})
}

type errorReader struct{}

func (errorReader) Read(p []byte) (n int, err error) {
	return 0, errors.New("error reading from stream")
}

func Test_FillRandom(t *testing.T) {
	size := 30
	b := make([]byte, size)
	assert.Equal(t, make([]byte, size), b)

	FillRandom(b)

	assert.Len(t, b, size)
	assert.NotEqual(t, make([]byte, size), b)
}

func Test_FillRandom_Panics(t *testing.T) {
	r := errorReader{}

	assert.Panics(t, func() {
		fillRandom(make([]byte, 12), r.Read)
	})
}

func Test_GetRandBytes(t *testing.T) {
	size := 20
	b := GetRandBytes(size)

	assert.Len(t, b, size)
	assert.NotEqual(t, make([]byte, size), b)

	// consecutive draws must differ
	assert.NotEqual(t, b, GetRandBytes(size))
}
