//go:build linux

package scp

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestCreateSizesMapping(t *testing.T) {
	s, err := Create()
	assert.NilError(t, err)
	defer s.Release()

	assert.Assert(t, s.FD() >= 0)

	got, err := s.Read(0, Size)
	assert.NilError(t, err)
	assert.Equal(t, len(got), Size)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	s, err := Create()
	assert.NilError(t, err)
	defer s.Release()

	want := []byte{0x48, 0x31, 0xC0, 0xCC}
	assert.NilError(t, s.Write(0, want))

	got, err := s.Read(0, len(want))
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)
}

func TestWriteOutOfBoundsErrors(t *testing.T) {
	s, err := Create()
	assert.NilError(t, err)
	defer s.Release()

	err = s.Write(Size-1, []byte{1, 2, 3})
	assert.ErrorContains(t, err, "out of bounds")
}

func TestReadNegativeLengthErrors(t *testing.T) {
	s, err := Create()
	assert.NilError(t, err)
	defer s.Release()

	_, err = s.Read(0, -1)
	assert.ErrorContains(t, err, "out of bounds")
}

func TestClearZeroesEntireMapping(t *testing.T) {
	s, err := Create()
	assert.NilError(t, err)
	defer s.Release()

	assert.NilError(t, s.Write(0, []byte{1, 2, 3, 4}))
	s.Clear()

	got, err := s.Read(0, Size)
	assert.NilError(t, err)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d not cleared: %#x", i, b)
		}
	}
}

func TestReleaseSucceeds(t *testing.T) {
	s, err := Create()
	assert.NilError(t, err)
	assert.NilError(t, s.Release())
}
