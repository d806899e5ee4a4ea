package hrs

import (
	"errors"
	"testing"

	"gotest.tools/assert"
)

func TestParseFrameUint8Rate(t *testing.T) {
	r, err := ParseFrame([]byte{0x00, 75})
	assert.NilError(t, err)
	assert.Equal(t, uint16(75), r.HeartRate)
	assert.Equal(t, ContactUnsupported, r.Contact)
}

func TestParseFrameUint16Rate(t *testing.T) {
	r, err := ParseFrame([]byte{0x05, 0x2C, 0x01})
	assert.NilError(t, err)
	assert.Equal(t, uint16(300), r.HeartRate)
	assert.Equal(t, ContactOff, r.Contact)
}

func TestParseFrameContactDetected(t *testing.T) {
	r, err := ParseFrame([]byte{0x07, 60, 0})
	assert.NilError(t, err)
	assert.Equal(t, uint16(60), r.HeartRate)
	assert.Equal(t, ContactDetected, r.Contact)
	detected, ok := r.Contact.Known()
	assert.Check(t, detected)
	assert.Check(t, ok)
}

func TestParseFrameContactBitIgnoredWhenUnsupported(t *testing.T) {
	// Status bit set but support bit clear: the status bit means nothing.
	r, err := ParseFrame([]byte{0x03, 60, 0})
	assert.NilError(t, err)
	assert.Equal(t, ContactUnsupported, r.Contact)
	_, ok := r.Contact.Known()
	assert.Check(t, !ok)
}

func TestParseFrameReservedBitsIgnored(t *testing.T) {
	r, err := ParseFrame([]byte{0xF8, 42})
	assert.NilError(t, err)
	assert.Equal(t, uint16(42), r.HeartRate)
}

func TestParseFrameTooShort(t *testing.T) {
	for _, frame := range [][]byte{nil, {}, {0x00}} {
		_, err := ParseFrame(frame)
		assert.Check(t, errors.Is(err, ErrMalformedFrame))
	}
	// Two bytes is not enough once the 16-bit rate flag is set.
	_, err := ParseFrame([]byte{0x01, 75})
	assert.Check(t, errors.Is(err, ErrMalformedFrame))
}
