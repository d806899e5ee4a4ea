// Package hrs holds the types and wire format of the standard Bluetooth
// Heart Rate Service (0x180d) measurement characteristic (0x2a37).
package hrs

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// ServiceUUID is the UUID of the standard Heart Rate Service
	ServiceUUID = "0000180d-0000-1000-8000-00805f9b34fb"
	// MeasurementUUID is the UUID of the Heart Rate Measurement characteristic
	MeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"
)

// Flags byte of a measurement frame. Reserved bits are ignored so that
// frames from newer revisions of the service still parse.
const (
	flagRateUint16       = 0x01
	flagContactDetected  = 0x02
	flagContactSupported = 0x04
)

// ErrMalformedFrame indicates a notification payload too short for the
// layout its own flags byte declares.
var ErrMalformedFrame = errors.New("malformed heart rate measurement frame")

// ContactStatus reports whether the sensor is touching skin. Not every
// peripheral supports contact detection, so the zero value is "unsupported".
type ContactStatus int

const (
	ContactUnsupported ContactStatus = iota
	ContactOff
	ContactDetected
)

func (s ContactStatus) String() string {
	switch s {
	case ContactOff:
		return "off"
	case ContactDetected:
		return "detected"
	default:
		return "unsupported"
	}
}

// Known reports the contact status as a bool, with ok false when the
// peripheral does not support contact detection.
func (s ContactStatus) Known() (detected bool, ok bool) {
	return s == ContactDetected, s != ContactUnsupported
}

// Reading is one decoded heart rate measurement.
type Reading struct {
	HeartRate uint16
	Contact   ContactStatus
}

// ParseFrame decodes a Heart Rate Measurement notification payload.
func ParseFrame(frame []byte) (Reading, error) {
	if len(frame) < 2 {
		return Reading{}, errors.Wrap(ErrMalformedFrame, "frame shorter than flags + rate")
	}
	flags := frame[0]

	var rate uint16
	if flags&flagRateUint16 != 0 {
		if len(frame) < 3 {
			return Reading{}, errors.Wrap(ErrMalformedFrame, "flags declare 16-bit rate but frame has 2 bytes")
		}
		rate = binary.LittleEndian.Uint16(frame[1:])
	} else {
		rate = uint16(frame[1])
	}

	contact := ContactUnsupported
	if flags&flagContactSupported != 0 {
		if flags&flagContactDetected != 0 {
			contact = ContactDetected
		} else {
			contact = ContactOff
		}
	}

	return Reading{HeartRate: rate, Contact: contact}, nil
}
