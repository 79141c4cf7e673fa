// Package pktline implements the length-prefixed framing used by the Git
// smart protocol.
package pktline

import (
	"errors"
	"fmt"
)

const (
	// LenSize is the size of the hexadecimal length prefix
	LenSize = 4

	// MaxPayloadSize is the largest payload a single pkt-line can carry
	MaxPayloadSize = 65516
)

// FlushPkt terminates a section of pkt-lines
var FlushPkt = []byte("0000")

// ErrPayloadTooLong is returned when a payload does not fit in one pkt-line
var ErrPayloadTooLong = errors.New("pkt-line payload too long")

// Encode frames payload as a single pkt-line: four lowercase hex digits
// holding len(payload)+4, followed by the payload itself.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}
	out := make([]byte, 0, LenSize+len(payload))
	out = fmt.Appendf(out, "%04x", len(payload)+LenSize)
	return append(out, payload...), nil
}

// EncodeString is Encode for string payloads
func EncodeString(payload string) ([]byte, error) {
	return Encode([]byte(payload))
}

// ServiceAdvertisement builds the preamble sent ahead of a ref advertisement:
// the pkt-line "# service=<service>\n" followed by a flush packet.
func ServiceAdvertisement(service string) []byte {
	line := "# service=" + service + "\n"
	// service names are short; the payload always fits
	pkt, _ := EncodeString(line)
	return append(pkt, FlushPkt...)
}

