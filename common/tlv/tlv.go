// Package tlv implements the NDN type-length-value encoding: VAR-NUMBER
// types and lengths, and non-negative integers.
//
// https://named-data.net/doc/NDN-packet-spec/current/tlv.html
package tlv

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// MaxElementLength bounds the length of a single element accepted by the
// decoders. Anything larger is almost certainly garbage from a broken peer.
const MaxElementLength = 1 << 20

var (
	ErrTruncated  = errors.New("tlv: truncated element")
	ErrTooLong    = errors.New("tlv: element too long")
	ErrBadInteger = errors.New("tlv: bad non-negative integer length")
	ErrBadType    = errors.New("tlv: type number out of range")
)

// Element is a single decoded TLV element. Value aliases the buffer it was
// decoded from.
type Element struct {
	Type  uint32
	Value []byte
}

// Encode returns the wire encoding of e.
func (e Element) Encode() []byte {
	return AppendElement(nil, e.Type, e.Value)
}

// SizeVarNumber returns the number of octets VAR-NUMBER encoding of n takes.
func SizeVarNumber(n uint64) int {
	switch {
	case n < 253:
		return 1
	case n <= 0xffff:
		return 3
	case n <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// AppendVarNumber appends the VAR-NUMBER encoding of n to b.
func AppendVarNumber(b []byte, n uint64) []byte {
	switch {
	case n < 253:
		return append(b, byte(n))
	case n <= 0xffff:
		b = append(b, 253)
		return binary.BigEndian.AppendUint16(b, uint16(n))
	case n <= 0xffffffff:
		b = append(b, 254)
		return binary.BigEndian.AppendUint32(b, uint32(n))
	default:
		b = append(b, 255)
		return binary.BigEndian.AppendUint64(b, n)
	}
}

// ReadVarNumber decodes a VAR-NUMBER from the front of b and returns it
// together with the number of octets consumed.
func ReadVarNumber(b []byte) (uint64, int, error) {
	if len(b) < 1 {
		return 0, 0, ErrTruncated
	}
	switch b[0] {
	case 253:
		if len(b) < 3 {
			return 0, 0, ErrTruncated
		}
		return uint64(binary.BigEndian.Uint16(b[1:])), 3, nil
	case 254:
		if len(b) < 5 {
			return 0, 0, ErrTruncated
		}
		return uint64(binary.BigEndian.Uint32(b[1:])), 5, nil
	case 255:
		if len(b) < 9 {
			return 0, 0, ErrTruncated
		}
		return binary.BigEndian.Uint64(b[1:]), 9, nil
	default:
		return uint64(b[0]), 1, nil
	}
}

// AppendElement appends a complete element with the given type and value.
func AppendElement(b []byte, typ uint32, value []byte) []byte {
	b = AppendVarNumber(b, uint64(typ))
	b = AppendVarNumber(b, uint64(len(value)))
	return append(b, value...)
}

// AppendNonNegativeInteger appends an element holding n in the shortest of
// the 1, 2, 4 or 8 octet forms.
func AppendNonNegativeInteger(b []byte, typ uint32, n uint64) []byte {
	return AppendElement(b, typ, EncodeNonNegativeInteger(n))
}

// EncodeNonNegativeInteger returns the shortest encoding of n.
func EncodeNonNegativeInteger(n uint64) []byte {
	switch {
	case n <= 0xff:
		return []byte{byte(n)}
	case n <= 0xffff:
		return binary.BigEndian.AppendUint16(nil, uint16(n))
	case n <= 0xffffffff:
		return binary.BigEndian.AppendUint32(nil, uint32(n))
	default:
		return binary.BigEndian.AppendUint64(nil, n)
	}
}

// DecodeNonNegativeInteger is the inverse of EncodeNonNegativeInteger.
func DecodeNonNegativeInteger(v []byte) (uint64, error) {
	switch len(v) {
	case 1:
		return uint64(v[0]), nil
	case 2:
		return uint64(binary.BigEndian.Uint16(v)), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(v)), nil
	case 8:
		return binary.BigEndian.Uint64(v), nil
	}
	return 0, ErrBadInteger
}

// Decode parses one element from the front of b and returns it with the
// remaining bytes.
func Decode(b []byte) (Element, []byte, error) {
	typ, n, err := ReadVarNumber(b)
	if err != nil {
		return Element{}, nil, err
	}
	if typ > math.MaxUint32 {
		return Element{}, nil, ErrBadType
	}
	b = b[n:]
	length, n, err := ReadVarNumber(b)
	if err != nil {
		return Element{}, nil, err
	}
	b = b[n:]
	if length > MaxElementLength {
		return Element{}, nil, ErrTooLong
	}
	if uint64(len(b)) < length {
		return Element{}, nil, ErrTruncated
	}
	return Element{Type: uint32(typ), Value: b[:length]}, b[length:], nil
}

// DecodeAll parses a concatenation of elements.
func DecodeAll(b []byte) ([]Element, error) {
	var elems []Element
	for len(b) > 0 {
		e, rest, err := Decode(b)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		b = rest
	}
	return elems, nil
}

func readVarNumberFrom(r io.Reader) (uint64, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, err
	}
	var size int
	switch first[0] {
	case 253:
		size = 2
	case 254:
		size = 4
	case 255:
		size = 8
	default:
		return uint64(first[0]), nil
	}
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	v, _ := DecodeNonNegativeInteger(buf[:size])
	return v, nil
}

// ReadElement reads exactly one element from a stream and returns its full
// wire encoding. It returns io.EOF only if the stream ends before the first
// octet.
func ReadElement(r io.Reader) ([]byte, error) {
	typ, err := readVarNumberFrom(r)
	if err != nil {
		return nil, err
	}
	if typ > math.MaxUint32 {
		return nil, ErrBadType
	}
	length, err := readVarNumberFrom(r)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	if length > MaxElementLength {
		return nil, ErrTooLong
	}
	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return AppendElement(nil, uint32(typ), value), nil
}
