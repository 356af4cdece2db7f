// Package encapsulation implements a way of encoding variable-size chunks of
// data and padding into a byte stream.
//
// Each chunk of data or padding starts with a variable-size length prefix.
// The low bit of the prefix says whether the record is data (0) or padding
// (1); the remaining bits are the length, encoded as an unsigned varint.
//
//	record = uvarint(length<<1 | isPadding) bytes
//
// A tunnel payload (the content of a Data packet, or the value of a piggyback
// token) is a sequence of such records, one per Ethernet frame.
package encapsulation

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrTooLong is returned by ReadData when a data record is longer than the
// caller is willing to accept.
var ErrTooLong = errors.New("encapsulation: record too long")

// MaxDataLength is the largest data record ReadData will return.
const MaxDataLength = 0x10000

type byteReader interface {
	io.Reader
	io.ByteReader
}

// singleByteReader adds ReadByte to a plain io.Reader without reading ahead,
// so that nothing past the current record is consumed.
type singleByteReader struct {
	io.Reader
	buf [1]byte
}

func (r *singleByteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(r.Reader, r.buf[:])
	return r.buf[0], err
}

func writeRecord(w io.Writer, n int, padding bool) error {
	var prefix [binary.MaxVarintLen64]byte
	v := uint64(n) << 1
	if padding {
		v |= 1
	}
	k := binary.PutUvarint(prefix[:], v)
	_, err := w.Write(prefix[:k])
	return err
}

// WriteData encodes a data record into w. It returns the total number of
// bytes written, prefix included.
func WriteData(w io.Writer, data []byte) (int, error) {
	if err := writeRecord(w, len(data), false); err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return n + EncodedLength(len(data)) - len(data), err
}

// WritePadding writes a padding record of exactly n bytes total, prefix
// included. n must be at least 1.
func WritePadding(w io.Writer, n int) error {
	if n < 1 {
		return errors.New("encapsulation: padding length must be at least 1")
	}
	for body := n - 1; body >= 0; body-- {
		if EncodedLength(body) != n {
			continue
		}
		if err := writeRecord(w, body, true); err != nil {
			return err
		}
		_, err := w.Write(make([]byte, body))
		return err
	}
	// n falls on a prefix size boundary; split it into two records.
	if err := WritePadding(w, 1); err != nil {
		return err
	}
	return WritePadding(w, n-1)
}

// EncodedLength returns the size of a record with a body of n bytes.
func EncodedLength(n int) int {
	var prefix [binary.MaxVarintLen64]byte
	return binary.PutUvarint(prefix[:], uint64(n)<<1) + n
}

// ReadData returns the next data record from r, skipping over padding. It
// returns io.EOF if r ends cleanly between records and io.ErrUnexpectedEOF if
// r ends in the middle of one.
func ReadData(r io.Reader) ([]byte, error) {
	br, ok := r.(byteReader)
	if !ok {
		br = &singleByteReader{Reader: r}
	}
	for {
		v, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		n := v >> 1
		if v&1 == 1 {
			if _, err := io.CopyN(io.Discard, br, int64(n)); err != nil {
				return nil, io.ErrUnexpectedEOF
			}
			continue
		}
		if n > MaxDataLength {
			return nil, ErrTooLong
		}
		p := make([]byte, n)
		if _, err := io.ReadFull(br, p); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return p, nil
	}
}

// Bundle encodes frames into a single payload.
func Bundle(frames ...[]byte) []byte {
	var out []byte
	for _, f := range frames {
		var prefix [binary.MaxVarintLen64]byte
		k := binary.PutUvarint(prefix[:], uint64(len(f))<<1)
		out = append(out, prefix[:k]...)
		out = append(out, f...)
	}
	return out
}
