// Package wire implements the self-describing value encoding and the
// length-framed command codec used between a destination driver and a
// source responder (see the top-level package's doc comment).
//
// Each message is a verb tag followed by a count-prefixed list of
// arguments. Each argument is a tagged value: NIL, a bool, a signed or
// unsigned integer, a binary-safe string, or a homogeneous array of
// values (used for keys and rows). The encoding is little-endian and
// length-prefixed throughout, so a truncated frame is always detectable
// rather than silently misparsed.
package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

type tag byte

const (
	tagNil tag = iota
	tagBool
	tagInt
	tagUint
	tagString
	tagArray
)

// ErrTruncated is returned (wrapped) when a frame ends before its declared
// length is satisfied.
var ErrTruncated = errors.New("truncated frame")

// ErrUnknownTag is returned (wrapped) when a value's type tag is not one
// this codec understands.
var ErrUnknownTag = errors.New("unknown value tag")

// WriteValue encodes a single value to w. Supported Go types: nil, bool,
// int64 (and int, which is converted), uint64 (and uint), string, []byte
// (encoded the same as string), and []interface{} (encoded as a
// homogeneous array of values).
func WriteValue(w io.Writer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		return writeTag(w, tagNil)
	case bool:
		if err := writeTag(w, tagBool); err != nil {
			return err
		}
		var b [1]byte
		if x {
			b[0] = 1
		}
		_, err := w.Write(b[:])
		return errors.Wrap(err, "writing bool")
	case int:
		return WriteValue(w, int64(x))
	case int64:
		if err := writeTag(w, tagInt); err != nil {
			return err
		}
		return writeUint64(w, uint64(x))
	case uint:
		return WriteValue(w, uint64(x))
	case uint64:
		if err := writeTag(w, tagUint); err != nil {
			return err
		}
		return writeUint64(w, x)
	case string:
		if err := writeTag(w, tagString); err != nil {
			return err
		}
		return writeBytes(w, []byte(x))
	case []byte:
		if err := writeTag(w, tagString); err != nil {
			return err
		}
		return writeBytes(w, x)
	case []interface{}:
		if err := writeTag(w, tagArray); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(len(x))); err != nil {
			return err
		}
		for _, elt := range x {
			if err := WriteValue(w, elt); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Errorf("wire: unsupported value type %T", v)
	}
}

// ReadValue decodes a single value from r, the inverse of WriteValue.
// Arrays decode to []interface{}; strings decode to string.
func ReadValue(r io.Reader) (interface{}, error) {
	t, err := readTag(r)
	if err != nil {
		return nil, err
	}
	switch t {
	case tagNil:
		return nil, nil
	case tagBool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, errors.Wrap(wrapTruncated(err), "reading bool")
		}
		return b[0] != 0, nil
	case tagInt:
		u, err := readUint64(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading int")
		}
		return int64(u), nil
	case tagUint:
		u, err := readUint64(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading uint")
		}
		return u, nil
	case tagString:
		b, err := readBytes(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading string")
		}
		return string(b), nil
	case tagArray:
		n, err := readUint64(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading array length")
		}
		out := make([]interface{}, n)
		for i := range out {
			out[i], err = ReadValue(r)
			if err != nil {
				return nil, errors.Wrapf(err, "reading array element %d", i)
			}
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrUnknownTag, "tag %d", t)
	}
}

func writeTag(w io.Writer, t tag) error {
	_, err := w.Write([]byte{byte(t)})
	return errors.Wrap(err, "writing tag")
}

func readTag(r io.Reader) (tag, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(wrapTruncated(err), "reading tag")
	}
	return tag(b[0]), nil
}

func writeUint64(w io.Writer, u uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	_, err := w.Write(b[:])
	return errors.Wrap(err, "writing uint64")
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(wrapTruncated(err), "reading uint64")
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint64(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return errors.Wrap(err, "writing bytes")
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n > maxArgLen {
		return nil, errors.Errorf("wire: implausible length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(wrapTruncated(err), "reading byte payload")
	}
	return b, nil
}

// maxArgLen bounds a single string/array-length field against a corrupt
// or malicious length prefix; it's far larger than any single row or key
// tuple should ever be.
const maxArgLen = 1 << 32

func wrapTruncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}

// Float64ToValue and ValueToFloat64 are not part of the supported value
// set (spec.md names only signed/unsigned integers, booleans, strings,
// NIL, and arrays); callers with floating-point columns should encode
// them as the math.Float64bits uint64 representation via the uint path.
func Float64ToValue(f float64) interface{} { return math.Float64bits(f) }
func ValueToFloat64(v uint64) float64      { return math.Float64frombits(v) }
