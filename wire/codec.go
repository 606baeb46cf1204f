package wire

import (
	"io"

	"github.com/pkg/errors"
)

// Message is one decoded protocol message: a verb plus its positional
// arguments.
type Message struct {
	Verb Verb
	Args []interface{}
}

// Send writes verb and its positional arguments to w as a single framed
// message: <verb-tag><arg-count><arg>*.
func Send(w io.Writer, verb Verb, args ...interface{}) error {
	if err := writeTag(w, tag(verb)); err != nil {
		return errors.Wrap(err, "writing verb")
	}
	if err := writeUint64(w, uint64(len(args))); err != nil {
		return errors.Wrap(err, "writing argument count")
	}
	for i, a := range args {
		if err := WriteValue(w, a); err != nil {
			return errors.Wrapf(err, "writing argument %d", i)
		}
	}
	return nil
}

// Recv reads one framed message from r. It returns io.EOF, unwrapped, if
// the peer closed the stream cleanly between messages (the expected way a
// QUIT exchange ends); any other truncation is reported as
// (a wrapped) ErrTruncated.
func Recv(r io.Reader) (Message, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, errors.Wrap(wrapTruncated(err), "reading verb")
	}
	verb := Verb(b[0])

	n, err := readUint64(r)
	if err != nil {
		return Message{}, errors.Wrap(err, "reading argument count")
	}
	if n > maxArgLen {
		return Message{}, errors.Errorf("wire: implausible argument count %d", n)
	}

	args := make([]interface{}, n)
	for i := range args {
		args[i], err = ReadValue(r)
		if err != nil {
			return Message{}, errors.Wrapf(err, "reading argument %d", i)
		}
	}
	return Message{Verb: verb, Args: args}, nil
}

// Arg returns message argument i, or nil if it's out of range (used for
// optional trailing arguments).
func (m Message) Arg(i int) interface{} {
	if i < 0 || i >= len(m.Args) {
		return nil
	}
	return m.Args[i]
}

// WriteRowHeader writes the row count that precedes a streamed row
// payload (used by ROWS and the ROWS_AND_HASH_* combined replies).
func WriteRowHeader(w io.Writer, n uint64) error {
	return errors.Wrap(writeUint64(w, n), "writing row count")
}

// ReadRowHeader reads the row count written by WriteRowHeader.
func ReadRowHeader(r io.Reader) (uint64, error) {
	n, err := readUint64(r)
	return n, errors.Wrap(err, "reading row count")
}

// WriteRow writes a single row as an array value.
func WriteRow(w io.Writer, row []interface{}) error {
	return errors.Wrap(WriteValue(w, row), "writing row")
}

// ReadRow reads a single row written by WriteRow.
func ReadRow(r io.Reader) ([]interface{}, error) {
	v, err := ReadValue(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading row")
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, errors.Errorf("wire: expected row array, got %T", v)
	}
	return arr, nil
}
