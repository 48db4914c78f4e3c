package wire

import (
	"bufio"
	"fmt"
	"io"

	m "gooze.dev/pkg/mutexec/internal/model"
)

// Frame is one decoded worker -> controller message. Which fields are set
// depends on Tag.
type Frame struct {
	Tag    byte
	ID     m.MutationUnit
	Record m.StatusRecord
	Exit   m.WorkerExit
}

// InitPayload is the decoded controller -> worker session start message.
type InitPayload struct {
	Settings m.WorkerSettings
	Batch    []m.MutationDetails
}

// Reader decodes frames from one connection.
type Reader struct {
	d decoder
}

// NewReader creates a frame reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{d: decoder{r: bufio.NewReader(r)}}
}

// ReadInit reads the session start frame.
func (fr *Reader) ReadInit() (InitPayload, error) {
	tag, err := fr.d.r.ReadByte()
	if err != nil {
		return InitPayload{}, err
	}

	if tag != TagInit {
		return InitPayload{}, fmt.Errorf("%w: expected init, got 0x%02x", ErrUnknownTag, tag)
	}

	settings, err := fr.d.settings()
	if err != nil {
		return InitPayload{}, err
	}

	n, err := fr.d.length("batch", MaxListLength)
	if err != nil {
		return InitPayload{}, err
	}

	batch := make([]m.MutationDetails, 0, n)

	for range n {
		details, err := fr.d.details()
		if err != nil {
			return InitPayload{}, err
		}

		batch = append(batch, details)
	}

	return InitPayload{Settings: settings, Batch: batch}, nil
}

// Next reads the next worker frame. A clean end of stream before any tag
// byte is returned as io.EOF; anything else that cannot be decoded wraps
// ErrMalformedFrame or ErrUnknownTag.
func (fr *Reader) Next() (Frame, error) {
	tag, err := fr.d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}

	f := Frame{Tag: tag}

	switch tag {
	case TagDescribe:
		f.ID, err = fr.d.unit()
	case TagReport:
		if f.ID, err = fr.d.unit(); err == nil {
			f.Record, err = fr.d.record()
		}
	case TagDone:
		var text string
		if text, err = fr.d.string("exit status"); err == nil {
			f.Exit, err = ParseExit(text)
		}
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}

	if err != nil {
		return Frame{}, err
	}

	return f, nil
}
