package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// HeaderSize is the fixed packet header: width, height and payload length,
// each a big-endian uint32.
const HeaderSize = 12

// DefaultLevel favours speed over ratio.
const DefaultLevel = 3

// Packet is the wire form of one Frame. It is immutable once built and the
// same value is written to every connection.
type Packet []byte

type Header struct {
	Width      uint32
	Height     uint32
	PayloadLen uint32
}

func (h Header) Put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Width)
	binary.BigEndian.PutUint32(b[4:8], h.Height)
	binary.BigEndian.PutUint32(b[8:12], h.PayloadLen)
}

func ParseHeader(b []byte) Header {
	return Header{
		Width:      binary.BigEndian.Uint32(b[0:4]),
		Height:     binary.BigEndian.Uint32(b[4:8]),
		PayloadLen: binary.BigEndian.Uint32(b[8:12]),
	}
}

// maxPayload is a loose upper bound of zlib output for n input bytes.
func maxPayload(n int) int {
	return n + n/100 + 1024
}

func (h Header) check() error {
	if h.Width == 0 || h.Height == 0 {
		return malformed("decode", "zero dimension %dx%d", h.Width, h.Height)
	}
	if h.Width > MaxDimension || h.Height > MaxDimension {
		return malformed("decode", "dimension %dx%d exceeds %d", h.Width, h.Height, MaxDimension)
	}
	if h.PayloadLen == 0 {
		return malformed("decode", "empty payload")
	}
	if int(h.PayloadLen) > maxPayload(Size(h.Width, h.Height)) {
		return malformed("decode", "payload of %d bytes too large for %dx%d", h.PayloadLen, h.Width, h.Height)
	}
	return nil
}

// Encoder compresses frames into packets. It reuses its compressor between
// calls and is not safe for concurrent use.
type Encoder struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

func NewEncoder(level int) (*Encoder, error) {
	zw, err := zlib.NewWriterLevel(io.Discard, level)
	if err != nil {
		return nil, fmt.Errorf("zlib level %d: %w", level, err)
	}
	return &Encoder{zw: zw}, nil
}

func (e *Encoder) Encode(f Frame) (Packet, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var header [HeaderSize]byte
	e.buf.Reset()
	e.buf.Write(header[:])
	e.zw.Reset(&e.buf)
	if _, err := e.zw.Write(f.Data); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	if err := e.zw.Close(); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}

	packet := make(Packet, e.buf.Len())
	copy(packet, e.buf.Bytes())
	Header{
		Width:      f.Width,
		Height:     f.Height,
		PayloadLen: uint32(len(packet) - HeaderSize),
	}.Put(packet[:HeaderSize])
	return packet, nil
}

// Encode builds a packet with the default compression level.
func Encode(f Frame) (Packet, error) {
	enc, err := NewEncoder(DefaultLevel)
	if err != nil {
		return nil, err
	}
	return enc.Encode(f)
}

// Decoder reads packets from a stream. A packet is either read whole or the
// call fails; partial packets are never returned.
type Decoder struct {
	r       io.Reader
	header  [HeaderSize]byte
	payload []byte
	zr      io.ReadCloser
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

func (d *Decoder) Decode() (Frame, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return Frame{}, truncated("read header", err)
	}
	h := ParseHeader(d.header[:])
	if err := h.check(); err != nil {
		return Frame{}, err
	}

	n := int(h.PayloadLen)
	if cap(d.payload) < n {
		d.payload = make([]byte, n)
	}
	payload := d.payload[:n]
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, truncated("read payload", err)
	}
	return d.inflate(h, payload)
}

func (d *Decoder) inflate(h Header, payload []byte) (Frame, error) {
	src := bytes.NewReader(payload)
	if d.zr == nil {
		zr, err := zlib.NewReader(src)
		if err != nil {
			return Frame{}, malformed("decode", "zlib header: %v", err)
		}
		d.zr = zr
	} else if err := d.zr.(zlib.Resetter).Reset(src, nil); err != nil {
		return Frame{}, malformed("decode", "zlib header: %v", err)
	}

	data := make([]byte, Size(h.Width, h.Height))
	if _, err := io.ReadFull(d.zr, data); err != nil {
		return Frame{}, malformed("decode", "inflated payload shorter than %dx%dx3: %v", h.Width, h.Height, err)
	}
	var extra [1]byte
	switch n, err := io.ReadFull(d.zr, extra[:]); {
	case n > 0:
		return Frame{}, malformed("decode", "inflated payload longer than %dx%dx3", h.Width, h.Height)
	case err != io.EOF:
		return Frame{}, malformed("decode", "zlib trailer: %v", err)
	}
	return Frame{Data: data, Width: h.Width, Height: h.Height}, nil
}

// truncated classifies a failed packet read. A stream that ends cleanly
// between packets is a closed peer; one that ends inside a packet carries a
// malformed packet. Other I/O errors mean the connection is gone.
func truncated(op string, err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &StreamError{Op: op, Status: StatusMalformed, Err: err}
	}
	return ClosedError(op, err)
}

// Decode reads a single packet from r.
func Decode(r io.Reader) (Frame, error) {
	return NewDecoder(r).Decode()
}
