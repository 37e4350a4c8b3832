// Package latency reads and writes raw latency sample files. Each sample is
// stored as two little-endian uint32 values: the offset in milliseconds since
// recording started and the measured latency in milliseconds.
package latency

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// SampleSize is the encoded size of a Sample in bytes.
const SampleSize = 8

type DataType int

const (
	Tar DataType = iota
	TarGz
	Gzip
	Snappy
	Raw
	Unsupported
)

var ErrUnsupportedDataType = errors.New("unsupported data type")

// Sample is one admitted latency measurement.
type Sample struct {
	OffsetMs  uint32
	LatencyMs uint32
}

func (s Sample) encode(b []byte) {
	binary.LittleEndian.PutUint32(b, s.OffsetMs)
	binary.LittleEndian.PutUint32(b[4:], s.LatencyMs)
}

func decodeSample(b []byte) Sample {
	return Sample{
		OffsetMs:  binary.LittleEndian.Uint32(b),
		LatencyMs: binary.LittleEndian.Uint32(b[4:]),
	}
}

// Writer appends samples to a raw latency stream.
type Writer interface {
	WriteSample(s Sample) error
	Close() error
}

// Reader decodes raw latency streams, handing each sample to a processor.
type Reader interface {
	ReadByType(r io.Reader, dataType DataType) error
}

type writer struct {
	file       *os.File
	buf        *bufio.Writer
	w          io.Writer
	compressed bool
	mu         sync.Mutex
}

type reader struct {
	processor func(s Sample) error
}

// ConvertFileExtensionToDataType derives the encoding of a file from its name.
func ConvertFileExtensionToDataType(filename string) DataType {
	switch {
	case strings.HasSuffix(filename, ".dat"):
		return Raw
	case strings.HasSuffix(filename, ".snappy"):
		return Snappy
	case strings.HasSuffix(filename, ".tgz"), strings.HasSuffix(filename, ".tar.gz"):
		return TarGz
	case strings.HasSuffix(filename, ".tar"):
		return Tar
	case strings.HasSuffix(filename, ".gz"):
		return Gzip
	}
	return Unsupported
}

// NewReader returns a Reader calling processor for every decoded sample.
func NewReader(processor func(s Sample) error) (Reader, error) {
	if processor == nil {
		return nil, errors.New("processor func cannot be nil")
	}
	return &reader{processor: processor}, nil
}

func (lr *reader) readAndProcess(r io.Reader) error {
	b := make([]byte, SampleSize)
	for {
		_, err := io.ReadFull(r, b)
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return errors.New("truncated latency sample")
		}
		if err != nil {
			return err
		}
		if err := lr.processor(decodeSample(b)); err != nil {
			return err
		}
	}
}

func (lr *reader) readTarBall(r io.Reader) error {
	t := tar.NewReader(r)
	for {
		h, err := t.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		if err := lr.ReadByType(t, ConvertFileExtensionToDataType(h.Name)); err != nil {
			return errors.Wrapf(err, "reading %s", h.Name)
		}
	}
}

func (lr *reader) readGzip(r io.Reader, downstream func(io.Reader) error) error {
	g, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer g.Close()
	return downstream(g)
}

// ReadByType decodes r according to dataType.
func (lr *reader) ReadByType(r io.Reader, dataType DataType) error {
	switch dataType {
	case Raw:
		return lr.readAndProcess(r)
	case Snappy:
		return lr.readAndProcess(snappy.NewReader(r))
	case TarGz:
		return lr.readGzip(r, lr.readTarBall)
	case Tar:
		return lr.readTarBall(r)
	case Gzip:
		return lr.readGzip(r, lr.readAndProcess)
	}
	return ErrUnsupportedDataType
}

// NewFileWriter creates filename and returns a Writer on it. Files ending in
// .snappy are written snappy framed, everything else raw.
func NewFileWriter(filename string) (Writer, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "creating latency file %s", filename)
	}
	return newWriter(f, f, ConvertFileExtensionToDataType(filename) == Snappy), nil
}

// NewWriter returns a Writer on downstream. Closing it does not close
// downstream.
func NewWriter(downstream io.Writer, compressed bool) Writer {
	return newWriter(nil, downstream, compressed)
}

func newWriter(f *os.File, downstream io.Writer, compressed bool) *writer {
	lw := &writer{file: f, compressed: compressed}

	// snappy buffers on its own, so only raw streams get a bufio layer
	if compressed {
		lw.w = snappy.NewBufferedWriter(downstream)
	} else {
		lw.buf = bufio.NewWriter(downstream)
		lw.w = lw.buf
	}
	return lw
}

func (w *writer) WriteSample(s Sample) error {
	var b [SampleSize]byte
	s.encode(b[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(b[:])
	return err
}

func (w *writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.compressed {
		if err := w.w.(io.WriteCloser).Close(); err != nil {
			return err
		}
	} else if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
