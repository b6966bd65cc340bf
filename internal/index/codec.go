package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrBadFormat is returned when index bytes are not a recognizable index.
var ErrBadFormat = errors.New("unrecognized index format")

const (
	// magic identifies an index artifact.
	magic = "OQFX"

	// FormatVersion is incremented on breaking changes to the binary layout.
	FormatVersion = 1

	// maxVectors and maxValues guard against absurd sizes from a corrupt header.
	maxVectors = 1 << 28
	maxValues  = 1 << 30

	// readChunk bounds the up-front allocation; the rest grows as values arrive.
	readChunk = 1 << 16
)

// header is the fixed-size preamble of the binary artifact.
type header struct {
	Magic   [4]byte
	Version uint32
	Dim     uint32
	Count   uint64
}

// WriteTo writes the index as: header, then Count*Dim little-endian float32 values.
func (f *Flat) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	h := header{Version: FormatVersion, Dim: uint32(f.dim), Count: uint64(f.Len())}
	copy(h.Magic[:], magic)

	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return 0, fmt.Errorf("writing header: %w", err)
	}

	buf := make([]byte, 4)
	for _, v := range f.data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := bw.Write(buf); err != nil {
			return 0, fmt.Errorf("writing vectors: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("flushing index: %w", err)
	}

	return int64(binary.Size(h)) + int64(len(f.data))*4, nil
}

// Read decodes an index written by WriteTo.
func Read(r io.Reader) (*Flat, error) {
	br := bufio.NewReader(r)

	var h header
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrBadFormat, err)
	}
	if string(h.Magic[:]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadFormat, h.Magic[:])
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadFormat, h.Version, FormatVersion)
	}
	if h.Count > maxVectors {
		return nil, fmt.Errorf("%w: implausible vector count %d", ErrBadFormat, h.Count)
	}

	// Count is at most 2^28 and Dim below 2^32, so the product fits in a uint64.
	total := uint64(h.Dim) * h.Count
	if total > maxValues {
		return nil, fmt.Errorf("%w: implausible size %d x %d", ErrBadFormat, h.Count, h.Dim)
	}

	f, err := NewFlat(int(h.Dim))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	f.data = make([]float32, 0, min(total, readChunk))
	buf := make([]byte, 4)
	for i := uint64(0); i < total; i++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("%w: truncated after %d of %d values", ErrBadFormat, i, total)
		}
		f.data = append(f.data, math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	}

	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after %d vectors", ErrBadFormat, h.Count)
	}
	return f, nil
}
