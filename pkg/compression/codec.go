// Package compression implements the block codecs and the self-describing
// block header shared by cell stores and commit logs.
package compression

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"tabletdb/pkg/dberrors"
)

// Codec identifies a block compression algorithm. The numeric values are
// persisted in block headers.
type Codec uint8

const (
	None   Codec = 0
	Snappy Codec = 1
	Zstd   Codec = 2
	Gzip   Codec = 3
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	}
	return "unknown"
}

// ParseCodec maps a configuration name to a codec. The empty name is snappy.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return Snappy, nil
	case "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "gzip":
		return Gzip, nil
	}
	return None, errors.Wrapf(dberrors.ErrBadCompression, "codec %q", name)
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Compress appends the compressed form of src to dst.
func (c Codec) Compress(dst, src []byte) ([]byte, error) {
	switch c {
	case None:
		return append(dst, src...), nil
	case Snappy:
		return append(dst, snappy.Encode(nil, src)...), nil
	case Zstd:
		return zstdEncoder.EncodeAll(src, dst), nil
	case Gzip:
		buf := bytes.NewBuffer(dst)
		gz := gzip.NewWriter(buf)
		if _, err := gz.Write(src); err != nil {
			return nil, errors.Wrap(err, "gzip compress")
		}
		if err := gz.Close(); err != nil {
			return nil, errors.Wrap(err, "gzip compress")
		}
		return buf.Bytes(), nil
	}
	return nil, errors.Wrapf(dberrors.ErrBadCompression, "codec %d", c)
}

// Decompress inflates src, which must expand to exactly size bytes.
func (c Codec) Decompress(src []byte, size int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case None:
		out = append(make([]byte, 0, len(src)), src...)
	case Snappy:
		out, err = snappy.Decode(make([]byte, size), src)
	case Zstd:
		out, err = zstdDecoder.DecodeAll(src, make([]byte, 0, size))
	case Gzip:
		var gz *gzip.Reader
		if gz, err = gzip.NewReader(bytes.NewReader(src)); err == nil {
			out = make([]byte, 0, size)
			buf := bytes.NewBuffer(out)
			_, err = io.Copy(buf, gz)
			out = buf.Bytes()
			_ = gz.Close()
		}
	default:
		return nil, errors.Wrapf(dberrors.ErrBadCompression, "codec %d", c)
	}
	if err != nil {
		return nil, errors.Wrapf(dberrors.ErrCorruptCellStore, "%s inflate: %v", c, err)
	}
	if len(out) != size {
		return nil, errors.Wrapf(dberrors.ErrCorruptCellStore, "%s inflate: got %d bytes, want %d", c, len(out), size)
	}
	return out, nil
}
