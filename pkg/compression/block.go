package compression

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/dberrors"
)

// Block magics.
const (
	MagicData      = "Data------"
	MagicIndex     = "IdxFix----"
	MagicCommitLog = "CommitLog-"
)

const (
	magicLen = 10
	// HeaderSize is magic[10] | codec u8 | zlen u32 | len u32 | crc32c u32.
	HeaderSize = magicLen + 1 + 4 + 4 + 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header describes one compressed block.
type Header struct {
	Magic    string
	Codec    Codec
	ZLen     uint32
	Len      uint32
	Checksum uint32
}

// BlockLen is the on-disk length of the block including its header.
func (h Header) BlockLen() int { return HeaderSize + int(h.ZLen) }

// AppendBlock compresses payload with codec and appends header plus
// compressed bytes to dst.
func AppendBlock(dst []byte, magic string, codec Codec, payload []byte) ([]byte, error) {
	if len(magic) != magicLen {
		return nil, errors.AssertionFailedf("block magic %q is not %d bytes", magic, magicLen)
	}
	start := len(dst)
	dst = append(dst, magic...)
	dst = append(dst, byte(codec))
	dst = append(dst, make([]byte, 12)...)

	var err error
	if dst, err = codec.Compress(dst, payload); err != nil {
		return nil, err
	}
	z := dst[start+HeaderSize:]
	hdr := dst[start+magicLen+1:]
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(z)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[8:], crc32.Checksum(z, castagnoli))
	return dst, nil
}

// DecodeHeader parses a block header and checks its magic.
func DecodeHeader(b []byte, magic string) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(dberrors.ErrBadMagic, "short block header (%d bytes)", len(b))
	}
	h := Header{
		Magic:    string(b[:magicLen]),
		Codec:    Codec(b[magicLen]),
		ZLen:     binary.LittleEndian.Uint32(b[magicLen+1:]),
		Len:      binary.LittleEndian.Uint32(b[magicLen+5:]),
		Checksum: binary.LittleEndian.Uint32(b[magicLen+9:]),
	}
	if h.Magic != magic {
		return h, errors.Wrapf(dberrors.ErrBadMagic, "got %q, want %q", h.Magic, magic)
	}
	return h, nil
}

// DecodeBlock validates and inflates the block at the front of b. It
// returns the payload and the number of bytes consumed.
func DecodeBlock(b []byte, magic string) ([]byte, int, error) {
	h, err := DecodeHeader(b, magic)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < h.BlockLen() {
		return nil, 0, errors.Wrapf(dberrors.ErrChecksum, "truncated block: have %d of %d bytes", len(b), h.BlockLen())
	}
	payload, err := Inflate(h, b[HeaderSize:h.BlockLen()])
	if err != nil {
		return nil, 0, err
	}
	return payload, h.BlockLen(), nil
}

// Inflate verifies the checksum of a block body and decompresses it.
func Inflate(h Header, z []byte) ([]byte, error) {
	if sum := crc32.Checksum(z, castagnoli); sum != h.Checksum {
		return nil, errors.Wrapf(dberrors.ErrChecksum, "crc32c %08x, header says %08x", sum, h.Checksum)
	}
	return h.Codec.Decompress(z, int(h.Len))
}
