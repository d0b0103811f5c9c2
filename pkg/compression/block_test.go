package compression

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/dberrors"
)

func TestBlock_AllCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("row-0001\x00\x01qual\x00payload "), 500)
	for _, codec := range []Codec{None, Snappy, Zstd, Gzip} {
		t.Run(codec.String(), func(t *testing.T) {
			blk, err := AppendBlock([]byte("prefix"), MagicData, codec, payload)
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			got, n, err := DecodeBlock(blk[len("prefix"):], MagicData)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n != len(blk)-len("prefix") {
				t.Fatalf("consumed %d of %d bytes", n, len(blk)-len("prefix"))
			}
			if !bytes.Equal(got, payload) {
				t.Fatal("payload mismatch")
			}
		})
	}
}

func TestBlock_Corruption(t *testing.T) {
	blk, err := AppendBlock(nil, MagicIndex, Snappy, []byte("index payload"))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := DecodeBlock(blk, MagicData); !errors.Is(err, dberrors.ErrBadMagic) {
		t.Fatalf("wrong magic: got %v", err)
	}

	flipped := append([]byte(nil), blk...)
	flipped[len(flipped)-1] ^= 0xff
	if _, _, err := DecodeBlock(flipped, MagicIndex); !errors.Is(err, dberrors.ErrChecksum) {
		t.Fatalf("flipped byte: got %v", err)
	}

	if _, _, err := DecodeBlock(blk[:len(blk)-2], MagicIndex); !errors.Is(err, dberrors.ErrChecksum) {
		t.Fatalf("truncated: got %v", err)
	}
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": Snappy, "ZSTD": Zstd, "none": None, "gzip": Gzip} {
		got, err := ParseCodec(name)
		if err != nil || got != want {
			t.Errorf("ParseCodec(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseCodec("lz4"); !errors.Is(err, dberrors.ErrBadCompression) {
		t.Fatalf("lz4: %v", err)
	}
}
