package transport

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names the compression applied to file chunk content.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecSnappy Codec = "snappy"
	CodecZstd   Codec = "zstd"
	CodecLZ4    Codec = "lz4"
)

// Codecs lists every supported codec name.
var Codecs = []string{string(CodecNone), string(CodecSnappy), string(CodecZstd), string(CodecLZ4)}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// ParseCodec validates a codec name; the empty name selects snappy.
func ParseCodec(name string) (Codec, error) {
	switch c := Codec(name); c {
	case "":
		return CodecSnappy, nil
	case CodecNone, CodecSnappy, CodecZstd, CodecLZ4:
		return c, nil
	default:
		return "", fmt.Errorf("unknown codec %q", name)
	}
}

// Compress encodes data.
func (c Codec) Compress(data []byte) ([]byte, error) {
	switch c {
	case CodecNone, "":
		return data, nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", c)
	}
}

// Decompress decodes data. sizeHint is the expected decoded length and bounds the output.
func (c Codec) Decompress(data []byte, sizeHint int64) ([]byte, error) {
	switch c {
	case CodecNone, "":
		return data, nil
	case CodecSnappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, err
		}
		if int64(n) > sizeHint {
			return nil, fmt.Errorf("%w: snappy chunk decodes to %d bytes, limit %d", ErrInvalidRequest, n, sizeHint)
		}
		return snappy.Decode(nil, data)
	case CodecZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(data, make([]byte, 0, sizeHint))
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(io.LimitReader(r, sizeHint+1))
	default:
		return nil, fmt.Errorf("unknown codec %q", c)
	}
}
