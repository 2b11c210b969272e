package checkpoint

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses checkpoint bodies. The codec name is
// recorded in the frame header, so artifacts are self-describing and a
// loader never needs out-of-band codec configuration.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Default is the codec used when none is configured.
var Default Codec = Zstd{}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "zstd":
		return Zstd{}, true
	case "lz4":
		return LZ4{}, true
	case "raw":
		return Raw{}, true
	default:
		return nil, false
	}
}

// Shared coders: EncodeAll/DecodeAll on a single instance are safe for
// concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Zstd compresses with zstandard at the default level.
type Zstd struct{}

func (Zstd) Name() string { return "zstd" }

func (Zstd) Compress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, nil), nil
}

func (Zstd) Decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: zstd decompress: %w", err)
	}
	return out, nil
}

// LZ4 compresses with the lz4 frame format.
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }

func (LZ4) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("checkpoint: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("checkpoint: lz4 flush: %w", err)
	}
	return buf.Bytes(), nil
}

func (LZ4) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: lz4 decompress: %w", err)
	}
	return out, nil
}

// Raw stores bodies uncompressed.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Compress(data []byte) ([]byte, error)   { return data, nil }
func (Raw) Decompress(data []byte) ([]byte, error) { return data, nil }
