package feature

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hyperjump/nitamono/internal/models"
	"github.com/klauspost/compress/zstd"
)

const maxDecodedBytes = 16 << 20

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
)

// Marshal packs vec as little-endian float32 and compresses it with zstd.
func Marshal(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return encoder.EncodeAll(buf, nil)
}

// Unmarshal reverses Marshal. Malformed input wraps models.ErrInvalidContent.
func Unmarshal(b []byte) ([]float32, error) {
	buf, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: feature decompress: %v", models.ErrInvalidContent, err)
	}
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: feature payload of %d bytes", models.ErrInvalidContent, len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// Encode returns the feature string of vec, usable with models.StringRef.
func Encode(vec []float32) string {
	return base64.RawURLEncoding.EncodeToString(Marshal(vec))
}

// Decode parses a feature string produced by Encode.
func Decode(s string) ([]float32, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: feature string: %v", models.ErrInvalidContent, err)
	}
	return Unmarshal(b)
}
