// Package contentid derives the deterministic identifier of a piece of content.
package contentid

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/hyperjump/nitamono/internal/models"
)

// Identify returns the identifier of ref. File and data references hash the content bytes, so the
// same bytes give the same identifier whichever way they are supplied. An ID reference yields its
// own (canonicalised) identifier. Feature strings and raw vectors carry no content bytes and fail.
func Identify(ref models.ContentRef) (models.Identifier, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	switch ref.Kind() {
	case models.KindFile:
		return File(ref.Path())
	case models.KindData:
		return Data(ref.Data()), nil
	case models.KindID:
		return models.ParseIdentifier(string(ref.ID()))
	default:
		return "", fmt.Errorf("%w: %s content has no identity", models.ErrInvalidContent, ref.Kind())
	}
}

// Data returns the identifier of b.
func Data(b []byte) models.Identifier {
	sum := sha1.Sum(b)
	return models.Identifier(hex.EncodeToString(sum[:]))
}

// File returns the identifier of the file content at path.
func File(path string) (models.Identifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidContent, err)
	}
	defer f.Close()
	h := sha1.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", models.ErrInvalidContent, path, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s is empty", models.ErrInvalidContent, path)
	}
	return models.Identifier(hex.EncodeToString(h.Sum(nil))), nil
}
