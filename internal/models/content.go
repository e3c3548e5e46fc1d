package models

import "fmt"

// ContentKind tags which representation a ContentRef carries.
type ContentKind int

const (
	// KindNone is the zero value; a ContentRef of this kind is invalid.
	KindNone ContentKind = iota
	// KindFile references content by file path.
	KindFile
	// KindData carries content bytes in memory.
	KindData
	// KindString carries a pre-encoded feature string.
	KindString
	// KindRaw carries a pre-computed feature vector.
	KindRaw
	// KindID references content already in the database by identifier.
	KindID
)

func (k ContentKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindData:
		return "data"
	case KindString:
		return "string"
	case KindRaw:
		return "raw"
	case KindID:
		return "id"
	default:
		return "none"
	}
}

// ContentRef describes how content is supplied to insert or search. Exactly one representation is
// populated; build one with FileRef, DataRef, StringRef, RawRef or IDRef.
type ContentRef struct {
	kind    ContentKind
	path    string
	data    []byte
	name    string
	feature string
	raw     []float32
	id      Identifier
}

// FileRef references the content of the file at path.
func FileRef(path string) ContentRef {
	return ContentRef{kind: KindFile, path: path}
}

// DataRef carries content bytes. name is an optional label stored as the record source
// (e.g. the upload's filename).
func DataRef(data []byte, name string) ContentRef {
	return ContentRef{kind: KindData, data: data, name: name}
}

// StringRef carries a feature string produced by feature.Encode.
func StringRef(feature string) ContentRef {
	return ContentRef{kind: KindString, feature: feature}
}

// RawRef carries a feature vector.
func RawRef(vector []float32) ContentRef {
	return ContentRef{kind: KindRaw, raw: vector}
}

// IDRef references content already inserted.
func IDRef(id Identifier) ContentRef {
	return ContentRef{kind: KindID, id: id}
}

// Kind returns the populated representation.
func (c ContentRef) Kind() ContentKind { return c.kind }

// Path returns the file path of a KindFile reference.
func (c ContentRef) Path() string { return c.path }

// Data returns the bytes of a KindData reference.
func (c ContentRef) Data() []byte { return c.data }

// Name returns the label of a KindData reference.
func (c ContentRef) Name() string { return c.name }

// FeatureString returns the feature text of a KindString reference.
func (c ContentRef) FeatureString() string { return c.feature }

// Raw returns the vector of a KindRaw reference.
func (c ContentRef) Raw() []float32 { return c.raw }

// ID returns the identifier of a KindID reference.
func (c ContentRef) ID() Identifier { return c.id }

// Source is the reference recorded alongside an inserted item: the file path or the data label.
func (c ContentRef) Source() string {
	switch c.kind {
	case KindFile:
		return c.path
	case KindData:
		return c.name
	default:
		return ""
	}
}

// Validate checks that the populated representation is usable. Errors wrap ErrInvalidContent.
func (c ContentRef) Validate() error {
	switch c.kind {
	case KindFile:
		if c.path == "" {
			return fmt.Errorf("%w: empty file path", ErrInvalidContent)
		}
	case KindData:
		if len(c.data) == 0 {
			return fmt.Errorf("%w: empty data", ErrInvalidContent)
		}
	case KindString:
		if c.feature == "" {
			return fmt.Errorf("%w: empty feature string", ErrInvalidContent)
		}
	case KindRaw:
		if len(c.raw) == 0 {
			return fmt.Errorf("%w: empty feature vector", ErrInvalidContent)
		}
	case KindID:
		if _, err := ParseIdentifier(string(c.id)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: no content given", ErrInvalidContent)
	}
	return nil
}
