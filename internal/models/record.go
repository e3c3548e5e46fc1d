package models

// Record is a single search hit, best match first in a result list.
type Record struct {
	ID    Identifier  `json:"id"`
	Value RecordValue `json:"value"`
}

// RecordValue is the payload returned with a hit.
type RecordValue struct {
	Similarity float64 `json:"similarity"`
	// Source is the reference stored at insert time (file path or upload name).
	Source string `json:"source,omitempty"`
}
