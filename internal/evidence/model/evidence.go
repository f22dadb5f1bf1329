package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a record type in the store and on the change feed.
type Kind string

const (
	KindEvidence Kind = "evidence"
	KindCase     Kind = "case"
)

// ParseKind maps a feed path segment to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindEvidence, KindCase:
		return Kind(s), nil
	}
	return "", &ErrValidation{Msg: fmt.Sprintf("unknown record kind %q", s)}
}

// EvidenceType classifies the referenced payload.
const (
	EvidenceTypeDocument = "document"
	EvidenceTypeImage    = "image"
	EvidenceTypeAudio    = "audio"
	EvidenceTypeVideo    = "video"
)

// EvidenceRecord is a committed submission: a content hash, the identity that
// authorized it and the ledger transaction that accepted it.
type EvidenceRecord struct {
	ID                uuid.UUID `json:"id"                 db:"id"`
	ContentHash       string    `json:"content_hash"       db:"content_hash"`
	Metadata          Metadata  `json:"metadata"           db:"metadata"`
	SubmitterIdentity string    `json:"submitter_identity" db:"submitter_identity"`
	LedgerReceipt     string    `json:"ledger_receipt"     db:"ledger_receipt"`
	RequestID         string    `json:"request_id"         db:"request_id"`
	CreatedAt         time.Time `json:"created_at"         db:"created_at"`
	// Seq is the store's commit sequence. It orders records inserted within
	// the same created_at and is the change feed cursor.
	Seq int64 `json:"seq" db:"seq"`
}

// NewEvidence is the input to RecordStore.InsertEvidence. The store assigns
// ID, CreatedAt and Seq.
type NewEvidence struct {
	ContentHash       string   `json:"content_hash"`
	Metadata          Metadata `json:"metadata"`
	SubmitterIdentity string   `json:"submitter_identity"`
	LedgerReceipt     string   `json:"ledger_receipt"`
	RequestID         string   `json:"request_id"`
}

// CaseRecord is a case that evidence can be associated with.
type CaseRecord struct {
	ID          uuid.UUID `json:"id"          db:"id"`
	CaseNumber  string    `json:"case_number" db:"case_number"`
	Title       string    `json:"title"       db:"title"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at"  db:"created_at"`
	Seq         int64     `json:"seq"         db:"seq"`
}

// CreateCaseRequest is the payload for creating a case.
type CreateCaseRequest struct {
	CaseNumber  string `json:"case_number" binding:"required"`
	Title       string `json:"title"       binding:"required"`
	Description string `json:"description"`
}

// Validate reports the first missing field.
func (r *CreateCaseRequest) Validate() error {
	switch {
	case r.CaseNumber == "":
		return &ErrValidation{Msg: "case_number is required"}
	case r.Title == "":
		return &ErrValidation{Msg: "title is required"}
	}
	return nil
}

// Metadata is the open-ended document attached to evidence. Values are
// whatever JSON decodes to.
type Metadata map[string]any

// Well-known metadata keys.
const (
	MetaCaseNumber  = "case_number"
	MetaName        = "name"
	MetaDescription = "description"
	MetaType        = "type"
	MetaMimeType    = "mime_type"
	MetaFileSize    = "fileSize"
)

// String returns the value at key when it is a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// CaseNumber returns the case number the submitter declared, if any.
func (m Metadata) CaseNumber() string { return m.String(MetaCaseNumber) }

// Name returns the evidence name.
func (m Metadata) Name() string { return m.String(MetaName) }

// Description returns the evidence description.
func (m Metadata) Description() string { return m.String(MetaDescription) }

// Type returns the evidence type (document, image, audio, video).
func (m Metadata) Type() string { return m.String(MetaType) }

// Canonical returns the JSON encoding used on the ledger and in the store.
// encoding/json sorts map keys so equal documents encode identically.
func (m Metadata) Canonical() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

// ErrValidation is returned when caller input fails validation.
type ErrValidation struct {
	Msg string
}

func (e *ErrValidation) Error() string { return e.Msg }
