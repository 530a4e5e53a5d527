package sessionstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
)

const (
	FormatName    = "forge.session"
	FormatVersion = 2
	FileExt       = ".forge.json"
)

// envelope wraps the session document. Checksum covers the compacted
// session bytes.
type envelope struct {
	Format        string          `json:"format"`
	FormatVersion int             `json:"format_version"`
	Checksum      string          `json:"checksum"`
	Session       json.RawMessage `json:"session"`
}

type paramDoc struct {
	SchemaVersion int            `json:"schema_version"`
	Hash          string         `json:"hash"`
	Entries       []params.Entry `json:"entries"`
}

type document struct {
	ID           string                `json:"id"`
	Label        string                `json:"label"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	State        domain.State          `json:"state"`
	Source       domain.AssetID        `json:"source"`
	Records      []domain.RunRecord    `json:"records"`
	Decisions    []domain.Decision     `json:"decisions"`
	Approved     domain.AssetID        `json:"approved,omitempty"`
	ActiveParams string                `json:"active_params"`
	ParamHistory []paramDoc            `json:"param_history"`
	Exports      []domain.ExportRecord `json:"exports"`
	Revision     uint64                `json:"revision"`
}

// Codec turns sessions into envelopes and back. Decoding migrates older
// formats and fails closed on anything it cannot verify.
type Codec struct {
	params  *params.Registry
	targets map[string]domain.State
}

// NewCodec needs the parameter registry to restore parameter history and
// the target state of every stage to check the recorded lifecycle.
func NewCodec(registry *params.Registry, targets map[string]domain.State) *Codec {
	t := make(map[string]domain.State, len(targets))
	for k, v := range targets {
		t[k] = v
	}
	return &Codec{params: registry, targets: t}
}

func (c *Codec) Targets() map[string]domain.State { return c.targets }

func (c *Codec) Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, &domain.InvalidInputError{Field: "session", Reason: "session is nil"}
	}
	if err := Validate(s, c.targets); err != nil {
		return nil, &domain.InvalidInputError{Field: "session", Reason: err.Error()}
	}
	doc := document{
		ID:           s.ID,
		Label:        s.Label,
		CreatedAt:    s.CreatedAt.UTC(),
		UpdatedAt:    s.UpdatedAt.UTC(),
		State:        s.State,
		Source:       s.Source,
		Records:      s.Records,
		Decisions:    s.Decisions,
		Approved:     s.Approved,
		ActiveParams: s.ActiveParams,
		Exports:      s.Exports,
		Revision:     s.Revision,
	}
	for _, p := range s.ParamHistory {
		doc.ParamHistory = append(doc.ParamHistory, paramDoc{SchemaVersion: p.SchemaVersion(), Hash: p.Hash(), Entries: p.Entries()})
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return json.MarshalIndent(envelope{
		Format:        FormatName,
		FormatVersion: FormatVersion,
		Checksum:      checksum(body),
		Session:       body,
	}, "", "  ")
}

func (c *Codec) Decode(data []byte) (*Session, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, corrupt("", "envelope: "+err.Error())
	}
	if env.Format != FormatName {
		return nil, corrupt("", fmt.Sprintf("unexpected format %q", env.Format))
	}
	if env.FormatVersion > FormatVersion {
		return nil, &domain.VersionMismatchError{
			Subject:   "session format",
			Found:     strconv.Itoa(env.FormatVersion),
			Supported: "1-" + strconv.Itoa(FormatVersion),
		}
	}
	if env.FormatVersion < 1 {
		return nil, corrupt("", fmt.Sprintf("invalid format version %d", env.FormatVersion))
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Session); err != nil {
		return nil, corrupt("", "session body: "+err.Error())
	}
	if got := checksum(compact.Bytes()); got != env.Checksum {
		return nil, corrupt("", fmt.Sprintf("checksum mismatch: stored %s, computed %s", env.Checksum, got))
	}

	body, err := migrate(env.FormatVersion, compact.Bytes())
	if err != nil {
		return nil, corrupt("", err.Error())
	}
	var doc document
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, corrupt("", "session document: "+err.Error())
	}

	s := &Session{
		ID:            doc.ID,
		Label:         doc.Label,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
		State:         doc.State,
		Source:        doc.Source,
		Records:       doc.Records,
		Decisions:     doc.Decisions,
		Approved:      doc.Approved,
		ActiveParams:  doc.ActiveParams,
		Exports:       doc.Exports,
		Revision:      doc.Revision,
		FormatVersion: FormatVersion,
	}
	for i, p := range doc.ParamHistory {
		set, err := c.params.Restore(p.SchemaVersion, p.Entries, p.Hash)
		if err != nil {
			return nil, corrupt(doc.ID, fmt.Sprintf("param_history[%d]: %v", i, err))
		}
		s.ParamHistory = append(s.ParamHistory, set)
	}
	if err := Validate(s, c.targets); err != nil {
		return nil, corrupt(doc.ID, err.Error())
	}
	return s, nil
}

// PeekID reads the session id from an envelope without verifying it.
func PeekID(data []byte) string {
	var env envelope
	if json.Unmarshal(data, &env) != nil {
		return ""
	}
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(env.Session, &head)
	return head.ID
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func corrupt(id, reason string) error {
	return &domain.CorruptionError{Subject: "session", ID: id, Reason: reason}
}
