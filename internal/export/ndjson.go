package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/forge-labs/forge-go/internal/domain"
)

// RecordsNDJSON writes the audit trail behind an asset as newline-delimited
// JSON, one event per run record or decision, in sequence order.
type RecordsNDJSON struct{}

func (RecordsNDJSON) Name() string        { return FormatRecordsNDJSON }
func (RecordsNDJSON) Extension() string   { return "records.ndjson" }
func (RecordsNDJSON) ContentType() string { return "application/x-ndjson" }

type auditEvent struct {
	Sequence        uint64          `json:"sequence"`
	Type            string          `json:"type"`
	OccurredAt      string          `json:"occurred_at"`
	SessionID       string          `json:"session_id"`
	Subject         string          `json:"subject"`
	Payload         json.RawMessage `json:"payload"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

func (RecordsNDJSON) Encode(g *Graph, _ Preset) ([]byte, error) {
	events := make([]auditEvent, 0, len(g.Records)+len(g.Decisions))
	for _, r := range g.Records {
		ev, err := newAuditEvent(g, r.Sequence, "run", r.FinishedAt.UTC().Format(timeFormatRFC3339Nano), r.StageID, r)
		if err != nil {
			return nil, faultAt(firstOutput(r, g.Root.ID), err)
		}
		events = append(events, ev)
	}
	for _, d := range g.Decisions {
		ev, err := newAuditEvent(g, d.Sequence, string(d.Kind), d.DecidedAt.UTC().Format(timeFormatRFC3339Nano), string(d.AssetID), d)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func newAuditEvent(g *Graph, seq uint64, kind, at, subject string, payload any) (auditEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return auditEvent{}, err
	}
	sum := sha256.Sum256(raw)
	return auditEvent{
		Sequence:        seq,
		Type:            kind,
		OccurredAt:      at,
		SessionID:       g.SessionID,
		Subject:         subject,
		Payload:         raw,
		IntegritySHA256: hex.EncodeToString(sum[:]),
	}, nil
}

func firstOutput(r domain.RunRecord, fallback domain.AssetID) domain.AssetID {
	if id, ok := r.Primary(); ok {
		return id
	}
	return fallback
}

const timeFormatRFC3339Nano = "2006-01-02T15:04:05.999999999Z07:00"
