package sessionstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forge-labs/forge-go/internal/domain"
)

// migrations[v] upgrades a version v session body to v+1.
var migrations = map[int]func(json.RawMessage) (json.RawMessage, error){
	1: migrateV1,
}

func migrate(from int, body json.RawMessage) (json.RawMessage, error) {
	for v := from; v < FormatVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("no migration from session format %d", v)
		}
		next, err := step(body)
		if err != nil {
			return nil, fmt.Errorf("migrate session format %d to %d: %w", v, v+1, err)
		}
		body = next
	}
	return body, nil
}

// documentV1 is the first persisted layout. It kept a single parameter set
// and an approvals list instead of a decision log, and records had no model
// version or attempt counter.
type documentV1 struct {
	ID         string             `json:"id"`
	Label      string             `json:"label"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	State      domain.State       `json:"state"`
	Source     domain.AssetID     `json:"source"`
	Records    []domain.RunRecord `json:"records"`
	Approvals  []approvalV1       `json:"approvals"`
	Parameters paramDoc           `json:"parameters"`
	Revision   uint64             `json:"revision"`
}

type approvalV1 struct {
	Sequence   uint64           `json:"sequence"`
	AssetID    domain.AssetID   `json:"asset_id"`
	SetID      domain.AssetID   `json:"set_id"`
	ApprovedAt time.Time        `json:"approved_at"`
	Approval   *domain.Approval `json:"approval,omitempty"`
}

func migrateV1(body json.RawMessage) (json.RawMessage, error) {
	var v1 documentV1
	if err := json.Unmarshal(body, &v1); err != nil {
		return nil, err
	}
	doc := document{
		ID:           v1.ID,
		Label:        v1.Label,
		CreatedAt:    v1.CreatedAt,
		UpdatedAt:    v1.UpdatedAt,
		State:        domain.NormalizeState(string(v1.State)),
		Source:       v1.Source,
		Records:      make([]domain.RunRecord, 0, len(v1.Records)),
		ActiveParams: v1.Parameters.Hash,
		ParamHistory: []paramDoc{v1.Parameters},
		Exports:      []domain.ExportRecord{},
		Revision:     v1.Revision,
	}
	for _, r := range v1.Records {
		if r.Attempt == 0 {
			r.Attempt = 1
		}
		doc.Records = append(doc.Records, r)
	}
	doc.Decisions = make([]domain.Decision, 0, len(v1.Approvals))
	for _, a := range v1.Approvals {
		doc.Decisions = append(doc.Decisions, domain.Decision{
			Sequence:  a.Sequence,
			Kind:      domain.DecisionApprove,
			AssetID:   a.AssetID,
			SetID:     a.SetID,
			Approval:  a.Approval,
			DecidedAt: a.ApprovedAt,
		})
		doc.Approved = a.AssetID
	}
	return json.Marshal(doc)
}
