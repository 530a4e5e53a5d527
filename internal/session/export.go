package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/export"
)

type ExportResult struct {
	Data        []byte
	Filename    string
	ContentType string
	Record      domain.ExportRecord
	Session     *Session
}

// Export encodes the latest generated mesh and notes the export on the
// session. Exported sessions may be exported again in other formats.
func (m *Manager) Export(ctx context.Context, id, target, preset string) (ExportResult, error) {
	var out ExportResult
	res, err := m.transact(ctx, id, func(ctx context.Context, s *Session) (bool, Result, error) {
		if s.State != domain.StateGenerated && s.State != domain.StateExported {
			return false, Result{}, &domain.InvalidInputError{Field: "session", Reason: fmt.Sprintf("nothing to export while the session is %s", s.State)}
		}
		rec, ok := m.latestProducing(s, domain.StateGenerated)
		if !ok || len(rec.Outputs) == 0 {
			return false, Result{}, &domain.InvalidInputError{Field: "session", Reason: "the session has no generated mesh"}
		}
		root := rec.Outputs[0]

		enc, p, err := m.gateway.Resolve(target, preset)
		if err != nil {
			return false, Result{}, err
		}
		g, err := export.BuildGraph(ctx, m.assets, root, s.Records)
		if err != nil {
			return false, Result{}, err
		}
		g.SessionID = s.ID
		g.Label = s.Label
		g.Decisions = s.Decisions
		g.Approval = approvalOf(s)

		data, err := m.gateway.Export(g, enc.Name(), p.Name)
		if err != nil {
			return false, Result{}, err
		}
		sum := sha256.Sum256(data)
		er := domain.ExportRecord{
			Sequence:   s.NextSequence(),
			Target:     enc.Name(),
			Preset:     p.Name,
			AssetID:    root,
			Digest:     "sha256:" + hex.EncodeToString(sum[:]),
			Filename:   p.Filename(s.Label, root, enc.Extension()),
			ExportedAt: m.now(),
		}
		s.Exports = append(s.Exports, er)
		s.State = domain.StateExported
		out = ExportResult{Data: data, Filename: er.Filename, ContentType: enc.ContentType(), Record: er}
		return true, Result{}, nil
	})
	if err != nil {
		return ExportResult{}, err
	}
	out.Session = res.Session
	return out, nil
}

// approvalOf returns the metadata of the decision that approved the
// current candidate.
func approvalOf(s *Session) domain.Approval {
	for i := len(s.Decisions) - 1; i >= 0; i-- {
		d := s.Decisions[i]
		if d.Kind == domain.DecisionApprove && d.AssetID == s.Approved && d.Approval != nil {
			return *d.Approval
		}
	}
	return domain.DefaultApproval()
}
