package usecase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
	"github.com/fairyhunter13/woo-catalog-sync/pkg/textx"
)

// ReconcileService decides, per CSV row, whether the remote catalog
// needs an update and builds the payload when it does. Pure apart from
// the two rate-gated remote reads.
type ReconcileService struct {
	Catalog domain.Catalog
	Mapping domain.FieldMap
}

// NewReconcileService constructs a ReconcileService over the catalog
// and the payload field mapping.
func NewReconcileService(c domain.Catalog, m domain.FieldMap) ReconcileService {
	return ReconcileService{Catalog: c, Mapping: m}
}

// ReconcileRow resolves one row against the remote catalog. Outcomes
// never abort a batch; remote errors surface as OutcomeFailed.
func (s ReconcileService) ReconcileRow(ctx domain.Context, row domain.Row) domain.RowResult {
	part := strings.TrimSpace(row.Get("part_number"))
	if part == "" {
		return domain.RowResult{
			Outcome: domain.OutcomeMissingPart,
			Err:     fmt.Errorf("row has no part_number: %w", domain.ErrMissingPart),
		}
	}

	id, err := s.Catalog.LookupIDByPartNumber(ctx, part)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.RowResult{Outcome: domain.OutcomeFailed, Err: err}
		}
		return domain.RowResult{
			Outcome: domain.OutcomeFailed,
			Err:     fmt.Errorf("lookup %s: %v: %w", part, err, domain.ErrFetchFailed),
		}
	}

	current, err := s.Catalog.FetchByID(ctx, id)
	if err != nil {
		return domain.RowResult{Outcome: domain.OutcomeFailed, Err: err}
	}

	payload := s.buildPayload(row, id, part)
	if payloadMatches(payload, current) {
		return domain.RowResult{Outcome: domain.OutcomeNoChange}
	}
	return domain.RowResult{Outcome: domain.OutcomeUpdate, Payload: &payload}
}

// buildPayload emits the update payload from the row over the field
// mapping, in rule order. Cells travel verbatim; absent columns emit
// empty strings.
func (s ReconcileService) buildPayload(row domain.Row, id int64, part string) domain.UpdatePayload {
	p := domain.UpdatePayload{RemoteID: id, PartNumber: part}
	for _, r := range s.Mapping.Rules {
		v := row.Get(r.Column)
		switch r.Target {
		case domain.FieldTargetSKU:
			p.SKU = v
		case domain.FieldTargetDescription:
			p.Description = v
		case domain.FieldTargetMeta:
			p.Meta = append(p.Meta, domain.MetaEntry{Key: r.Key, Value: v})
		}
	}
	return p
}

// payloadMatches reports whether the remote projection already carries
// the payload. Scalars compare after text normalization. Meta compares
// as a multiset by key over the payload's entries only: keys present
// solely on the remote side never count as a difference, so unrelated
// remote meta survives untouched.
func payloadMatches(p domain.UpdatePayload, current domain.CanonicalProduct) bool {
	if textx.Normalize(p.SKU) != textx.Normalize(current.SKU) {
		return false
	}
	if textx.Normalize(p.Description) != textx.Normalize(current.Description) {
		return false
	}
	remaining := make(map[string][]string, len(current.Meta))
	for _, m := range current.Meta {
		remaining[m.Key] = append(remaining[m.Key], m.Value)
	}
	for _, m := range p.Meta {
		vals := remaining[m.Key]
		found := -1
		want := textx.Normalize(m.Value)
		for i, v := range vals {
			if textx.Normalize(v) == want {
				found = i
				break
			}
		}
		if found < 0 {
			return false
		}
		remaining[m.Key] = append(vals[:found], vals[found+1:]...)
	}
	return true
}
