package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

var testMapping = domain.FieldMap{Rules: []domain.FieldRule{
	{Target: domain.FieldTargetSKU, Column: "sku"},
	{Target: domain.FieldTargetDescription, Column: "product_description"},
	{Target: domain.FieldTargetMeta, Key: "manufacturer", Column: "manufacturer"},
	{Target: domain.FieldTargetMeta, Key: "voltage", Column: "supply_voltage"},
}}

func rowOf(cols []string, cells ...string) domain.Row {
	return domain.Row{Header: domain.NewHeader(cols), Cells: cells}
}

var reconcileCols = []string{"part_number", "sku", "product_description", "manufacturer", "supply_voltage"}

func TestReconcileRow_MissingPartNumber(t *testing.T) {
	cat := &fakeCatalog{}
	svc := NewReconcileService(cat, testMapping)

	for _, part := range []string{"", "   "} {
		res := svc.ReconcileRow(context.Background(), rowOf(reconcileCols, part, "S1", "D1", "ACME", "3.3 V"))
		if res.Outcome != domain.OutcomeMissingPart {
			t.Fatalf("outcome = %s, want missing_part", res.Outcome)
		}
		if !errors.Is(res.Err, domain.ErrMissingPart) {
			t.Errorf("err = %v, want ErrMissingPart", res.Err)
		}
	}
	if cat.lookups != 0 {
		t.Errorf("lookups = %d, want 0 for missing part numbers", cat.lookups)
	}
}

func TestReconcileRow_PartNotFound(t *testing.T) {
	cat := &fakeCatalog{ids: map[string]int64{}}
	svc := NewReconcileService(cat, testMapping)

	res := svc.ReconcileRow(context.Background(), rowOf(reconcileCols, "NOPE", "S1", "D1", "ACME", "3.3 V"))
	if res.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if !errors.Is(res.Err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", res.Err)
	}
	if cat.fetches != 0 {
		t.Errorf("fetches = %d, want 0 after failed lookup", cat.fetches)
	}
}

func TestReconcileRow_LookupTransportFailure(t *testing.T) {
	cat := &fakeCatalog{lookupErr: map[string]error{"P1": errors.New("bad gateway")}}
	svc := NewReconcileService(cat, testMapping)

	res := svc.ReconcileRow(context.Background(), rowOf(reconcileCols, "P1", "S1", "D1", "ACME", "3.3 V"))
	if res.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if !errors.Is(res.Err, domain.ErrFetchFailed) {
		t.Errorf("err = %v, want ErrFetchFailed", res.Err)
	}
}

func TestReconcileRow_FetchFailure(t *testing.T) {
	cat := &fakeCatalog{
		ids:      map[string]int64{"P1": 7},
		fetchErr: map[int64]error{7: fmt.Errorf("fetch 7: %w", domain.ErrFetchFailed)},
	}
	svc := NewReconcileService(cat, testMapping)

	res := svc.ReconcileRow(context.Background(), rowOf(reconcileCols, "P1", "S1", "D1", "ACME", "3.3 V"))
	if res.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if !errors.Is(res.Err, domain.ErrFetchFailed) {
		t.Errorf("err = %v, want ErrFetchFailed", res.Err)
	}
}

func TestReconcileRow_NoChangeAfterNormalization(t *testing.T) {
	cat := &fakeCatalog{
		ids: map[string]int64{"P1": 7},
		products: map[int64]domain.CanonicalProduct{7: {
			ID:          7,
			SKU:         "SKU-1",
			Description: "<p>Precision resistor</p>",
			Meta: []domain.MetaEntry{
				{Key: "manufacturer", Value: "ACME¬Æ"},
				{Key: "voltage", Value: " 3.3   V "},
				{Key: "internal_note", Value: "remote only, never diffed"},
			},
		}},
	}
	svc := NewReconcileService(cat, testMapping)

	res := svc.ReconcileRow(context.Background(),
		rowOf(reconcileCols, "P1", "SKU-1", "Precision  resistor", "ACME®", "3.3 V"))
	if res.Outcome != domain.OutcomeNoChange {
		t.Fatalf("outcome = %s (err %v), want no_change", res.Outcome, res.Err)
	}
	if res.Payload != nil {
		t.Errorf("payload = %+v, want nil", res.Payload)
	}
}

func TestReconcileRow_DiffBuildsVerbatimPayload(t *testing.T) {
	cat := &fakeCatalog{
		ids: map[string]int64{"P1": 7},
		products: map[int64]domain.CanonicalProduct{7: {
			ID:  7,
			SKU: "SKU-1",
			Meta: []domain.MetaEntry{
				{Key: "manufacturer", Value: "ACME"},
				{Key: "voltage", Value: "3.3 V"},
			},
		}},
	}
	svc := NewReconcileService(cat, testMapping)

	res := svc.ReconcileRow(context.Background(),
		rowOf(reconcileCols, "P1", "SKU-1", "Precision  resistor", "ACME", "5 V"))
	if res.Outcome != domain.OutcomeUpdate {
		t.Fatalf("outcome = %s, want update", res.Outcome)
	}
	p := res.Payload
	if p == nil {
		t.Fatal("nil payload on update outcome")
	}
	if p.RemoteID != 7 || p.PartNumber != "P1" {
		t.Errorf("payload identity = id %d part %q", p.RemoteID, p.PartNumber)
	}
	// Cells travel verbatim; normalization is for comparison only.
	if p.Description != "Precision  resistor" {
		t.Errorf("description = %q", p.Description)
	}
	want := []domain.MetaEntry{
		{Key: "manufacturer", Value: "ACME"},
		{Key: "voltage", Value: "5 V"},
	}
	if len(p.Meta) != len(want) {
		t.Fatalf("meta = %v", p.Meta)
	}
	for i := range want {
		if p.Meta[i] != want[i] {
			t.Errorf("meta[%d] = %v, want %v", i, p.Meta[i], want[i])
		}
	}
}

func TestReconcileRow_MetaKeyAbsentRemotely(t *testing.T) {
	cat := &fakeCatalog{
		ids: map[string]int64{"P1": 7},
		products: map[int64]domain.CanonicalProduct{7: {
			ID:          7,
			SKU:         "SKU-1",
			Description: "D1",
			Meta:        []domain.MetaEntry{{Key: "manufacturer", Value: "ACME"}},
		}},
	}
	svc := NewReconcileService(cat, testMapping)

	res := svc.ReconcileRow(context.Background(), rowOf(reconcileCols, "P1", "SKU-1", "D1", "ACME", "3.3 V"))
	if res.Outcome != domain.OutcomeUpdate {
		t.Fatalf("outcome = %s, want update when a mapped key is absent remotely", res.Outcome)
	}
}

func TestReconcileRow_DuplicateMetaKeysCompareAsMultiset(t *testing.T) {
	mapping := domain.FieldMap{Rules: []domain.FieldRule{
		{Target: domain.FieldTargetMeta, Key: "tag", Column: "tag_a"},
		{Target: domain.FieldTargetMeta, Key: "tag", Column: "tag_b"},
	}}
	cols := []string{"part_number", "tag_a", "tag_b"}

	t.Run("both present in any order", func(t *testing.T) {
		cat := &fakeCatalog{
			ids: map[string]int64{"P1": 7},
			products: map[int64]domain.CanonicalProduct{7: {
				ID: 7,
				Meta: []domain.MetaEntry{
					{Key: "tag", Value: "blue"},
					{Key: "tag", Value: "red"},
				},
			}},
		}
		res := NewReconcileService(cat, mapping).ReconcileRow(context.Background(),
			rowOf(cols, "P1", "red", "blue"))
		if res.Outcome != domain.OutcomeNoChange {
			t.Fatalf("outcome = %s, want no_change", res.Outcome)
		}
	})

	t.Run("one occurrence missing", func(t *testing.T) {
		cat := &fakeCatalog{
			ids: map[string]int64{"P1": 7},
			products: map[int64]domain.CanonicalProduct{7: {
				ID:   7,
				Meta: []domain.MetaEntry{{Key: "tag", Value: "red"}},
			}},
		}
		res := NewReconcileService(cat, mapping).ReconcileRow(context.Background(),
			rowOf(cols, "P1", "red", "blue"))
		if res.Outcome != domain.OutcomeUpdate {
			t.Fatalf("outcome = %s, want update", res.Outcome)
		}
	})
}

func TestReconcileRow_MissingColumnEmitsEmpty(t *testing.T) {
	mapping := domain.FieldMap{Rules: []domain.FieldRule{
		{Target: domain.FieldTargetMeta, Key: "spq", Column: "spq"},
	}}
	cols := []string{"part_number"} // spq column absent from the feed

	t.Run("remote empty matches", func(t *testing.T) {
		cat := &fakeCatalog{
			ids: map[string]int64{"P1": 7},
			products: map[int64]domain.CanonicalProduct{7: {
				ID:   7,
				Meta: []domain.MetaEntry{{Key: "spq", Value: ""}},
			}},
		}
		res := NewReconcileService(cat, mapping).ReconcileRow(context.Background(), rowOf(cols, "P1"))
		if res.Outcome != domain.OutcomeNoChange {
			t.Fatalf("outcome = %s, want no_change", res.Outcome)
		}
	})

	t.Run("remote key absent diffs", func(t *testing.T) {
		cat := &fakeCatalog{
			ids:      map[string]int64{"P1": 7},
			products: map[int64]domain.CanonicalProduct{7: {ID: 7}},
		}
		res := NewReconcileService(cat, mapping).ReconcileRow(context.Background(), rowOf(cols, "P1"))
		if res.Outcome != domain.OutcomeUpdate {
			t.Fatalf("outcome = %s, want update", res.Outcome)
		}
		if len(res.Payload.Meta) != 1 || res.Payload.Meta[0].Value != "" {
			t.Errorf("payload meta = %v", res.Payload.Meta)
		}
	})
}

func TestReconcileRow_DefaultMappingEmissionOrder(t *testing.T) {
	cat := &fakeCatalog{
		ids:      map[string]int64{"P9": 9},
		products: map[int64]domain.CanonicalProduct{9: {ID: 9, SKU: "different"}},
	}
	svc := NewReconcileService(cat, domain.DefaultFieldMap())

	cols := []string{"part_number", "sku", "product_description", "spq", "manufacturer", "long_description"}
	res := svc.ReconcileRow(context.Background(), rowOf(cols, "P9", "S9", "Desc9", "10", "ACME", "LongDesc9"))
	if res.Outcome != domain.OutcomeUpdate {
		t.Fatalf("outcome = %s, want update", res.Outcome)
	}
	p := res.Payload
	if p.SKU != "S9" || p.Description != "Desc9" {
		t.Errorf("scalars = %q / %q", p.SKU, p.Description)
	}
	if len(p.Meta) != 15 {
		t.Fatalf("meta entries = %d, want 15", len(p.Meta))
	}
	byKey := map[string]string{}
	for _, m := range p.Meta {
		byKey[m.Key] = m.Value
	}
	if p.Meta[0].Key != "spq" || p.Meta[0].Value != "10" {
		t.Errorf("meta[0] = %v", p.Meta[0])
	}
	if byKey["short_description"] != "Desc9" {
		t.Errorf("short_description = %q, want the product_description cell", byKey["short_description"])
	}
	if byKey["detail_description"] != "LongDesc9" {
		t.Errorf("detail_description = %q", byKey["detail_description"])
	}
	if v, ok := byKey["image_url"]; !ok || v != "" {
		t.Errorf("image_url = %q (present %v), want empty emitted", v, ok)
	}
}
