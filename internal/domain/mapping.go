package domain

import "fmt"

// FieldTarget names a destination inside an update payload.
type FieldTarget string

const (
	// FieldTargetSKU writes the payload's top-level sku.
	FieldTargetSKU FieldTarget = "sku"
	// FieldTargetDescription writes the payload's top-level description.
	FieldTargetDescription FieldTarget = "description"
	// FieldTargetMeta appends a meta_data entry under Key.
	FieldTargetMeta FieldTarget = "meta"
)

// FieldRule maps one normalized CSV column onto one payload location.
type FieldRule struct {
	Target FieldTarget
	Key    string
	Column string
}

// FieldMap is the ordered payload mapping. Order is emission order and
// therefore wire order; the meta keys double as the diff whitelist.
type FieldMap struct {
	Rules []FieldRule
}

// MetaKeys returns the whitelisted meta keys in emission order.
func (m FieldMap) MetaKeys() []string {
	keys := make([]string, 0, len(m.Rules))
	for _, r := range m.Rules {
		if r.Target == FieldTargetMeta {
			keys = append(keys, r.Key)
		}
	}
	return keys
}

// Validate rejects rules that would emit an ambiguous payload.
func (m FieldMap) Validate() error {
	for i, r := range m.Rules {
		switch r.Target {
		case FieldTargetSKU, FieldTargetDescription:
			if r.Key != "" {
				return fmt.Errorf("field rule %d: key not allowed for target %s: %w", i, r.Target, ErrInvalidArgument)
			}
		case FieldTargetMeta:
			if r.Key == "" {
				return fmt.Errorf("field rule %d: meta target requires a key: %w", i, ErrInvalidArgument)
			}
		default:
			return fmt.Errorf("field rule %d: unknown target %q: %w", i, r.Target, ErrInvalidArgument)
		}
		if r.Column == "" {
			return fmt.Errorf("field rule %d: empty column: %w", i, ErrInvalidArgument)
		}
	}
	return nil
}

// DefaultFieldMap returns the built-in payload mapping. The remote
// payload is emitted verbatim from these rules; missing source columns
// emit empty strings.
func DefaultFieldMap() FieldMap {
	return FieldMap{Rules: []FieldRule{
		{Target: FieldTargetSKU, Column: "sku"},
		{Target: FieldTargetDescription, Column: "product_description"},
		{Target: FieldTargetMeta, Key: "spq", Column: "spq"},
		{Target: FieldTargetMeta, Key: "manufacturer", Column: "manufacturer"},
		{Target: FieldTargetMeta, Key: "image_url", Column: "image_url"},
		{Target: FieldTargetMeta, Key: "datasheet_url", Column: "datasheet_url"},
		{Target: FieldTargetMeta, Key: "series_url", Column: "series_url"},
		{Target: FieldTargetMeta, Key: "series", Column: "series"},
		{Target: FieldTargetMeta, Key: "quantity", Column: "quantity"},
		{Target: FieldTargetMeta, Key: "operating_temperature", Column: "operating_temp"},
		{Target: FieldTargetMeta, Key: "voltage", Column: "supply_voltage"},
		{Target: FieldTargetMeta, Key: "package", Column: "packaging_type"},
		{Target: FieldTargetMeta, Key: "supplier_device_package", Column: "supplier_device_package"},
		{Target: FieldTargetMeta, Key: "mounting_type", Column: "mounting_type"},
		{Target: FieldTargetMeta, Key: "short_description", Column: "product_description"},
		{Target: FieldTargetMeta, Key: "detail_description", Column: "long_description"},
		{Target: FieldTargetMeta, Key: "additional_key_information", Column: "additional_info"},
	}}
}
