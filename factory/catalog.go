/*
Package factory provides catalog document to Go conversion.

PURPOSE:
  Converts JSON or YAML catalog documents into rental.ToolType and
  rental.ToolInstance values. Catalog management lives outside the engine;
  this is how its exports (and the demo scenarios) are seeded into a store.

DOCUMENT SCHEMA (JSON shown, YAML uses the same keys):
  {
    "tool_types": [
      {
        "id": "hammer-drill",
        "name": "Hammer Drill TE 30",
        "manufacturer": "Hilti",
        "daily_rate": "45.00",
        "replacement_value": "890.00",
        "requires_certification": false,
        "certification_interval_days": 0,
        "stock": {"count": 3, "serial_prefix": "HD", "location": "A1"},
        "instances": [
          {"id": "hammer-drill-09", "serial_number": "HD-X9", "status": "under_service"}
        ]
      }
    ]
  }

KEY FEATURES:
  - Money is parsed as decimal strings (numbers are accepted too)
  - "stock" generates count instances named <id>-01.. with serials
    <prefix>-0001..; explicit "instances" are added after them
  - Certification dates are "2006-01-02"; a certified type with no date
    gets last = asOf and next = asOf + interval
  - Validation reports the JSON path of the first bad field

USAGE:
  f := factory.NewCatalogFactory(time.Now())
  catalog, err := f.Parse(data)
  err = f.Apply(ctx, store, catalog)

SEE ALSO:
  - rental/types.go: ToolType and ToolInstance
  - api/scenarios.go: Built-in catalogs
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rental-engine/rental"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// DOCUMENT SCHEMA TYPES
// =============================================================================

// CatalogJSON is the document representation of a catalog.
type CatalogJSON struct {
	ToolTypes []ToolTypeJSON `json:"tool_types" yaml:"tool_types"`
}

// ToolTypeJSON is one catalog entry.
type ToolTypeJSON struct {
	ID                        string         `json:"id" yaml:"id"`
	Name                      string         `json:"name" yaml:"name"`
	Manufacturer              string         `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	DailyRate                 Money          `json:"daily_rate" yaml:"daily_rate"`
	ReplacementValue          Money          `json:"replacement_value,omitempty" yaml:"replacement_value,omitempty"`
	RequiresCertification     bool           `json:"requires_certification,omitempty" yaml:"requires_certification,omitempty"`
	CertificationIntervalDays int            `json:"certification_interval_days,omitempty" yaml:"certification_interval_days,omitempty"`
	Stock                     *StockJSON     `json:"stock,omitempty" yaml:"stock,omitempty"`
	Instances                 []InstanceJSON `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// StockJSON generates identical in-stock instances.
type StockJSON struct {
	Count        int    `json:"count" yaml:"count"`
	SerialPrefix string `json:"serial_prefix,omitempty" yaml:"serial_prefix,omitempty"`
	Location     string `json:"location,omitempty" yaml:"location,omitempty"`
}

// InstanceJSON is one explicitly listed unit.
type InstanceJSON struct {
	ID                string `json:"id" yaml:"id"`
	SerialNumber      string `json:"serial_number,omitempty" yaml:"serial_number,omitempty"`
	Status            string `json:"status,omitempty" yaml:"status,omitempty"`
	Location          string `json:"location,omitempty" yaml:"location,omitempty"`
	Condition         string `json:"condition,omitempty" yaml:"condition,omitempty"`
	LastCertification string `json:"last_certification,omitempty" yaml:"last_certification,omitempty"`
	NextCertification string `json:"next_certification,omitempty" yaml:"next_certification,omitempty"`
}

// Money accepts "45.00" or 45 and keeps the exact decimal.
type Money struct {
	decimal.Decimal
}

func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		m.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("invalid amount %q", b)
	}
	m.Decimal = d
	return nil
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.StringFixed(2))
}

func (m *Money) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: amount must be a scalar", node.Line)
	}
	d, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid amount %q", node.Line, node.Value)
	}
	m.Decimal = d
	return nil
}

func (m Money) MarshalYAML() (any, error) {
	return m.StringFixed(2), nil
}

// Catalog is a parsed, validated catalog.
type Catalog struct {
	ToolTypes []rental.ToolType
	Instances []rental.ToolInstance
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts catalog documents to engine types.
type CatalogFactory struct {
	asOf time.Time
}

// NewCatalogFactory creates a factory. asOf anchors default certification
// dates.
func NewCatalogFactory(asOf time.Time) *CatalogFactory {
	return &CatalogFactory{asOf: asOf.UTC()}
}

// Parse decodes a JSON or YAML document and converts it.
func (f *CatalogFactory) Parse(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &cj); err != nil {
			return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON converts a decoded document.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*Catalog, error) {
	out := &Catalog{}
	typeIDs := make(map[string]bool)
	instanceIDs := make(map[string]bool)
	serials := make(map[string]bool)

	for i, tj := range cj.ToolTypes {
		path := fmt.Sprintf("tool_types[%d]", i)
		if tj.ID == "" {
			return nil, &rental.ValidationError{Field: path + ".id", Reason: "required"}
		}
		if typeIDs[tj.ID] {
			return nil, &rental.ValidationError{Field: path + ".id", Reason: fmt.Sprintf("duplicate tool type %q", tj.ID)}
		}
		typeIDs[tj.ID] = true
		if tj.DailyRate.IsNegative() || tj.ReplacementValue.IsNegative() {
			return nil, &rental.ValidationError{Field: path + ".daily_rate", Reason: "amounts must not be negative"}
		}
		if tj.RequiresCertification && tj.CertificationIntervalDays <= 0 {
			return nil, &rental.ValidationError{Field: path + ".certification_interval_days", Reason: "required when certification is required"}
		}

		tt := rental.ToolType{
			ID:                        rental.ToolTypeID(tj.ID),
			Name:                      firstNonEmpty(tj.Name, tj.ID),
			Manufacturer:              tj.Manufacturer,
			DailyRate:                 tj.DailyRate.Decimal,
			ReplacementValue:          tj.ReplacementValue.Decimal,
			RequiresCertification:     tj.RequiresCertification,
			CertificationIntervalDays: tj.CertificationIntervalDays,
		}
		out.ToolTypes = append(out.ToolTypes, tt)

		instances, err := f.instances(path, tt, tj)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if instanceIDs[string(inst.ID)] {
				return nil, &rental.ValidationError{Field: path + ".instances", Reason: fmt.Sprintf("duplicate instance %q", inst.ID)}
			}
			instanceIDs[string(inst.ID)] = true
			if inst.SerialNumber != "" {
				if serials[inst.SerialNumber] {
					return nil, &rental.ValidationError{Field: path + ".instances", Reason: fmt.Sprintf("duplicate serial %q", inst.SerialNumber)}
				}
				serials[inst.SerialNumber] = true
			}
			out.Instances = append(out.Instances, inst)
		}
	}
	return out, nil
}

func (f *CatalogFactory) instances(path string, tt rental.ToolType, tj ToolTypeJSON) ([]rental.ToolInstance, error) {
	var out []rental.ToolInstance
	if tj.Stock != nil {
		if tj.Stock.Count < 0 {
			return nil, &rental.ValidationError{Field: path + ".stock.count", Reason: "must not be negative"}
		}
		for n := 1; n <= tj.Stock.Count; n++ {
			inst := rental.ToolInstance{
				ID:         rental.InstanceID(fmt.Sprintf("%s-%02d", tj.ID, n)),
				ToolTypeID: tt.ID,
				Status:     rental.InstanceInStock,
				Location:   tj.Stock.Location,
				Condition:  rental.ConditionGood,
			}
			if tj.Stock.SerialPrefix != "" {
				inst.SerialNumber = fmt.Sprintf("%s-%04d", tj.Stock.SerialPrefix, n)
			}
			f.defaultCertification(tt, &inst)
			out = append(out, inst)
		}
	}

	for j, ij := range tj.Instances {
		inst, err := f.instance(fmt.Sprintf("%s.instances[%d]", path, j), tt, ij)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// Instance converts one unit document for an existing tool type.
func (f *CatalogFactory) Instance(tt rental.ToolType, ij InstanceJSON) (rental.ToolInstance, error) {
	return f.instance("instance", tt, ij)
}

func (f *CatalogFactory) instance(path string, tt rental.ToolType, ij InstanceJSON) (rental.ToolInstance, error) {
	if ij.ID == "" {
		return rental.ToolInstance{}, &rental.ValidationError{Field: path + ".id", Reason: "required"}
	}
	inst := rental.ToolInstance{
		ID:           rental.InstanceID(ij.ID),
		ToolTypeID:   tt.ID,
		SerialNumber: ij.SerialNumber,
		Status:       rental.InstanceStatus(firstNonEmpty(ij.Status, string(rental.InstanceInStock))),
		Location:     ij.Location,
		Condition:    rental.Condition(firstNonEmpty(ij.Condition, string(rental.ConditionGood))),
	}
	if !inst.Status.Valid() {
		return rental.ToolInstance{}, &rental.ValidationError{Field: path + ".status", Reason: fmt.Sprintf("unknown status %q", ij.Status)}
	}
	if !inst.Condition.Valid() {
		return rental.ToolInstance{}, &rental.ValidationError{Field: path + ".condition", Reason: fmt.Sprintf("unknown condition %q", ij.Condition)}
	}
	var err error
	if inst.LastCertification, err = parseDate(path+".last_certification", ij.LastCertification); err != nil {
		return rental.ToolInstance{}, err
	}
	if inst.NextCertification, err = parseDate(path+".next_certification", ij.NextCertification); err != nil {
		return rental.ToolInstance{}, err
	}
	if inst.NextCertification == nil {
		f.defaultCertification(tt, &inst)
	}
	return inst, nil
}

func (f *CatalogFactory) defaultCertification(tt rental.ToolType, inst *rental.ToolInstance) {
	if !tt.RequiresCertification {
		return
	}
	last := f.asOf
	if inst.LastCertification != nil {
		last = *inst.LastCertification
	}
	next := last.AddDate(0, 0, tt.CertificationIntervalDays)
	inst.LastCertification = &last
	inst.NextCertification = &next
}

// Apply saves the catalog's types and instances, types first.
func (f *CatalogFactory) Apply(ctx context.Context, store rental.CatalogStore, c *Catalog) error {
	for _, tt := range c.ToolTypes {
		if err := store.SaveToolType(ctx, tt); err != nil {
			return fmt.Errorf("save tool type %s: %w", tt.ID, err)
		}
	}
	for _, inst := range c.Instances {
		if err := store.SaveInstance(ctx, inst); err != nil {
			return fmt.Errorf("save instance %s: %w", inst.ID, err)
		}
	}
	return nil
}

// ToJSON converts a tool type back to its document form. Instances are not
// included; they are listed separately by the API.
func (f *CatalogFactory) ToJSON(tt rental.ToolType) ToolTypeJSON {
	return ToolTypeJSON{
		ID:                        string(tt.ID),
		Name:                      tt.Name,
		Manufacturer:              tt.Manufacturer,
		DailyRate:                 Money{tt.DailyRate},
		ReplacementValue:          Money{tt.ReplacementValue},
		RequiresCertification:     tt.RequiresCertification,
		CertificationIntervalDays: tt.CertificationIntervalDays,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, &rental.ValidationError{Field: field, Reason: "expected YYYY-MM-DD"}
	}
	return &t, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
