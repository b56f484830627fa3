package factory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rental-engine/rental"
	"github.com/warp/rental-engine/rental/store"
)

var asOf = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

func TestCatalogFactory_ParseJSON(t *testing.T) {
	f := NewCatalogFactory(asOf)

	catalog, err := f.Parse([]byte(`{
		"tool_types": [{
			"id": "hammer-drill",
			"name": "Hammer Drill",
			"daily_rate": "45.50",
			"replacement_value": 890,
			"stock": {"count": 2, "serial_prefix": "HD", "location": "A1"},
			"instances": [{"id": "hammer-drill-09", "serial_number": "HD-X9", "status": "under_service"}]
		}]
	}`))
	require.NoError(t, err)

	require.Len(t, catalog.ToolTypes, 1)
	tt := catalog.ToolTypes[0]
	assert.True(t, tt.DailyRate.Equal(decimal.RequireFromString("45.5")))
	assert.True(t, tt.ReplacementValue.Equal(decimal.NewFromInt(890)))

	require.Len(t, catalog.Instances, 3)
	assert.Equal(t, rental.InstanceID("hammer-drill-01"), catalog.Instances[0].ID)
	assert.Equal(t, "HD-0001", catalog.Instances[0].SerialNumber)
	assert.Equal(t, rental.InstanceInStock, catalog.Instances[1].Status)
	assert.Equal(t, rental.InstanceUnderService, catalog.Instances[2].Status)
	assert.Nil(t, catalog.Instances[0].NextCertification, "uncertified types get no dates")
}

func TestCatalogFactory_ParseYAMLWithCertification(t *testing.T) {
	f := NewCatalogFactory(asOf)

	catalog, err := f.Parse([]byte(`
tool_types:
  - id: harness
    name: Fall Arrest Harness
    daily_rate: 12.00
    requires_certification: true
    certification_interval_days: 90
    stock:
      count: 1
    instances:
      - id: harness-07
        last_certification: "2025-01-10"
      - id: harness-08
        next_certification: "2025-03-05"
`))
	require.NoError(t, err)
	require.Len(t, catalog.Instances, 3)

	generated := catalog.Instances[0]
	require.NotNil(t, generated.NextCertification)
	assert.True(t, generated.NextCertification.Equal(asOf.AddDate(0, 0, 90)))

	fromLast := catalog.Instances[1]
	assert.True(t, fromLast.NextCertification.Equal(time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)))

	explicit := catalog.Instances[2]
	assert.True(t, explicit.NextCertification.Equal(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)))
}

func TestCatalogFactory_Validation(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"missing id", `{"tool_types":[{"daily_rate":"1"}]}`, "tool_types[0].id"},
		{"duplicate type", `{"tool_types":[{"id":"a","daily_rate":"1"},{"id":"a","daily_rate":"1"}]}`, "tool_types[1].id"},
		{"negative rate", `{"tool_types":[{"id":"a","daily_rate":"-1"}]}`, "tool_types[0].daily_rate"},
		{"certification without interval", `{"tool_types":[{"id":"a","daily_rate":"1","requires_certification":true}]}`, "tool_types[0].certification_interval_days"},
		{"unknown status", `{"tool_types":[{"id":"a","daily_rate":"1","instances":[{"id":"a-1","status":"lost"}]}]}`, "tool_types[0].instances[0].status"},
		{"bad date", `{"tool_types":[{"id":"a","daily_rate":"1","instances":[{"id":"a-1","next_certification":"soon"}]}]}`, "tool_types[0].instances[0].next_certification"},
		{"duplicate serial", `{"tool_types":[{"id":"a","daily_rate":"1","instances":[{"id":"a-1","serial_number":"S"},{"id":"a-2","serial_number":"S"}]}]}`, "tool_types[0].instances"},
	}

	f := NewCatalogFactory(asOf)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Parse([]byte(tt.doc))
			var ve *rental.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	t.Run("malformed amount", func(t *testing.T) {
		_, err := f.Parse([]byte(`{"tool_types":[{"id":"a","daily_rate":"ten"}]}`))
		assert.ErrorContains(t, err, "invalid amount")
	})
}

func TestCatalogFactory_Apply(t *testing.T) {
	ctx := context.Background()
	f := NewCatalogFactory(asOf)
	s := store.NewTxMemory()

	catalog, err := f.Parse([]byte(`{"tool_types":[{"id":"saw","daily_rate":"30","stock":{"count":2,"serial_prefix":"SAW"}}]}`))
	require.NoError(t, err)
	require.NoError(t, f.Apply(ctx, s, catalog))

	list, err := s.ListInstances(ctx, "saw")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	inst, err := s.FindInstanceBySerial(ctx, "SAW-0002")
	require.NoError(t, err)
	assert.Equal(t, rental.InstanceID("saw-02"), inst.ID)
}

func TestCatalogFactory_ToJSON(t *testing.T) {
	f := NewCatalogFactory(asOf)
	out, err := json.Marshal(f.ToJSON(rental.ToolType{ID: "saw", Name: "Saw", DailyRate: decimal.NewFromInt(30)}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"saw","name":"Saw","daily_rate":"30.00","replacement_value":"0.00"}`, string(out))
}
