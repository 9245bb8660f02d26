package factory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tontine-engine/factory"
	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/tontine"
)

func TestParse_ClassicDefinition(t *testing.T) {
	f := factory.NewTontineFactory(nil)

	in, err := f.Parse(`{
		"identifier": "MARCHE-01",
		"name": "Tontine du marché",
		"type": "classic",
		"mise": "1000",
		"cycle_days": 1,
		"start_date": "2025-06-01",
		"tontinier_id": "tn-1"
	}`)
	require.NoError(t, err)

	assert.Equal(t, "MARCHE-01", in.Identifier)
	assert.Equal(t, ledger.TontineClassic, in.Type)
	assert.Equal(t, ledger.Money(1000), in.Mise)
	assert.Equal(t, 1, in.CycleDays)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), in.StartDate)
	assert.Nil(t, in.EndDate)
	assert.Equal(t, ledger.TontinierID("tn-1"), in.TontinierID)
}

func TestParse_TermMonthsSetsEndDate(t *testing.T) {
	f := factory.NewTontineFactory(nil)

	in, err := f.Parse(`{"name": "Terme", "type": "term", "mise": 500, "cycle_days": 30,
		"start_date": "2025-01-31T00:00:00Z", "term_months": 6}`)
	require.NoError(t, err)

	require.NotNil(t, in.EndDate)
	assert.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC).AddDate(0, 6, 0), *in.EndDate)
}

func TestParse_DateOnlyUsesFactoryLocation(t *testing.T) {
	abidjan := time.FixedZone("UTC+1", 3600)
	f := factory.NewTontineFactory(abidjan)

	in, err := f.Parse(`{"name": "X", "type": "flexible", "cycle_days": 7, "start_date": "2025-06-01"}`)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 5, 31, 23, 0, 0, 0, time.UTC), in.StartDate)
}

func TestParse_PresetFillsDefaults(t *testing.T) {
	// GIVEN: the term-6-months preset with an explicit mise override
	// WHEN: parsed
	// THEN: preset fields fill the gaps, explicit fields win
	f := factory.NewTontineFactory(nil)

	in, err := f.Parse(`{"preset": "term-6-months", "mise": 2500, "start_date": "2025-06-01", "tontinier_id": "tn-1"}`)
	require.NoError(t, err)

	assert.Equal(t, ledger.TontineTerm, in.Type)
	assert.Equal(t, ledger.Money(2500), in.Mise)
	assert.Equal(t, 30, in.CycleDays)
	require.NotNil(t, in.EndDate)
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), *in.EndDate)
}

func TestParse_PresetJSONRoundTrip(t *testing.T) {
	f := factory.NewTontineFactory(nil)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, p := range tontine.Presets {
		in, err := f.Parse(p.JSON("tn-1", start))
		require.NoError(t, err, p.Key)
		assert.Equal(t, p.Input("tn-1", start), in, p.Key)
	}
}

func TestParse_Errors(t *testing.T) {
	f := factory.NewTontineFactory(nil)

	cases := map[string]string{
		"malformed":      `{"name":`,
		"unknown field":  `{"name": "X", "type": "classic", "start_date": "2025-06-01", "colour": "red"}`,
		"fractional":     `{"name": "X", "type": "classic", "mise": 10.5, "start_date": "2025-06-01"}`,
		"bad date":       `{"name": "X", "type": "classic", "start_date": "01/06/2025"}`,
		"missing date":   `{"name": "X", "type": "classic"}`,
		"unknown type":   `{"name": "X", "type": "lottery", "start_date": "2025-06-01"}`,
		"unknown preset": `{"preset": "weekly-lottery", "start_date": "2025-06-01"}`,
		"negative term":  `{"name": "X", "type": "term", "start_date": "2025-06-01", "term_months": -1}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.Parse(doc)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestToJSON(t *testing.T) {
	f := factory.NewTontineFactory(nil)
	end := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)

	tj := f.ToJSON(ledger.Tontine{
		Identifier: "T-1", Name: "Terme", Type: ledger.TontineTerm, Mise: 1000, CycleDays: 30,
		StartDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), EndDate: &end, TontinierID: "tn-1",
		Status: ledger.TontineActive,
	})

	assert.Equal(t, "2025-06-01", tj.StartDate)
	assert.Equal(t, "2025-12-01", tj.EndDate)
	assert.Equal(t, "active", tj.Status)
}
