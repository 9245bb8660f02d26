/*
presets.go - Ready-made tontine configurations

AVAILABLE PRESETS:
  classic-daily:    Classic, 500 XOF mise collected every day
  classic-weekly:   Classic, 2000 XOF mise collected every week
  flexible-savings: Flexible, any amount above the minimum deposit
  term-6-months:    Term, 1000 XOF mise, locked for six months
  term-12-months:   Term, 1000 XOF mise, locked for a year

USAGE:
  p, _ := tontine.PresetByKey("term-6-months")
  in := p.Input("tn-1", start)          // CreateInput for Service.Create
  def := p.JSON("tn-1", start)          // JSON definition for factory.Parse

SEE ALSO:
  - factory/tontine.go: JSON definitions to CreateInput
*/
package tontine

import (
	"encoding/json"
	"time"

	"github.com/warp/tontine-engine/ledger"
)

// Preset is a named tontine template.
type Preset struct {
	Key        string             `json:"key"`
	Name       string             `json:"name"`
	Type       ledger.TontineType `json:"type"`
	Mise       ledger.Money       `json:"mise"`
	CycleDays  int                `json:"cycle_days"`
	TermMonths int                `json:"term_months,omitempty"`
}

var Presets = []Preset{
	{Key: "classic-daily", Name: "Tontine journalière", Type: ledger.TontineClassic, Mise: 500, CycleDays: 1},
	{Key: "classic-weekly", Name: "Tontine hebdomadaire", Type: ledger.TontineClassic, Mise: 2000, CycleDays: 7},
	{Key: "flexible-savings", Name: "Épargne flexible", Type: ledger.TontineFlexible, CycleDays: 30},
	{Key: "term-6-months", Name: "Épargne à terme 6 mois", Type: ledger.TontineTerm, Mise: 1000, CycleDays: 30, TermMonths: 6},
	{Key: "term-12-months", Name: "Épargne à terme 12 mois", Type: ledger.TontineTerm, Mise: 1000, CycleDays: 30, TermMonths: 12},
}

func PresetByKey(key string) (Preset, bool) {
	for _, p := range Presets {
		if p.Key == key {
			return p, true
		}
	}
	return Preset{}, false
}

// EndDate returns the end of the term for a tontine starting at start,
// or nil for presets without a term.
func (p Preset) EndDate(start time.Time) *time.Time {
	if p.TermMonths <= 0 {
		return nil
	}
	end := start.AddDate(0, p.TermMonths, 0)
	return &end
}

// Input builds the creation input of a tontine following the preset.
func (p Preset) Input(tontinierID ledger.TontinierID, start time.Time) CreateInput {
	return CreateInput{
		Name:        p.Name,
		Type:        p.Type,
		Mise:        p.Mise,
		CycleDays:   p.CycleDays,
		StartDate:   start,
		EndDate:     p.EndDate(start),
		TontinierID: tontinierID,
	}
}

// JSON returns the preset as a tontine definition document.
func (p Preset) JSON(tontinierID ledger.TontinierID, start time.Time) string {
	def := map[string]interface{}{
		"name":         p.Name,
		"type":         p.Type,
		"cycle_days":   p.CycleDays,
		"start_date":   start.Format("2006-01-02"),
		"tontinier_id": tontinierID,
	}
	if p.Mise > 0 {
		def["mise"] = p.Mise
	}
	if p.TermMonths > 0 {
		def["term_months"] = p.TermMonths
	}
	b, _ := json.MarshalIndent(def, "", "  ")
	return string(b)
}
