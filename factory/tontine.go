/*
Package factory converts JSON tontine definitions into creation inputs.

PURPOSE:
  Tontiniers describe tontines as JSON documents (API bodies, seed files,
  presets). The factory turns a document into a tontine.CreateInput,
  filling preset defaults and checking the fields that do not depend on
  the store. Identifier uniqueness and fee rules are checked later by
  tontine.Service.Create.

JSON SCHEMA:
  {
    "preset": "term-6-months",        // optional, fills the fields below
    "identifier": "EPARGNE-2025",      // optional, generated when empty
    "name": "Épargne à terme",
    "description": "",
    "type": "term",                    // classic | flexible | term
    "mise": 1000,                      // number or string, whole XOF
    "cycle_days": 30,
    "start_date": "2025-06-01",        // YYYY-MM-DD or RFC 3339
    "end_date": "2025-12-01",          // or "term_months": 6
    "tontinier_id": "tn-1",
    "status": "active"                 // draft | active
  }

  Explicit fields win over the preset.

SEE ALSO:
  - tontine/presets.go: Preset definitions
  - tontine/tontine.go: Create and the remaining validation
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/tontine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TontineJSON is the JSON representation of a tontine definition.
type TontineJSON struct {
	Preset      string             `json:"preset,omitempty"`
	Identifier  string             `json:"identifier,omitempty"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Type        ledger.TontineType `json:"type"`
	Mise        ledger.Money       `json:"mise,omitempty"`
	CycleDays   int                `json:"cycle_days,omitempty"`
	StartDate   string             `json:"start_date"`
	EndDate     string             `json:"end_date,omitempty"`
	TermMonths  int                `json:"term_months,omitempty"`
	TontinierID string             `json:"tontinier_id,omitempty"`
	Status      string             `json:"status,omitempty"`
}

// =============================================================================
// TONTINE FACTORY
// =============================================================================

// TontineFactory converts JSON definitions to tontine.CreateInput.
type TontineFactory struct {
	// Location interprets date-only values. Defaults to UTC.
	Location *time.Location
}

func NewTontineFactory(loc *time.Location) *TontineFactory {
	if loc == nil {
		loc = time.UTC
	}
	return &TontineFactory{Location: loc}
}

// Parse parses a JSON document into a creation input.
func (f *TontineFactory) Parse(jsonStr string) (tontine.CreateInput, error) {
	var tj TontineJSON
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tj); err != nil {
		return tontine.CreateInput{}, ledger.NewValidationError("body", "invalid tontine definition: %v", err)
	}
	return f.FromJSON(tj)
}

// FromJSON converts a decoded definition.
func (f *TontineFactory) FromJSON(tj TontineJSON) (tontine.CreateInput, error) {
	if tj.Preset != "" {
		p, ok := tontine.PresetByKey(tj.Preset)
		if !ok {
			return tontine.CreateInput{}, ledger.NewValidationError("preset", "unknown preset %q", tj.Preset)
		}
		applyPreset(&tj, p)
	}

	in := tontine.CreateInput{
		Identifier:  strings.TrimSpace(tj.Identifier),
		Name:        strings.TrimSpace(tj.Name),
		Description: tj.Description,
		Type:        ledger.TontineType(strings.ToLower(string(tj.Type))),
		Mise:        tj.Mise,
		CycleDays:   tj.CycleDays,
		TontinierID: ledger.TontinierID(tj.TontinierID),
		Status:      ledger.TontineStatus(tj.Status),
	}

	start, err := f.parseDate("start_date", tj.StartDate)
	if err != nil {
		return tontine.CreateInput{}, err
	}
	in.StartDate = start

	switch {
	case tj.EndDate != "":
		end, err := f.parseDate("end_date", tj.EndDate)
		if err != nil {
			return tontine.CreateInput{}, err
		}
		in.EndDate = &end
	case tj.TermMonths > 0:
		end := start.AddDate(0, tj.TermMonths, 0)
		in.EndDate = &end
	case tj.TermMonths < 0:
		return tontine.CreateInput{}, ledger.NewValidationError("term_months", "must be positive")
	}

	if in.Type != "" && !in.Type.Valid() {
		return tontine.CreateInput{}, ledger.NewValidationError("type", "unknown tontine type %q", tj.Type)
	}
	return in, nil
}

// ToJSON converts a stored tontine back to its definition.
func (f *TontineFactory) ToJSON(t ledger.Tontine) TontineJSON {
	tj := TontineJSON{
		Identifier:  t.Identifier,
		Name:        t.Name,
		Description: t.Description,
		Type:        t.Type,
		Mise:        t.Mise,
		CycleDays:   t.CycleDays,
		StartDate:   t.StartDate.In(f.Location).Format("2006-01-02"),
		TontinierID: string(t.TontinierID),
		Status:      string(t.Status),
	}
	if t.EndDate != nil {
		tj.EndDate = t.EndDate.In(f.Location).Format("2006-01-02")
	}
	return tj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func applyPreset(tj *TontineJSON, p tontine.Preset) {
	if tj.Name == "" {
		tj.Name = p.Name
	}
	if tj.Type == "" {
		tj.Type = p.Type
	}
	if tj.Mise == 0 {
		tj.Mise = p.Mise
	}
	if tj.CycleDays == 0 {
		tj.CycleDays = p.CycleDays
	}
	if tj.EndDate == "" && tj.TermMonths == 0 {
		tj.TermMonths = p.TermMonths
	}
}

// parseDate accepts a calendar date (midnight in the factory location) or
// an RFC 3339 timestamp.
func (f *TontineFactory) parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ledger.NewValidationError(field, "date is required")
	}
	if t, err := time.ParseInLocation("2006-01-02", s, f.Location); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, ledger.NewValidationError(field, "%s", fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", s))
	}
	return t.UTC(), nil
}
