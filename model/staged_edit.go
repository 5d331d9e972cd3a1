package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StagedEdit is a directive, proposed during review, to change an item that
// already exists on the ledger. A directive may carry a status change, a value
// update, both, or neither.
//
// The wire keys are those produced by the review screen: itemId, novoStatus,
// novaQtd, novoBoq and novaLpuId. Numeric fields accept numbers or numeric
// strings; anything else decodes as absent.
type StagedEdit struct {
	ItemID           *int64
	NewStatus        *string
	NewQuantity      *int64
	NewBOQ           *string
	NewPricingUnitID *int64
}

// HasStatusChange reports whether the directive patches the item status.
func (e StagedEdit) HasStatusChange() bool {
	return e.NewStatus != nil
}

// HasValueUpdate reports whether the directive updates quantity, pricing unit
// and bill of quantities.
func (e StagedEdit) HasValueUpdate() bool {
	return e.NewQuantity != nil
}

type stagedEditWire struct {
	ItemID           json.RawMessage `json:"itemId"`
	NewStatus        json.RawMessage `json:"novoStatus"`
	NewQuantity      json.RawMessage `json:"novaQtd"`
	NewBOQ           json.RawMessage `json:"novoBoq"`
	NewPricingUnitID json.RawMessage `json:"novaLpuId"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *StagedEdit) UnmarshalJSON(data []byte) error {
	var w stagedEditWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = StagedEdit{
		ItemID:           flexInt(w.ItemID),
		NewStatus:        flexString(w.NewStatus),
		NewQuantity:      flexInt(w.NewQuantity),
		NewBOQ:           flexString(w.NewBOQ),
		NewPricingUnitID: flexInt(w.NewPricingUnitID),
	}
	return nil
}

// MarshalJSON implements json.Marshaler using the same wire keys.
func (e StagedEdit) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 5)
	if e.ItemID != nil {
		m["itemId"] = *e.ItemID
	}
	if e.NewStatus != nil {
		m["novoStatus"] = *e.NewStatus
	}
	if e.NewQuantity != nil {
		m["novaQtd"] = *e.NewQuantity
	}
	if e.NewBOQ != nil {
		m["novoBoq"] = *e.NewBOQ
	}
	if e.NewPricingUnitID != nil {
		m["novaLpuId"] = *e.NewPricingUnitID
	}
	return json.Marshal(m)
}

// ParseStagedEdits decodes a staged edits payload. A blank payload yields no
// directives. A payload that is not a JSON list of objects is a validation
// error.
func ParseStagedEdits(raw string) ([]StagedEdit, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var edits []StagedEdit
	if err := json.Unmarshal([]byte(raw), &edits); err != nil {
		return nil, NewFieldValidationError("staged_edits", "MALFORMED",
			fmt.Sprintf("staged edits must be a JSON list of objects: %v", err))
	}
	return edits, nil
}

func flexInt(raw json.RawMessage) *int64 {
	if n, ok := ParseLooseInt(raw); ok {
		return &n
	}
	return nil
}

// ParseLooseInt decodes a JSON number or numeric string into an int64. The
// ledger system is inconsistent about quoting identifiers. Fractional and
// out-of-range values are refused.
func ParseLooseInt(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

func flexString(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	s = string(raw)
	return &s
}
