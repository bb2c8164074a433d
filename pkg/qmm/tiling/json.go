// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// planJSON adds the decoded key fields to the JSON dump, for readability.
type planJSON struct {
	*Plan
	KeyFields KeyFields `json:"KeyFields"`
	Family    string    `json:"FamilyName"`
}

// MarshalIndentJSON returns the plan as indented JSON, including the decoded key fields.
func (p *Plan) MarshalIndentJSON() ([]byte, error) {
	data, err := json.MarshalIndent(planJSON{Plan: p, KeyFields: p.Key.Decode(), Family: p.Family().String()}, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshaling tiling plan to JSON")
	}
	return data, nil
}

// PlanFromJSON parses a plan dumped with MarshalIndentJSON and validates it.
// The decoded key fields are informational: Key is authoritative.
func PlanFromJSON(data []byte) (*Plan, error) {
	var pj planJSON
	pj.Plan = &Plan{}
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, errors.Wrap(err, "parsing tiling plan JSON")
	}
	if err := pj.Plan.Validate(); err != nil {
		return nil, errors.WithMessage(ErrBlobCorrupt, err.Error())
	}
	return pj.Plan, nil
}
