package service

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/boddenberg/walletsync-go/internal/domain"
)

// envelopeFields are owned by the store and the write path; callers cannot
// set them through a merge or a patch.
var envelopeFields = map[string]bool{
	"_id":       true,
	"_rev":      true,
	"_deleted":  true,
	"type":      true,
	"createdAt": true,
	"updatedAt": true,
}

type fields map[string]json.RawMessage

func fieldsOf(doc domain.Document) (fields, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var f fields
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// specifiedFields returns the non-envelope fields of doc that differ from
// the zero value of its type. Empty arrays and objects count as unspecified.
func specifiedFields(doc domain.Document) (fields, error) {
	zero, err := domain.New(doc.DocType())
	if err != nil {
		return nil, err
	}
	blank, err := fieldsOf(zero)
	if err != nil {
		return nil, err
	}
	all, err := fieldsOf(doc)
	if err != nil {
		return nil, err
	}

	out := make(fields, len(all))
	for k, v := range all {
		if envelopeFields[k] || isEmptyJSON(v) {
			continue
		}
		if z, ok := blank[k]; ok && bytes.Equal(z, v) {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func isEmptyJSON(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "null", "[]", "{}", `""`:
		return true
	}
	return false
}

// patchFields converts a patch to raw fields, dropping envelope keys. Each
// key must name a field of typ with a value of the right JSON shape.
func patchFields(typ domain.DocType, patch domain.Patch) (fields, error) {
	out := make(fields, len(patch))
	for k, v := range patch {
		if envelopeFields[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, domain.Invalid(typ, k, "value is not JSON encodable")
		}
		out[k] = raw
	}

	target, err := domain.New(typ)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, domain.Invalid(typ, "", fmt.Sprintf("invalid patch: %v", err))
	}
	return out, nil
}

// merge overlays changes onto base field by field and returns a new
// document; base is not modified.
func merge(base domain.Document, changes fields) (domain.Document, error) {
	f, err := fieldsOf(base)
	if err != nil {
		return nil, err
	}
	for k, v := range changes {
		f[k] = v
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	out, err := domain.New(base.DocType())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("merge %s: %w", base.DocMeta().ID, err)
	}
	return out, nil
}
