package injector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/demoforge/demoforge/record"
)

// builtinRequiredFields is the conservative minimum enforced when describe
// metadata is unavailable.
var builtinRequiredFields = map[string][]string{
	"company": {"name"},
	"contact": {"lastname"},
	"deal":    {"dealname"},
	"ticket":  {"subject"},
}

// validateRecords checks one object type's records against the required
// fields and the identifier table accumulated so far. It is pure: no side
// effects, and an invalid record never reaches the transport layer.
//
// Reference checks are what enforce dependency ordering at the data level:
// a record whose parent or *_localId reference has no recorded remote id is
// rejected here rather than sent with a dangling pointer.
func validateRecords(
	records []record.LogicalRecord,
	ids *IdentifierTable,
	requiredFields []string,
) (valid []record.LogicalRecord, failed []FailedRecord) {
	for _, rec := range records {
		var reasons []string

		for _, field := range requiredFields {
			v, ok := rec.Attributes[field]
			if !ok || v.IsEmpty() {
				reasons = append(reasons, "missing field "+field)
			}
		}

		if rec.ParentLocalID != "" {
			if _, ok := ids.Lookup(rec.ParentLocalID); !ok {
				reasons = append(reasons, "missing or invalid parent reference")
			}
		}

		for _, key := range sortedKeys(rec.Attributes) {
			if !strings.HasSuffix(key, record.LocalIDSuffix) {
				continue
			}
			ref := rec.Attributes[key]
			if ref.IsEmpty() {
				continue // dropped by transform, nothing to resolve
			}
			if _, ok := ids.Lookup(cast.ToString(ref.ToAny())); !ok {
				reasons = append(reasons, fmt.Sprintf("unresolved reference %s", key))
			}
		}

		if len(reasons) > 0 {
			failed = append(failed, FailedRecord{LocalID: rec.LocalID, Error: strings.Join(reasons, "; ")})
			continue
		}
		valid = append(valid, rec)
	}
	return valid, failed
}

func sortedKeys(m record.AttributeMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
