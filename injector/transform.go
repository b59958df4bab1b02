package injector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"

	"github.com/demoforge/demoforge/record"
	"github.com/demoforge/demoforge/schema"
)

// recordTypeField is the system field carrying the record sub-type.
const recordTypeField = "record_type_id"

// dateFallbackOffset is the date-substitution policy: a date or datetime
// attribute that cannot be parsed is replaced with the run clock plus this
// offset, so malformed generated dates land on a valid future date instead
// of being rejected remotely.
const dateFallbackOffset = 30 * 24 * time.Hour

// relationshipRule binds one logical reference of an object type to its
// system field. Either parentType is set (the rule consumes ParentLocalID)
// or attr names a *_localId attribute. targets lists candidate system
// fields in preference order; with more than one candidate the describe
// metadata decides, and if it cannot, configuration must.
type relationshipRule struct {
	parentType string
	attr       string
	targets    []string
}

var relationshipRules = map[string][]relationshipRule{
	"contact": {
		{parentType: "company", targets: []string{"company_id"}},
	},
	"deal": {
		{parentType: "company", targets: []string{"company_id"}},
		{attr: "contact" + record.LocalIDSuffix, targets: []string{"contact_id"}},
	},
	"ticket": {
		{parentType: "contact", targets: []string{"contact_id"}},
		{attr: "deal" + record.LocalIDSuffix, targets: []string{"deal_id"}},
	},
	"activity": {
		{attr: "contact" + record.LocalIDSuffix, targets: []string{"who_id", "contact_id"}},
		{attr: "deal" + record.LocalIDSuffix, targets: []string{"what_id", "deal_id"}},
	},
}

// transformer rewrites one object type's validated records into payloads
// the target system accepts. It is a pure function of the record, the
// identifier table, the injection config and the describe metadata; the
// clock is injected so the date-substitution policy stays deterministic
// under test.
type transformer struct {
	objectType string
	cfg        *Config
	ids        *IdentifierTable
	meta       *schema.Metadata
	now        func() time.Time
}

// apply produces a fresh attribute map; the record's own map is never
// mutated. An error means the record must not be submitted.
func (t *transformer) apply(rec record.LogicalRecord) (record.AttributeMap, error) {
	out := rec.Attributes.Clone()

	// 1. Internal bookkeeping never leaves the process.
	for key := range out {
		if key == "localId" || key == "parentLocalId" || strings.HasPrefix(key, record.InternalFieldPrefix) {
			delete(out, key)
		}
	}

	// 2. Resolve relationship fields against the identifier table. The
	// *_localId attribute is removed whether or not it resolves: an
	// unresolved pointer field is never forwarded. A rule only consumes an
	// identifier recorded for its expected type, so a reference naming a
	// record of a different type resolves nothing instead of writing a
	// foreign id into the target field.
	for _, rule := range relationshipRules[t.objectType] {
		if rule.parentType != "" {
			if rec.ParentLocalID == "" {
				continue
			}
			remote, parentType, ok := t.ids.LookupTyped(rec.ParentLocalID)
			if !ok || parentType != rule.parentType {
				continue
			}
			target, err := t.targetField(rule)
			if err != nil {
				return nil, err
			}
			out[target] = record.String(remote)
			continue
		}

		ref, present := out[rule.attr]
		delete(out, rule.attr)
		if !present || ref.IsEmpty() {
			continue
		}
		remote, refType, ok := t.ids.LookupTyped(cast.ToString(ref.ToAny()))
		if !ok || refType != strings.TrimSuffix(rule.attr, record.LocalIDSuffix) {
			continue
		}
		target, err := t.targetField(rule)
		if err != nil {
			return nil, err
		}
		out[target] = record.String(remote)
	}
	for key := range out {
		if strings.HasSuffix(key, record.LocalIDSuffix) {
			delete(out, key)
		}
	}

	// 3. Configured renames. Sources apply in sorted order; when two
	// sources name the same target the first one wins and later sources
	// keep their original key (first-write-wins, rename not merge).
	t.applyFieldMappings(out)

	// 4. Configured defaults never override generated content.
	if err := t.applyFieldDefaults(out); err != nil {
		return nil, err
	}

	t.applyDatePolicy(out)

	// 5. Record sub-type.
	t.applyRecordType(out)

	return out, nil
}

// targetField picks the system field for a relationship rule. A single
// candidate is used as-is. With several, fieldMappings may name the target;
// otherwise the describe metadata decides by createability. If it reports
// more than one candidate creatable the choice is ambiguous and
// configuration is required.
func (t *transformer) targetField(rule relationshipRule) (string, error) {
	if len(rule.targets) == 1 {
		return rule.targets[0], nil
	}

	if mapped, ok := t.cfg.mappingsFor(t.objectType)[rule.attr]; ok && mapped != "" {
		return mapped, nil
	}

	if t.meta == nil {
		// Degraded metadata: no creatability evidence, take the preferred
		// candidate.
		return rule.targets[0], nil
	}

	var creatable []string
	for _, candidate := range rule.targets {
		if f := t.meta.FieldByName(candidate); f != nil && f.Createable {
			creatable = append(creatable, candidate)
		}
	}
	switch len(creatable) {
	case 1:
		return creatable[0], nil
	case 0:
		return rule.targets[0], nil
	default:
		return "", fmt.Errorf(
			"ambiguous relationship target for %s: %s are all creatable; set fieldMappings.%s.%s to choose one",
			rule.attr, strings.Join(creatable, ", "), t.objectType, rule.attr,
		)
	}
}

func (t *transformer) applyFieldMappings(out record.AttributeMap) {
	mappings := t.cfg.mappingsFor(t.objectType)
	if len(mappings) == 0 {
		return
	}
	sources := make([]string, 0, len(mappings))
	for source := range mappings {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		target := mappings[source]
		value, ok := out[source]
		if !ok || target == "" || target == source {
			continue
		}
		if existing, has := out[target]; has && !existing.IsEmpty() {
			continue
		}
		out[target] = value
		delete(out, source)
	}
}

func (t *transformer) applyFieldDefaults(out record.AttributeMap) error {
	for field, raw := range t.cfg.defaultsFor(t.objectType) {
		if existing, has := out[field]; has && !existing.IsEmpty() {
			continue
		}
		value, err := record.FromAny(raw)
		if err != nil {
			return fmt.Errorf("default for field %q: %w", field, err)
		}
		out[field] = value
	}
	return nil
}

// applyDatePolicy normalizes date and datetime attributes. Values that do
// not parse are replaced with the policy fallback (run clock plus
// dateFallbackOffset) rather than silently dropped or forwarded broken.
func (t *transformer) applyDatePolicy(out record.AttributeMap) {
	if t.meta == nil {
		return
	}
	for key, value := range out {
		field := t.meta.FieldByName(key)
		if field == nil || value.Kind() != record.KindString || value.IsEmpty() {
			continue
		}
		switch field.Type {
		case "date":
			parsed, err := dateparse.ParseAny(value.Str())
			if err != nil {
				parsed = t.now().Add(dateFallbackOffset)
			}
			out[key] = record.String(parsed.Format("2006-01-02"))
		case "datetime":
			parsed, err := dateparse.ParseAny(value.Str())
			if err != nil {
				parsed = t.now().Add(dateFallbackOffset)
			}
			out[key] = record.String(parsed.UTC().Format(time.RFC3339))
		}
	}
}

func (t *transformer) applyRecordType(out record.AttributeMap) {
	if override := t.cfg.recordTypeOverrideFor(t.objectType); override != "" {
		value := override
		if t.meta != nil {
			if st := t.meta.ResolveSubtype(override); st != nil {
				value = st.ID
			}
			// Unresolvable overrides go through verbatim as a last resort.
		}
		out[recordTypeField] = record.String(value)
		return
	}

	if t.meta == nil {
		return
	}
	if existing, has := out[recordTypeField]; has && !existing.IsEmpty() {
		return
	}
	if st := t.meta.DefaultSubtype(); st != nil {
		out[recordTypeField] = record.String(st.ID)
	}
}
