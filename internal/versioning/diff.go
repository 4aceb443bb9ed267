package versioning

import (
	"encoding/json"
	"slices"
	"sort"

	"github.com/rendis/opflow/pkg/schema"
)

// BumpPolicy classifies a diff into a version bump.
type BumpPolicy func(diff *schema.VersionDiff) schema.VersionBump

// DefaultBumpPolicy: graph changes are major, step configuration changes are
// minor, anything else (names, descriptions, metadata) is a patch.
func DefaultBumpPolicy(diff *schema.VersionDiff) schema.VersionBump {
	switch {
	case diff.StructuralChanged:
		return schema.BumpMajor
	case diff.ParametersChanged:
		return schema.BumpMinor
	default:
		return schema.BumpPatch
	}
}

// Diff compares two definitions. Steps are matched by id.
func Diff(a, b *schema.WorkflowDefinition) *schema.VersionDiff {
	d := &schema.VersionDiff{}

	before := make(map[string]*schema.StepDefinition, len(a.Steps))
	for i := range a.Steps {
		before[a.Steps[i].ID] = &a.Steps[i]
	}
	after := make(map[string]*schema.StepDefinition, len(b.Steps))
	for i := range b.Steps {
		after[b.Steps[i].ID] = &b.Steps[i]
	}

	for id := range after {
		if _, ok := before[id]; !ok {
			d.StepsAdded = append(d.StepsAdded, id)
		}
	}
	for id, old := range before {
		cur, ok := after[id]
		if !ok {
			d.StepsRemoved = append(d.StepsRemoved, id)
			continue
		}
		structural, params, meta := compareStep(old, cur)
		if structural || params || meta {
			d.StepsModified = append(d.StepsModified, id)
		}
		d.StructuralChanged = d.StructuralChanged || structural
		d.ParametersChanged = d.ParametersChanged || params
		d.MetadataChanged = d.MetadataChanged || meta
	}
	sort.Strings(d.StepsAdded)
	sort.Strings(d.StepsRemoved)
	sort.Strings(d.StepsModified)

	if len(d.StepsAdded) > 0 || len(d.StepsRemoved) > 0 {
		d.StructuralChanged = true
	}
	if a.Timeout != b.Timeout {
		d.ParametersChanged = true
	}
	if a.Name != b.Name || a.Description != b.Description || !sameJSON(a.Metadata, b.Metadata) {
		d.MetadataChanged = true
	}
	return d
}

func compareStep(a, b *schema.StepDefinition) (structural, params, meta bool) {
	if a.EffectiveType() != b.EffectiveType() || !sameSet(a.DependsOn, b.DependsOn) {
		structural = true
	}
	if a.Timeout != b.Timeout || a.ContinueOnError != b.ContinueOnError ||
		!sameJSON(a.Action, b.Action) || !sameJSON(a.Retry, b.Retry) ||
		!sameJSON(a.Approval, b.Approval) || !sameJSON(a.Parallel, b.Parallel) ||
		!sameJSON(a.Condition, b.Condition) || !sameJSON(a.SubWorkflow, b.SubWorkflow) {
		params = true
	}
	meta = a.Name != b.Name
	return structural, params, meta
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	sort.Strings(x)
	sort.Strings(y)
	return slices.Equal(x, y)
}

// sameJSON compares values by their JSON encoding, so nil and empty
// collections are equal and map ordering is irrelevant.
func sameJSON(a, b any) bool {
	x, errA := json.Marshal(a)
	y, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return normalize(x) == normalize(y)
}

func normalize(b []byte) string {
	switch string(b) {
	case "null", "{}", "[]":
		return ""
	}
	return string(b)
}
