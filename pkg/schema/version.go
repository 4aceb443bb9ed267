package schema

import (
	"fmt"
	"time"
)

// VersionBump classifies the change between two consecutive versions.
type VersionBump string

const (
	BumpMajor VersionBump = "major"
	BumpMinor VersionBump = "minor"
	BumpPatch VersionBump = "patch"
)

// WorkflowVersion is one entry in a workflow's append-only version history.
type WorkflowVersion struct {
	ID              string             `json:"id"`
	WorkflowID      string             `json:"workflow_id"`
	Number          int                `json:"number"`
	Major           int                `json:"major"`
	Minor           int                `json:"minor"`
	Patch           int                `json:"patch"`
	Bump            VersionBump        `json:"bump,omitempty"`
	Definition      WorkflowDefinition `json:"definition"`
	Description     string             `json:"description,omitempty"`
	Author          string             `json:"author,omitempty"`
	Active          bool               `json:"active"`
	Deprecated      bool               `json:"deprecated"`
	ParentVersionID string             `json:"parent_version_id,omitempty"`
	RolledBackFrom  int                `json:"rolled_back_from,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Semver renders the version as "major.minor.patch".
func (v *WorkflowVersion) Semver() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// VersionDiff describes how two definitions differ.
type VersionDiff struct {
	StepsAdded        []string `json:"steps_added,omitempty"`
	StepsRemoved      []string `json:"steps_removed,omitempty"`
	StepsModified     []string `json:"steps_modified,omitempty"`
	StructuralChanged bool     `json:"structural_changed"`
	ParametersChanged bool     `json:"parameters_changed"`
	MetadataChanged   bool     `json:"metadata_changed"`
}

// Empty reports whether the definitions are equivalent.
func (d *VersionDiff) Empty() bool {
	return !d.StructuralChanged && !d.ParametersChanged && !d.MetadataChanged
}
