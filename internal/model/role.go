package model

// RoleKind is the specialty of an AI collaborator.
type RoleKind string

const (
	RoleEditor       RoleKind = "editor"
	RoleReviewer     RoleKind = "reviewer"
	RoleMentor       RoleKind = "mentor"
	RoleCreative     RoleKind = "creative"
	RoleWorldBuilder RoleKind = "world-builder"
	RoleDialogueGen  RoleKind = "dialogue-gen"
	RolePlotDriver   RoleKind = "plot-driver"
)

// ValidRoleKinds are the allowed AI role kinds.
var ValidRoleKinds = map[RoleKind]bool{
	RoleEditor:       true,
	RoleReviewer:     true,
	RoleMentor:       true,
	RoleCreative:     true,
	RoleWorldBuilder: true,
	RoleDialogueGen:  true,
	RolePlotDriver:   true,
}

// AIRole is the effective configuration of an AI collaborator. Values are
// copied out of the registry; an adjustment yields a new Revision.
type AIRole struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Kind         RoleKind `json:"kind" yaml:"kind"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	MaxTokens    int      `json:"max_tokens" yaml:"max_tokens"`
	Revision     int      `json:"revision" yaml:"-"`
}
