package session

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

var defaultRoles = []model.AIRole{
	{ID: "editor", Name: "Editor", Kind: model.RoleEditor,
		SystemPrompt: "You are a line editor. Tighten the author's prose, fix continuity slips and keep their voice."},
	{ID: "reviewer", Name: "Reviewer", Kind: model.RoleReviewer,
		SystemPrompt: "You are a critical reader. Point out weak scenes, inconsistencies and pacing problems, briefly and concretely."},
	{ID: "mentor", Name: "Mentor", Kind: model.RoleMentor,
		SystemPrompt: "You are a writing mentor. Answer craft questions and suggest exercises grounded in the author's story."},
	{ID: "creative", Name: "Creative Partner", Kind: model.RoleCreative,
		SystemPrompt: "You are a creative partner. Offer bold ideas, images and what-ifs that fit the story so far."},
	{ID: "world-builder", Name: "World Builder", Kind: model.RoleWorldBuilder,
		SystemPrompt: "You are a story builder. Help the author develop the world and the main plot framework by asking questions and making suggestions."},
	{ID: "dialogue-gen", Name: "Dialogue Writer", Kind: model.RoleDialogueGen,
		SystemPrompt: "You write dialogue. Produce natural, vivid lines that fit each character's background and personality."},
	{ID: "plot-driver", Name: "Plot Driver", Kind: model.RolePlotDriver,
		SystemPrompt: "You drive the plot. Design turning points and conflicts that move the story forward."},
}

// RoleSet is the registry of AI roles available to sessions. Roles handed
// out are copies; Adjust produces a new revision instead of changing the
// values a running generation already holds.
type RoleSet struct {
	mu    sync.RWMutex
	roles map[string]model.AIRole
}

// DefaultRoles returns the built-in presets.
func DefaultRoles() *RoleSet {
	rs := &RoleSet{roles: make(map[string]model.AIRole, len(defaultRoles))}
	for _, r := range defaultRoles {
		r.Temperature = DefaultTemperature
		r.MaxTokens = DefaultMaxTokens
		r.Revision = 1
		rs.roles[r.ID] = r
	}
	return rs
}

type roleFile struct {
	Roles []model.AIRole `yaml:"roles"`
}

// LoadRoles returns the presets merged with the roles in a YAML file. Fields
// set in the file override the preset with the same id; unknown ids add new
// roles. An empty path returns the presets.
func LoadRoles(path string) (*RoleSet, error) {
	rs := DefaultRoles()
	if path == "" {
		return rs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles: %w", err)
	}
	var f roleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roles %s: %w", path, err)
	}

	for _, override := range f.Roles {
		r, ok := rs.roles[override.ID]
		if !ok {
			r = model.AIRole{ID: override.ID, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens, Revision: 1}
		}
		mergeRole(&r, override)
		if err := validateRole(r); err != nil {
			return nil, fmt.Errorf("roles %s: %w", path, err)
		}
		rs.roles[r.ID] = r
	}
	return rs, nil
}

func mergeRole(dst *model.AIRole, src model.AIRole) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Kind != "" {
		dst.Kind = src.Kind
	}
	if src.SystemPrompt != "" {
		dst.SystemPrompt = src.SystemPrompt
	}
	if src.Temperature != 0 {
		dst.Temperature = src.Temperature
	}
	if src.MaxTokens != 0 {
		dst.MaxTokens = src.MaxTokens
	}
}

func validateRole(r model.AIRole) error {
	switch {
	case r.ID == "" || r.ID == model.AuthorRole:
		return errs.Validation("role id %q is reserved or empty", r.ID)
	case !model.ValidRoleKinds[r.Kind]:
		return errs.Validation("role %s: invalid kind %q", r.ID, r.Kind)
	case r.Temperature < 0 || r.Temperature > 2:
		return errs.Validation("role %s: temperature %.2f out of range", r.ID, r.Temperature)
	case r.MaxTokens <= 0:
		return errs.Validation("role %s: max tokens must be positive", r.ID)
	}
	return nil
}

// Get returns a copy of the role's current revision.
func (rs *RoleSet) Get(id string) (model.AIRole, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.roles[id]
	if !ok {
		return model.AIRole{}, errs.NotFound("role", id)
	}
	return r, nil
}

// List returns every role sorted by id.
func (rs *RoleSet) List() []model.AIRole {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]model.AIRole, 0, len(rs.roles))
	for _, r := range rs.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Adjust applies fn to a copy of the role and stores the result as a new
// revision.
func (rs *RoleSet) Adjust(id string, fn func(r *model.AIRole)) (model.AIRole, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.roles[id]
	if !ok {
		return model.AIRole{}, errs.NotFound("role", id)
	}
	next := r
	fn(&next)
	next.ID, next.Revision = r.ID, r.Revision+1
	if err := validateRole(next); err != nil {
		return model.AIRole{}, err
	}
	rs.roles[id] = next
	return next, nil
}
