// Package role maps identity provider role names onto the approval roles.
package role

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/complement/model"
)

type policyFile struct {
	// Roles maps an approval role to the identity provider role names that
	// grant it.
	Roles map[string][]string `yaml:"roles"`
}

// Mapper resolves the single approval role of a caller from the role names
// carried by its token. Names listed in the policy file are matched
// case-insensitively; names that already spell an approval role map onto it
// directly. When several roles match, the most privileged one wins.
type Mapper struct {
	path  string
	mu    sync.RWMutex
	names map[string]model.Role
}

// NewMapper creates a mapper. An empty path yields a mapper that only
// recognizes the approval role names themselves.
func NewMapper(path string) (*Mapper, error) {
	m := &Mapper{path: path, names: map[string]model.Role{}}
	if path == "" {
		return m, nil
	}
	if err := m.Sync(); err != nil {
		return nil, err
	}
	return m, nil
}

// Map returns the approval role for the given identity provider roles, or
// model.RoleNone when none is recognized.
func (m *Mapper) Map(rawRoles []string) model.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := model.RoleNone
	for _, raw := range rawRoles {
		r, ok := m.names[normalize(raw)]
		if !ok {
			r = model.ParseRole(raw)
		}
		if r.Precedence() > best.Precedence() {
			best = r
		}
	}
	return best
}

// Sync reloads the policy file from disk.
func (m *Mapper) Sync() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("role: reading policy file %s: %w", m.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("role: parsing policy file %s: %w", m.path, err)
	}

	names := make(map[string]model.Role)
	for roleName, idpNames := range p.Roles {
		r := model.ParseRole(roleName)
		if r == model.RoleNone {
			return fmt.Errorf("role: policy file %s: unknown role %q", m.path, roleName)
		}
		for _, n := range idpNames {
			key := normalize(n)
			if prev, ok := names[key]; ok && prev.Precedence() > r.Precedence() {
				continue
			}
			names[key] = r
		}
	}

	m.mu.Lock()
	m.names = names
	m.mu.Unlock()

	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
