package auth

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"tenantgate.org/internal/obs"
)

// GrantSource supplies role grants for a Permission Graph reload.
type GrantSource interface {
	Grants(ctx context.Context) ([]RoleGrant, error)
}

type graphSnapshot struct {
	grants   map[string][]string
	loadedAt time.Time
}

// PermissionGraph maps role names to permission codes. Reads are lock-free;
// Reload and Replace publish a new snapshot atomically.
type PermissionGraph struct {
	snap atomic.Pointer[graphSnapshot]
}

// NewPermissionGraph builds a graph from an initial set of grants.
func NewPermissionGraph(grants []RoleGrant) *PermissionGraph {
	g := &PermissionGraph{}
	g.Replace(grants)
	return g
}

// Replace swaps in a snapshot built from grants.
func (g *PermissionGraph) Replace(grants []RoleGrant) {
	snap := buildSnapshot(grants)
	g.snap.Store(snap)
	obs.SetGraphRoles(len(snap.grants))
}

// Reload fetches grants from src and swaps them in. On error the current
// snapshot stays in place.
func (g *PermissionGraph) Reload(ctx context.Context, src GrantSource) error {
	grants, err := src.Grants(ctx)
	if err != nil {
		return err
	}
	g.Replace(grants)
	return nil
}

func buildSnapshot(grants []RoleGrant) *graphSnapshot {
	sets := make(map[string]map[string]struct{})
	for _, gr := range grants {
		role := strings.TrimSpace(gr.RoleName)
		code := strings.TrimSpace(gr.PermissionCode)
		if role == "" {
			continue
		}
		set, ok := sets[role]
		if !ok {
			set = make(map[string]struct{})
			sets[role] = set
		}
		if code != "" {
			set[code] = struct{}{}
		}
	}
	snap := &graphSnapshot{grants: make(map[string][]string, len(sets)), loadedAt: time.Now().UTC()}
	for role, set := range sets {
		snap.grants[role] = sortedKeys(set)
	}
	return snap
}

func (g *PermissionGraph) load() *graphSnapshot {
	if s := g.snap.Load(); s != nil {
		return s
	}
	return &graphSnapshot{}
}

// Permissions returns the sorted union of codes granted to roles.
func (g *PermissionGraph) Permissions(roles ...string) []string {
	snap := g.load()
	set := make(map[string]struct{})
	for _, role := range roles {
		for _, code := range snap.grants[role] {
			set[code] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Grants returns the codes granted to a single role.
func (g *PermissionGraph) Grants(role string) []string {
	codes := g.load().grants[role]
	return append([]string(nil), codes...)
}

// Roles lists the role names known to the graph.
func (g *PermissionGraph) Roles() []string {
	snap := g.load()
	out := make([]string, 0, len(snap.grants))
	for role := range snap.grants {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// LoadedAt reports when the current snapshot was built.
func (g *PermissionGraph) LoadedAt() time.Time {
	return g.load().loadedAt
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
