package provider

import (
	"context"
	"strings"
)

// StaticDirectory serves provider configs from a fixed list, typically the
// config file. Production hosts replace it with their control-plane lookup.
type StaticDirectory struct {
	byID   map[string]*Config
	bySlug map[string]*Config
}

// NewStaticDirectory indexes the given configs. Later duplicates win.
func NewStaticDirectory(configs []Config) *StaticDirectory {
	d := &StaticDirectory{
		byID:   make(map[string]*Config, len(configs)),
		bySlug: make(map[string]*Config, len(configs)),
	}
	for i := range configs {
		c := configs[i]
		d.byID[key(c.TenantID, c.ID)] = &c
		d.bySlug[key(c.TenantID, c.Slug)] = &c
	}
	return d
}

func (d *StaticDirectory) ByID(ctx context.Context, tenantID, providerID string) (*Config, error) {
	if c, ok := d.byID[key(tenantID, providerID)]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (d *StaticDirectory) BySlug(ctx context.Context, tenantID, slug string) (*Config, error) {
	if c, ok := d.bySlug[key(tenantID, slug)]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, ErrNotFound
}

func key(tenantID, id string) string {
	return tenantID + "/" + strings.ToLower(id)
}
