package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/caseguard/pkg/billing"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/rbac"
)

// AllGrants in a role's grants grants every catalog permission
const AllGrants = "*"

var planNamespace = uuid.MustParse("0d4f3c2a-8e51-4b7e-a6c9-3f1e2d7b5a90")

// Catalog is the parsed catalog file
type Catalog struct {
	Actions []Action `yaml:"actions"`
	Modules []Module `yaml:"modules"`
	Roles   []Role   `yaml:"roles"`
	Plans   []Plan   `yaml:"plans"`
}

// Action is a verb a feature can support
type Action struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// Module is a plan-gated area of the product
type Module struct {
	Key         string    `yaml:"key"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Features    []Feature `yaml:"features"`
}

// Feature is a permission subject inside a module
type Feature struct {
	Key     string   `yaml:"key"`
	Name    string   `yaml:"name"`
	Actions []string `yaml:"actions"`
}

// Role is a system role and its seed grants
type Role struct {
	Slug        string   `yaml:"slug"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Grants      []string `yaml:"grants"`
}

// Plan is a seeded subscription plan
type Plan struct {
	Slug            string         `yaml:"slug"`
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	PriceCents      int64          `yaml:"priceCents"`
	BillingInterval string         `yaml:"billingInterval"`
	TrialDays       int            `yaml:"trialDays"`
	Public          *bool          `yaml:"public"`
	Modules         []string       `yaml:"modules"`
	Limits          map[string]int `yaml:"limits"`
}

// PlanID returns the id a seeded plan is created with
func PlanID(slug string) string {
	return uuid.NewSHA1(planNamespace, []byte("plan:"+slug)).String()
}

// Load reads and validates a catalog file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks references and uniqueness across the catalog
func (c *Catalog) Validate() error {
	var errs []error

	actions := map[string]bool{}
	for _, a := range c.Actions {
		if a.Key == "" {
			errs = append(errs, errors.New("action with empty key"))
			continue
		}
		if actions[a.Key] {
			errs = append(errs, fmt.Errorf("duplicate action %q", a.Key))
		}
		actions[a.Key] = true
	}

	modules := map[string]bool{}
	features := map[string]bool{}
	for _, m := range c.Modules {
		if m.Key == "" || strings.Contains(m.Key, ".") {
			errs = append(errs, fmt.Errorf("invalid module key %q", m.Key))
			continue
		}
		if modules[m.Key] {
			errs = append(errs, fmt.Errorf("duplicate module %q", m.Key))
		}
		modules[m.Key] = true

		for _, f := range m.Features {
			if f.Key != m.Key && !strings.HasPrefix(f.Key, m.Key+".") {
				errs = append(errs, fmt.Errorf("feature %q must be %q or start with %q", f.Key, m.Key, m.Key+"."))
			}
			if features[f.Key] {
				errs = append(errs, fmt.Errorf("duplicate feature %q", f.Key))
			}
			features[f.Key] = true
			if len(f.Actions) == 0 {
				errs = append(errs, fmt.Errorf("feature %q has no actions", f.Key))
			}
			seen := map[string]bool{}
			for _, a := range f.Actions {
				if !actions[a] {
					errs = append(errs, fmt.Errorf("feature %q references unknown action %q", f.Key, a))
				}
				if seen[a] {
					errs = append(errs, fmt.Errorf("feature %q lists action %q twice", f.Key, a))
				}
				seen[a] = true
			}
		}
	}

	permissions := c.Permissions()
	roles := map[string]bool{}
	for _, r := range c.Roles {
		if r.Slug == "" {
			errs = append(errs, errors.New("role with empty slug"))
			continue
		}
		if roles[r.Slug] {
			errs = append(errs, fmt.Errorf("duplicate role %q", r.Slug))
		}
		roles[r.Slug] = true
		for _, g := range r.Grants {
			if g != AllGrants && !permissions[g] {
				errs = append(errs, fmt.Errorf("role %q grants unknown permission %q", r.Slug, g))
			}
		}
	}

	plans := map[string]bool{}
	for _, p := range c.Plans {
		if p.Slug == "" {
			errs = append(errs, errors.New("plan with empty slug"))
			continue
		}
		if plans[p.Slug] {
			errs = append(errs, fmt.Errorf("duplicate plan %q", p.Slug))
		}
		plans[p.Slug] = true
		if p.BillingInterval != "" && !billing.BillingInterval(p.BillingInterval).Valid() {
			errs = append(errs, fmt.Errorf("plan %q has unknown billing interval %q", p.Slug, p.BillingInterval))
		}
		for _, m := range p.Modules {
			if !modules[m] {
				errs = append(errs, fmt.Errorf("plan %q references unknown module %q", p.Slug, m))
			}
		}
		for key, v := range p.Limits {
			if v < entitlements.Unlimited {
				errs = append(errs, fmt.Errorf("plan %q limit %q must be -1 or greater", p.Slug, key))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid catalog: %w", errors.Join(errs...))
	}
	return nil
}

// Permissions returns every feature.action key the catalog defines
func (c *Catalog) Permissions() map[string]bool {
	out := map[string]bool{}
	for _, m := range c.Modules {
		for _, f := range m.Features {
			for _, a := range f.Actions {
				out[rbac.PermissionKey(f.Key, a)] = true
			}
		}
	}
	return out
}
