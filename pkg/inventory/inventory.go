// Package inventory loads server, command, flight plan, file template and
// secret definitions from YAML files and serves lookups by reference. Every
// file holds one document with any mix of the top-level entity lists, so an
// inventory can live in one file or be split per concern.
package inventory

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ormasoftchile/flightdeck/pkg/schema"
	"github.com/ormasoftchile/flightdeck/pkg/vault"
)

// Document is the YAML shape of one inventory file.
type Document struct {
	Servers       []*schema.Server       `yaml:"servers,omitempty"`
	Commands      []*schema.Command      `yaml:"commands,omitempty"`
	FlightPlans   []*schema.FlightPlan   `yaml:"flight_plans,omitempty"`
	FileTemplates []*schema.FileTemplate `yaml:"file_templates,omitempty"`
	Secrets       []*vault.Secret        `yaml:"secrets,omitempty"`
}

// Inventory is an in-memory catalog of definitions keyed by reference.
// It implements schema.Lookup and vault.Resolver.
type Inventory struct {
	servers   map[string]*schema.Server
	commands  map[string]*schema.Command
	plans     map[string]*schema.FlightPlan
	templates map[string]*schema.FileTemplate
	secrets   map[string]*vault.Secret
}

// New returns an empty inventory.
func New() *Inventory {
	return &Inventory{
		servers:   make(map[string]*schema.Server),
		commands:  make(map[string]*schema.Command),
		plans:     make(map[string]*schema.FlightPlan),
		templates: make(map[string]*schema.FileTemplate),
		secrets:   make(map[string]*vault.Secret),
	}
}

// Load reads every .yml and .yaml file under dir into a new inventory.
func Load(dir string) (*Inventory, error) {
	inv := New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yml", ".yaml":
			return inv.LoadFile(path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// LoadFile merges one inventory file into the catalog.
func (inv *Inventory) LoadFile(path string) error {
	var doc Document
	if err := schema.LoadFile(path, &doc); err != nil {
		return err
	}
	if err := inv.Add(&doc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Add merges a document into the catalog. Duplicate references are an error;
// a definition belongs in exactly one place.
func (inv *Inventory) Add(doc *Document) error {
	for _, s := range doc.Servers {
		if _, ok := inv.servers[s.Reference]; ok {
			return fmt.Errorf("duplicate server reference %q", s.Reference)
		}
		inv.servers[s.Reference] = s
	}
	for _, c := range doc.Commands {
		if _, ok := inv.commands[c.Reference]; ok {
			return fmt.Errorf("duplicate command reference %q", c.Reference)
		}
		inv.commands[c.Reference] = c
	}
	for _, p := range doc.FlightPlans {
		if _, ok := inv.plans[p.Reference]; ok {
			return fmt.Errorf("duplicate flight plan reference %q", p.Reference)
		}
		inv.plans[p.Reference] = p
	}
	for _, t := range doc.FileTemplates {
		if _, ok := inv.templates[t.Reference]; ok {
			return fmt.Errorf("duplicate file template reference %q", t.Reference)
		}
		inv.templates[t.Reference] = t
	}
	for _, s := range doc.Secrets {
		if _, ok := inv.secrets[s.Reference]; ok {
			return fmt.Errorf("duplicate secret reference %q", s.Reference)
		}
		inv.secrets[s.Reference] = s
	}
	return nil
}

// ServerByRef implements schema.Lookup.
func (inv *Inventory) ServerByRef(ref string) (*schema.Server, bool) {
	s, ok := inv.servers[ref]
	return s, ok
}

// CommandByRef implements schema.Lookup.
func (inv *Inventory) CommandByRef(ref string) (*schema.Command, bool) {
	c, ok := inv.commands[ref]
	return c, ok
}

// PlanByRef implements schema.Lookup.
func (inv *Inventory) PlanByRef(ref string) (*schema.FlightPlan, bool) {
	p, ok := inv.plans[ref]
	return p, ok
}

// FileTemplateByRef implements schema.Lookup.
func (inv *Inventory) FileTemplateByRef(ref string) (*schema.FileTemplate, bool) {
	t, ok := inv.templates[ref]
	return t, ok
}

// SecretByRef implements vault.Resolver.
func (inv *Inventory) SecretByRef(ref string) (*vault.Secret, bool) {
	s, ok := inv.secrets[ref]
	return s, ok
}

// ServerRefs returns the sorted server references.
func (inv *Inventory) ServerRefs() []string {
	return sortedKeys(inv.servers)
}

// CommandRefs returns the sorted command references.
func (inv *Inventory) CommandRefs() []string {
	return sortedKeys(inv.commands)
}

// PlanRefs returns the sorted flight plan references.
func (inv *Inventory) PlanRefs() []string {
	return sortedKeys(inv.plans)
}

// Validate checks every definition in the catalog and returns the collected
// errors, cross-references included.
func (inv *Inventory) Validate() []*schema.ValidationError {
	var errs []*schema.ValidationError
	for _, ref := range sortedKeys(inv.servers) {
		errs = append(errs, schema.ValidateServer(inv.servers[ref])...)
	}
	for _, ref := range sortedKeys(inv.commands) {
		errs = append(errs, schema.ValidateCommand(inv.commands[ref], inv)...)
	}
	for _, ref := range sortedKeys(inv.plans) {
		errs = append(errs, schema.ValidatePlan(inv.plans[ref], inv)...)
	}
	return errs
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
