// Package catalog holds the immutable model registry: display names, per
// request cost in coins, provider routing keys and per-account-type
// allow-lists.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"coinchat/backend/internal/apperr"
	"coinchat/backend/internal/session"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultCatalog []byte

type Model struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Cost     int64  `yaml:"cost" json:"cost"`
	Provider string `yaml:"provider" json:"provider"`
	// Upstream is the model name sent to the provider; defaults to ID.
	Upstream string `yaml:"upstream" json:"-"`
}

func (m Model) UpstreamID() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return m.ID
}

type document struct {
	Models       []Model             `yaml:"models"`
	Entitlements map[string][]string `yaml:"entitlements"`
}

// Catalog is safe for concurrent reads; nothing mutates it after Load.
type Catalog struct {
	order   []string
	models  map[string]Model
	allowed map[session.AccountType]map[string]struct{}
}

// Default parses the embedded catalog.
func Default(providers []string) (Catalog, error) {
	return Parse(defaultCatalog, providers)
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string, providers []string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(providers)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read model catalog: %w", err)
	}
	return Parse(raw, providers)
}

// Parse decodes and validates a catalog document. providers lists the routing
// keys that have a registered client; a model routed elsewhere is rejected.
func Parse(raw []byte, providers []string) (Catalog, error) {
	var doc document
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return Catalog{}, fmt.Errorf("decode model catalog: %w", err)
	}
	return build(doc, providers)
}

func build(doc document, providers []string) (Catalog, error) {
	if len(doc.Models) == 0 {
		return Catalog{}, errors.New("model catalog is empty")
	}

	known := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		known[p] = struct{}{}
	}

	c := Catalog{
		order:   make([]string, 0, len(doc.Models)),
		models:  make(map[string]Model, len(doc.Models)),
		allowed: make(map[session.AccountType]map[string]struct{}, 2),
	}
	for _, m := range doc.Models {
		m.ID = strings.TrimSpace(m.ID)
		m.Provider = strings.TrimSpace(m.Provider)
		switch {
		case m.ID == "":
			return Catalog{}, errors.New("model with empty id")
		case m.Cost < 0:
			return Catalog{}, fmt.Errorf("model %q has negative cost", m.ID)
		case m.Provider == "":
			return Catalog{}, fmt.Errorf("model %q has no provider", m.ID)
		}
		if _, dup := c.models[m.ID]; dup {
			return Catalog{}, fmt.Errorf("duplicate model %q", m.ID)
		}
		if _, ok := known[m.Provider]; !ok {
			return Catalog{}, fmt.Errorf("model %q routes to unregistered provider %q", m.ID, m.Provider)
		}
		if strings.TrimSpace(m.Name) == "" {
			m.Name = m.ID
		}
		c.models[m.ID] = m
		c.order = append(c.order, m.ID)
	}

	for _, accountType := range []session.AccountType{session.AccountGuest, session.AccountRegular} {
		ids, ok := doc.Entitlements[string(accountType)]
		if !ok {
			return Catalog{}, fmt.Errorf("missing entitlements for %s accounts", accountType)
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, ok := c.models[id]; !ok {
				return Catalog{}, fmt.Errorf("%s entitlement references unknown model %q", accountType, id)
			}
			set[id] = struct{}{}
		}
		c.allowed[accountType] = set
	}
	for key := range doc.Entitlements {
		if key != string(session.AccountGuest) && key != string(session.AccountRegular) {
			return Catalog{}, fmt.Errorf("entitlements for unknown account type %q", key)
		}
	}

	for id := range c.allowed[session.AccountGuest] {
		if _, ok := c.allowed[session.AccountRegular][id]; !ok {
			return Catalog{}, fmt.Errorf("guest model %q is not available to regular accounts", id)
		}
	}

	return c, nil
}

func (c Catalog) Lookup(id string) (Model, error) {
	m, ok := c.models[id]
	if !ok {
		return Model{}, apperr.UnknownModel(id)
	}
	return m, nil
}

func (c Catalog) Allowed(accountType session.AccountType, id string) bool {
	_, ok := c.allowed[accountType][id]
	return ok
}

// Models returns every model in catalog order.
func (c Catalog) Models() []Model {
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}
