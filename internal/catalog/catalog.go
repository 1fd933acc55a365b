package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/camlane/agendas/internal/store"
)

// Entry is a stream with its human-readable description.
type Entry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Describer generates a description for a stream name. Satisfied by the
// classify client.
type Describer interface {
	Describe(ctx context.Context, stream string) (string, error)
}

// Catalog is the in-process view of the stream catalog plus the
// theatre->streams registry used for backfill candidate narrowing.
// Reads vastly outnumber extensions, so the maps are copied on extend
// rather than locked per lookup result.
type Catalog struct {
	mu       sync.RWMutex
	entries  []Entry
	byName   map[string]Entry
	theatres map[string][]string
}

type catalogFile struct {
	Streams []Entry `yaml:"streams"`
}

// LoadFile reads the stream catalog artifact.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if len(file.Streams) == 0 {
		return nil, fmt.Errorf("catalog: %s defines no streams", path)
	}

	return New(file.Streams), nil
}

// New builds a catalog from entries.
func New(entries []Entry) *Catalog {
	c := &Catalog{
		byName:   make(map[string]Entry, len(entries)),
		theatres: make(map[string][]string),
	}
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		if _, dup := c.byName[e.Name]; dup {
			continue
		}
		c.byName[e.Name] = e
		c.entries = append(c.entries, e)
	}
	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].Name < c.entries[j].Name })
	return c
}

// Entries returns all catalog entries sorted by name.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Get returns one entry by name.
func (c *Catalog) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[name]
	return e, ok
}

// Has reports whether a stream name is in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Candidates returns the classification candidate set for a session at the
// given theatre: the theatre's known streams if any, otherwise the full
// catalog capped at max. Result is sorted by name.
func (c *Catalog) Candidates(theatre string, max int) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if theatre != "" {
		if names := c.theatres[theatre]; len(names) > 0 {
			entries := make([]Entry, 0, len(names))
			for _, name := range names {
				if e, ok := c.byName[name]; ok {
					entries = append(entries, e)
				}
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
			return entries
		}
	}

	entries := make([]Entry, len(c.entries))
	copy(entries, c.entries)
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}
	return entries
}

// RegisterTheatre associates streams with a theatre for future candidate
// narrowing. The theatre slice is rebuilt rather than appended in place so
// concurrent Candidates calls never observe a partial extension.
func (c *Catalog) RegisterTheatre(theatre string, streams []string) {
	if theatre == "" || len(streams) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.theatres[theatre]
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(streams))
	for _, name := range existing {
		seen[name] = true
		merged = append(merged, name)
	}
	for _, name := range streams {
		if name == "" || seen[name] {
			continue
		}
		if _, ok := c.byName[name]; !ok {
			continue
		}
		seen[name] = true
		merged = append(merged, name)
	}
	sort.Strings(merged)
	c.theatres[theatre] = merged
}

// TheatreStreams returns the registered streams for a theatre.
func (c *Catalog) TheatreStreams(theatre string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	streams := c.theatres[theatre]
	out := make([]string, len(streams))
	copy(out, streams)
	return out
}

// setDescription updates one entry's description in place.
func (c *Catalog) setDescription(name, desc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byName[name]
	if !ok {
		return
	}
	e.Description = desc
	c.byName[name] = e
	for i := range c.entries {
		if c.entries[i].Name == name {
			c.entries[i].Description = desc
			break
		}
	}
}

// EnsureDescriptions fills in missing stream descriptions, reusing cached
// ones from the store when useCached is set and calling the describer only
// for the remainder. Generated descriptions are persisted back for future
// runs. Describer failures leave the description empty and are non-fatal.
func (c *Catalog) EnsureDescriptions(ctx context.Context, st *store.Store, describer Describer, useCached bool) (generated int, err error) {
	for _, e := range c.Entries() {
		if e.Description != "" {
			if err := st.UpsertStream(ctx, store.Stream{Name: e.Name, Description: e.Description}); err != nil {
				return generated, err
			}
			continue
		}

		if useCached {
			desc, ok, err := st.CachedDescription(ctx, e.Name)
			if err != nil {
				return generated, err
			}
			if ok {
				c.setDescription(e.Name, desc)
				continue
			}
		}

		if describer == nil {
			if err := st.UpsertStream(ctx, store.Stream{Name: e.Name}); err != nil {
				return generated, err
			}
			continue
		}

		desc, derr := describer.Describe(ctx, e.Name)
		if derr != nil {
			if ctx.Err() != nil {
				return generated, ctx.Err()
			}
			// Non-fatal: rank without a description rather than abort.
			if err := st.UpsertStream(ctx, store.Stream{Name: e.Name}); err != nil {
				return generated, err
			}
			continue
		}
		c.setDescription(e.Name, desc)
		if err := st.UpsertStream(ctx, store.Stream{Name: e.Name, Description: desc}); err != nil {
			return generated, err
		}
		generated++
	}
	return generated, nil
}

// LoadTheatres primes the theatre registry from persisted associations.
func (c *Catalog) LoadTheatres(ctx context.Context, st *store.Store, theatres []string) error {
	for _, theatre := range theatres {
		streams, err := st.TheatreStreams(ctx, theatre)
		if err != nil {
			return err
		}
		c.RegisterTheatre(theatre, streams)
	}
	return nil
}
