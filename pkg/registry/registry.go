package registry

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/preservo/preservo/pkg/engine"
)

// DefaultMaxHops bounds composed paths when the catalog does not.
const DefaultMaxHops = 3

// Format is a file format known by its PRONOM unique identifier.
type Format struct {
	PUID       string   `yaml:"puid" json:"puid" validate:"required"`
	Name       string   `yaml:"name" json:"name"`
	Extensions []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`
}

// Service describes a migration service and how to run it.
type Service struct {
	ID          string `yaml:"id" json:"id" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Type selects the implementation: copy, gzip or command.
	Type   string `yaml:"type" json:"type" validate:"required,oneof=copy gzip command"`
	Input  string `yaml:"input" json:"input" validate:"required"`
	Output string `yaml:"output" json:"output" validate:"required"`

	// Async services complete in the background and are collected by token.
	Async bool `yaml:"async,omitempty" json:"async,omitempty"`

	// Command is run through the shell for command services. {input} and
	// {output} expand to the input file and the output file.
	Command string            `yaml:"command,omitempty" json:"command,omitempty" validate:"required_if=Type command"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// OutputName names the output file; {name} is the input file name
	// without its extension. The input name is kept when empty.
	OutputName string `yaml:"output_name,omitempty" json:"output_name,omitempty"`
}

// Hop returns the service as a path hop.
func (s *Service) Hop() engine.ServiceHop {
	return engine.ServiceHop{
		ServiceID:    s.ID,
		InputFormat:  s.Input,
		OutputFormat: s.Output,
		Async:        s.Async,
	}
}

// Catalog is the YAML document a Registry is loaded from.
type Catalog struct {
	MaxHops  int       `yaml:"max_hops,omitempty" validate:"gte=0,lte=10"`
	Formats  []Format  `yaml:"formats" validate:"dive"`
	Services []Service `yaml:"services" validate:"dive"`
}

// Registry implements engine.FormatRegistry over a catalog. It is not
// modified after New and is safe for concurrent use.
type Registry struct {
	maxHops  int
	formats  map[string]Format
	services map[string]*Service
	order    []string
}

var _ engine.FormatRegistry = (*Registry)(nil)

// Load reads a catalog file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Registry, error) {
	var catalog Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return New(catalog)
}

// New builds a registry from a catalog. Every service must read and write
// known formats and service ids must be unique.
func New(catalog Catalog) (*Registry, error) {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(catalog); err != nil {
		return nil, fmt.Errorf("catalog validation failed: %w", err)
	}

	r := &Registry{
		maxHops:  catalog.MaxHops,
		formats:  make(map[string]Format, len(catalog.Formats)),
		services: make(map[string]*Service, len(catalog.Services)),
	}
	if r.maxHops == 0 {
		r.maxHops = DefaultMaxHops
	}

	for _, f := range catalog.Formats {
		if _, dup := r.formats[f.PUID]; dup {
			return nil, fmt.Errorf("duplicate format %s", f.PUID)
		}
		r.formats[f.PUID] = f
	}
	for i := range catalog.Services {
		svc := catalog.Services[i]
		if _, dup := r.services[svc.ID]; dup {
			return nil, fmt.Errorf("duplicate service %s", svc.ID)
		}
		for _, puid := range []string{svc.Input, svc.Output} {
			if _, ok := r.formats[puid]; !ok {
				return nil, fmt.Errorf("service %s uses unknown format %s", svc.ID, puid)
			}
		}
		r.services[svc.ID] = &svc
		r.order = append(r.order, svc.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// MaxHops returns the longest chain ComposePaths builds.
func (r *Registry) MaxHops() int {
	return r.maxHops
}

// Format returns a known format.
func (r *Registry) Format(puid string) (Format, bool) {
	f, ok := r.formats[puid]
	return f, ok
}

// Formats returns every format ordered by PUID.
func (r *Registry) Formats() []Format {
	out := make([]Format, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PUID < out[j].PUID })
	return out
}

// Service returns a service definition.
func (r *Registry) Service(id string) (*Service, bool) {
	svc, ok := r.services[id]
	return svc, ok
}

// Services returns every service ordered by id.
func (r *Registry) Services() []*Service {
	out := make([]*Service, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.services[id])
	}
	return out
}

// ValidateFormat fails if the PUID is unknown.
func (r *Registry) ValidateFormat(_ context.Context, puid string) error {
	if _, ok := r.Format(puid); !ok {
		return fmt.Errorf("unknown format %q", puid)
	}
	return nil
}

// ResolvePath turns service ids into hops. Each service must read what the
// previous one wrote, starting at source and ending at target.
func (r *Registry) ResolvePath(_ context.Context, serviceIDs []string, source, target string) ([]engine.ServiceHop, error) {
	if len(serviceIDs) == 0 {
		return nil, fmt.Errorf("path is empty")
	}

	hops := make([]engine.ServiceHop, 0, len(serviceIDs))
	current := source
	for i, id := range serviceIDs {
		svc, ok := r.services[id]
		if !ok {
			return nil, fmt.Errorf("hop %d: unknown service %q", i+1, id)
		}
		if svc.Input != current {
			return nil, fmt.Errorf("hop %d: service %s reads %s, not %s", i+1, id, svc.Input, current)
		}
		hops = append(hops, svc.Hop())
		current = svc.Output
	}
	if current != target {
		return nil, fmt.Errorf("path ends at %s, not %s", current, target)
	}
	return hops, nil
}

// ComposePaths returns every chain of distinct services from source to
// target with at most MaxHops services, shortest first. A chain stops at
// the first service that produces the target format and never passes
// through a format it already left.
func (r *Registry) ComposePaths(ctx context.Context, source, target string) ([][]engine.ServiceHop, error) {
	byInput := make(map[string][]*Service)
	for _, id := range r.order {
		svc := r.services[id]
		byInput[svc.Input] = append(byInput[svc.Input], svc)
	}

	var paths [][]engine.ServiceHop
	used := make(map[string]bool)
	visited := map[string]bool{source: true}
	var chain []engine.ServiceHop

	var walk func(format string) error
	walk = func(format string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(chain) == r.maxHops {
			return nil
		}
		for _, svc := range byInput[format] {
			if used[svc.ID] {
				continue
			}
			if svc.Output != target && visited[svc.Output] {
				continue
			}
			used[svc.ID] = true
			chain = append(chain, svc.Hop())
			if svc.Output == target {
				paths = append(paths, append([]engine.ServiceHop(nil), chain...))
			} else {
				visited[svc.Output] = true
				err := walk(svc.Output)
				visited[svc.Output] = false
				if err != nil {
					return err
				}
			}
			chain = chain[:len(chain)-1]
			used[svc.ID] = false
		}
		return nil
	}
	if err := walk(source); err != nil {
		return nil, err
	}

	sort.SliceStable(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return pathKey(paths[i]) < pathKey(paths[j])
	})
	return paths, nil
}

func pathKey(hops []engine.ServiceHop) string {
	ids := make([]string, len(hops))
	for i, h := range hops {
		ids[i] = h.ServiceID
	}
	return strings.Join(ids, "\x00")
}
