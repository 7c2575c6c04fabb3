package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/graph"
)

// Objects looks up the objects access is requested to.
type Objects interface {
	FindObjectsByIdentifier(ctx context.Context, value string) ([]*graph.DigitalObject, error)
}

// Authorizer implements engine.PermissionChecker by evaluating the Rego
// rules of package preservo.authz against the requested access.
type Authorizer struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	query    rego.PreparedEvalQuery
	store    storage.Store
	objects  Objects
	cfg      Config
	loader   *Loader
	logger   zerolog.Logger
	now      func() time.Time
}

var _ engine.PermissionChecker = (*Authorizer)(nil)

// NewAuthorizer compiles the built-in policies and those found in cfg.Paths.
func NewAuthorizer(ctx context.Context, cfg Config, objects Objects, logger zerolog.Logger) (*Authorizer, error) {
	a := &Authorizer{
		policies: make(map[string]*Policy),
		store:    inmem.NewFromObject(configData(cfg)),
		objects:  objects,
		cfg:      cfg,
		loader:   NewLoader(logger),
		logger:   logger.With().Str("component", "authorizer").Logger(),
		now:      time.Now,
	}

	var extra []Policy
	if len(cfg.Paths) > 0 {
		var err error
		if extra, err = a.loader.LoadFromPaths(ctx, cfg.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	if err := a.SetPolicies(ctx, extra); err != nil {
		return nil, err
	}
	return a, nil
}

func configData(cfg Config) map[string]interface{} {
	list := func(values []string) []interface{} {
		out := make([]interface{}, 0, len(values))
		for _, v := range values {
			out = append(out, v)
		}
		return out
	}
	return map[string]interface{}{
		"preservo": map[string]interface{}{
			"admins":      list(cfg.Admins),
			"readers":     list(cfg.Readers),
			"public_read": cfg.PublicRead,
		},
	}
}

// SetPolicies replaces the non built-in policies and recompiles.
func (a *Authorizer) SetPolicies(ctx context.Context, extra []Policy) error {
	policies := make(map[string]*Policy)
	for _, p := range GetBuiltinPolicies() {
		p := p
		policies[p.Name] = &p
	}
	for i := range extra {
		p := extra[i]
		if _, builtin := policies[p.Name]; builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		policies[p.Name] = &p
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compile(ctx, policies)
}

// compile prepares one query over every enabled policy. The caller holds mu.
func (a *Authorizer) compile(ctx context.Context, policies map[string]*Policy) error {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){
		rego.Query("data." + Package),
		rego.Store(a.store),
	}
	for _, name := range names {
		p := policies[name]
		if !p.Enabled {
			continue
		}
		if _, err := ast.ParseModule(name, p.Rego); err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", name, err)
		}
		opts = append(opts, rego.Module(name+".rego", p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	a.policies = policies
	a.query = query
	a.logger.Debug().Int("policies", len(policies)).Msg("Policies compiled")
	return nil
}

// CheckPermission returns an error matching engine.ErrNotAuthorized unless
// the policies allow user to act on the object named by resourceID.
func (a *Authorizer) CheckPermission(ctx context.Context, user, resourceID string, perm engine.Permission) error {
	input, err := a.describe(ctx, user, resourceID, perm)
	if err != nil {
		return err
	}
	decision, err := a.Decide(ctx, input)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}

	a.logger.Debug().
		Str("user", user).
		Str("identifier", resourceID).
		Str("permission", string(perm)).
		Strs("reasons", decision.Reasons).
		Msg("Access denied")

	if len(decision.Reasons) > 0 {
		return fmt.Errorf("%w: %s may not %s %s: %s", engine.ErrNotAuthorized, user, perm, resourceID, decision.Reasons[0])
	}
	return fmt.Errorf("%w: %s may not %s %s", engine.ErrNotAuthorized, user, perm, resourceID)
}

func (a *Authorizer) describe(ctx context.Context, user, resourceID string, perm engine.Permission) (*AccessInput, error) {
	objs, err := a.objects.FindObjectsByIdentifier(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", resourceID, err)
	}
	res := ResourceInfo{ID: resourceID, Exists: len(objs) > 0, Matches: len(objs)}
	if len(objs) == 1 {
		res.Owner = objs[0].OwnerID
		res.Kind = string(objs[0].Kind)
		res.Format = objs[0].Format
	}
	return &AccessInput{
		User:       user,
		Permission: perm,
		Resource:   res,
		Context:    &AccessContext{Timestamp: a.now()},
	}, nil
}

// Decide evaluates the policies against input.
func (a *Authorizer) Decide(ctx context.Context, input *AccessInput) (*Decision, error) {
	start := time.Now()

	a.mu.RLock()
	query := a.query
	a.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	decision := &Decision{EvaluatedAt: a.now()}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if doc, ok := rs[0].Expressions[0].Value.(map[string]interface{}); ok {
			allow, _ := doc["allow"].(bool)
			if denies, ok := doc["deny"].([]interface{}); ok {
				for _, d := range denies {
					decision.Reasons = append(decision.Reasons, fmt.Sprintf("%v", d))
				}
			}
			sort.Strings(decision.Reasons)
			decision.Allowed = allow && len(decision.Reasons) == 0
		}
	}
	decision.Duration = time.Since(start)
	return decision, nil
}

// GetPolicy returns a policy by name.
func (a *Authorizer) GetPolicy(name string) (*Policy, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p, exists := a.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (a *Authorizer) ListPolicies() []Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()

	policies := make([]Policy, 0, len(a.policies))
	for _, p := range a.policies {
		policies = append(policies, *p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (a *Authorizer) EnablePolicy(ctx context.Context, name string) error {
	return a.setEnabled(ctx, name, true)
}

// DisablePolicy disables a policy by name.
func (a *Authorizer) DisablePolicy(ctx context.Context, name string) error {
	return a.setEnabled(ctx, name, false)
}

func (a *Authorizer) setEnabled(ctx context.Context, name string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, exists := a.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	next := make(map[string]*Policy, len(a.policies))
	for k, v := range a.policies {
		next[k] = v
	}
	changed := *p
	changed.Enabled = enabled
	changed.UpdatedAt = a.now()
	next[name] = &changed

	if err := a.compile(ctx, next); err != nil {
		return err
	}
	a.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// Watch recompiles whenever a file below the configured paths changes.
// It returns immediately; watching stops when ctx is done.
func (a *Authorizer) Watch(ctx context.Context) error {
	if len(a.cfg.Paths) == 0 {
		return nil
	}
	return a.loader.Watch(ctx, a.cfg.Paths, func(policies []Policy) error {
		return a.SetPolicies(ctx, policies)
	})
}
