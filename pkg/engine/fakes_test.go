package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/preservo/preservo/pkg/graph"
)

// memPlanStore is a PlanStore that hands out copies.
type memPlanStore struct {
	mu         sync.Mutex
	plans      map[string]*MigrationPlan
	deliveries map[string]*DeliveryPlan

	// failItemUpdates makes UpdatePlanItem fail
	failItemUpdates bool
}

func newMemPlanStore() *memPlanStore {
	return &memPlanStore{
		plans:      make(map[string]*MigrationPlan),
		deliveries: make(map[string]*DeliveryPlan),
	}
}

func copyPlan(p *MigrationPlan) *MigrationPlan {
	cp := *p
	cp.Paths = append([]MigrationPath(nil), p.Paths...)
	cp.Items = append([]PlanItem(nil), p.Items...)
	return &cp
}

func (s *memPlanStore) CreateMigrationPlan(_ context.Context, plan *MigrationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = copyPlan(plan)
	return nil
}

func (s *memPlanStore) GetMigrationPlan(_ context.Context, id string) (*MigrationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return copyPlan(p), nil
}

func (s *memPlanStore) ListMigrationPlans(_ context.Context, status PlanStatus) ([]*MigrationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MigrationPlan
	for _, p := range s.plans {
		if status == "" || p.Status == status {
			out = append(out, copyPlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memPlanStore) update(id string, fn func(p *MigrationPlan)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	fn(p)
	return nil
}

func (s *memPlanStore) UpdatePlanStatus(_ context.Context, id string, status PlanStatus) error {
	return s.update(id, func(p *MigrationPlan) { p.Status = status })
}

func (s *memPlanStore) SetActivePath(_ context.Context, id, pathID string) error {
	return s.update(id, func(p *MigrationPlan) {
		p.ActivePathID = pathID
		p.Status = PlanStatusReady
	})
}

func (s *memPlanStore) SetPlanError(_ context.Context, id, message string) error {
	return s.update(id, func(p *MigrationPlan) { p.LastError = message })
}

func (s *memPlanStore) SetPlanWait(_ context.Context, id, key string, confirmed bool) error {
	return s.update(id, func(p *MigrationPlan) {
		p.WaitingFor = key
		p.WaitConfirmed = confirmed
	})
}

func (s *memPlanStore) UpdatePlanItem(_ context.Context, item *PlanItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failItemUpdates {
		return fmt.Errorf("disk full")
	}
	p, ok := s.plans[item.PlanID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, item.PlanID)
	}
	for i := range p.Items {
		if p.Items[i].Position == item.Position {
			p.Items[i] = *item
			return nil
		}
	}
	return fmt.Errorf("item %d not found", item.Position)
}

func (s *memPlanStore) DeleteMigrationPlan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, id)
	return nil
}

func (s *memPlanStore) CreateDeliveryPlan(_ context.Context, plan *DeliveryPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	s.deliveries[plan.ID] = &cp
	return nil
}

func (s *memPlanStore) GetDeliveryPlan(_ context.Context, id string) (*DeliveryPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	cp := *d
	return &cp, nil
}

func (s *memPlanStore) ListDeliveryPlans(_ context.Context, status DeliveryStatus) ([]*DeliveryPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DeliveryPlan
	for _, d := range s.deliveries {
		if status == "" || d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memPlanStore) UpdateDeliveryPlan(_ context.Context, plan *DeliveryPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	s.deliveries[plan.ID] = &cp
	return nil
}

// fakeObjects is an archive whose packages contain one file holding the identifier.
type fakeObjects struct {
	mu          sync.Mutex
	objects     map[string]*graph.DigitalObject
	unavailable map[string]bool
	created     []ObjectSpec
	fetches     map[string]int

	// onFetch runs after every fetch attempt, outside the lock
	onFetch func(identifier string, attempt int)

	// stallStage and stallID make that stage block for that object until
	// the caller's context is done; stalled is signalled when it does
	stallStage string
	stallID    string
	stalled    chan struct{}
}

// stallAt blocks stage ("exists", "fetch", "unpack" or "create") for the
// identifier and returns a channel that yields once the stage is entered.
func (f *fakeObjects) stallAt(stage, identifier string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stallStage, f.stallID = stage, identifier
	f.stalled = make(chan struct{}, 1)
	return f.stalled
}

func (f *fakeObjects) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stallStage, f.stallID = "", ""
}

func (f *fakeObjects) stall(ctx context.Context, stage, identifier string) error {
	f.mu.Lock()
	block := f.stallStage == stage && f.stallID == identifier
	stalled := f.stalled
	f.mu.Unlock()
	if !block {
		return nil
	}
	select {
	case stalled <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		objects:     make(map[string]*graph.DigitalObject),
		unavailable: make(map[string]bool),
		fetches:     make(map[string]int),
	}
}

func (f *fakeObjects) add(identifier, format string, kind graph.ObjectKind, owner string) *graph.DigitalObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := &graph.DigitalObject{
		ID:                graph.ObjectID(len(f.objects) + 1),
		Kind:              kind,
		Name:              identifier,
		OwnerID:           owner,
		Format:            format,
		DefaultIdentifier: identifier,
		Identifiers:       []graph.Identifier{{Value: identifier}},
	}
	f.objects[identifier] = obj
	return obj
}

func (f *fakeObjects) setAvailable(identifier string, available bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable[identifier] = !available
}

func (f *fakeObjects) FetchFiles(ctx context.Context, identifier, version string) (*Package, error) {
	if err := f.stall(ctx, "fetch", identifier); err != nil {
		return nil, fmt.Errorf("read %s: %w", identifier, err)
	}
	f.mu.Lock()
	f.fetches[identifier]++
	attempt := f.fetches[identifier]
	unavailable := f.unavailable[identifier]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(identifier, attempt)
		f.mu.Lock()
		unavailable = f.unavailable[identifier]
		f.mu.Unlock()
	}
	if unavailable {
		return nil, fmt.Errorf("%w: %s", ErrObjectUnavailable, identifier)
	}
	return &Package{Identifier: identifier, Path: identifier}, nil
}

func (f *fakeObjects) Unpack(ctx context.Context, pkg *Package, dir string) (*FileSet, error) {
	if err := f.stall(ctx, "unpack", pkg.Identifier); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "data"), []byte(pkg.Identifier), 0o644); err != nil {
		return nil, err
	}
	return &FileSet{Dir: dir, Files: []string{"data"}}, nil
}

func (f *fakeObjects) CreateObject(ctx context.Context, spec ObjectSpec) (string, error) {
	if err := f.stall(ctx, "create", strings.TrimPrefix(spec.Name, "tiff to jp2: ")); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return fmt.Sprintf("urn:result:%d", len(f.created)), nil
}

func (f *fakeObjects) ObjectExists(ctx context.Context, identifier string) (bool, error) {
	if err := f.stall(ctx, "exists", identifier); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[identifier]
	return ok, nil
}

func (f *fakeObjects) FindObjectsByIdentifier(_ context.Context, value string) ([]*graph.DigitalObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.objects[value]; ok {
		return []*graph.DigitalObject{obj}, nil
	}
	return nil, nil
}

func (f *fakeObjects) ListObjects(_ context.Context, filter graph.ObjectFilter) ([]*graph.DigitalObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*graph.DigitalObject
	for _, obj := range f.objects {
		if filter.Format != "" && obj.Format != filter.Format {
			continue
		}
		if filter.OwnerID != "" && obj.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeObjects) fetchCount(identifier string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[identifier]
}

func (f *fakeObjects) createdSpec(i int) ObjectSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *fakeObjects) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeServices appends the service id to the content of the input file.
type fakeServices struct {
	mu      sync.Mutex
	dir     string
	calls   map[string]int
	failing map[string]bool
	pending  map[string]*FileSet
	done     map[string]bool
	released []string
	tokens   int

	// gate, when set, blocks every synchronous call until it yields
	gate chan struct{}
}

func newFakeServices(t *testing.T) *fakeServices {
	return &fakeServices{
		dir:     t.TempDir(),
		calls:   make(map[string]int),
		failing: make(map[string]bool),
		pending: make(map[string]*FileSet),
		done:    make(map[string]bool),
	}
}

func (f *fakeServices) Invoke(ctx context.Context, hop ServiceHop, input *FileSet, workDir string) (*InvocationResult, error) {
	data, err := os.ReadFile(filepath.Join(input.Dir, input.Files[0]))
	if err != nil {
		return nil, err
	}
	source := strings.SplitN(string(data), "|", 2)[0]

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[source]++
	if f.failing[source] {
		return nil, fmt.Errorf("service %s crashed", hop.ServiceID)
	}

	content := []byte(string(data) + "|" + hop.ServiceID)
	if hop.Async {
		f.tokens++
		token := fmt.Sprintf("token-%d", f.tokens)
		dir := filepath.Join(f.dir, token)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "out"), content, 0o644); err != nil {
			return nil, err
		}
		f.pending[token] = &FileSet{Dir: dir, Files: []string{"out"}}
		return &InvocationResult{Token: token}, nil
	}

	name := hop.ServiceID + ".out"
	if err := os.WriteFile(filepath.Join(workDir, name), content, 0o644); err != nil {
		return nil, err
	}
	return &InvocationResult{Files: &FileSet{Dir: workDir, Files: []string{name}}}, nil
}

func (f *fakeServices) Collect(_ context.Context, token string) (*FileSet, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.pending[token]
	if !ok {
		return nil, false, fmt.Errorf("unknown token %s", token)
	}
	if !f.done[token] {
		return nil, false, nil
	}
	return files, true, nil
}

func (f *fakeServices) Release(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, token)
	f.released = append(f.released, token)
	return os.RemoveAll(filepath.Join(f.dir, token))
}

func (f *fakeServices) releasedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeServices) complete(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[token] = true
}

func (f *fakeServices) callCount(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[source]
}

// fakePerms denies the listed identifiers.
type fakePerms struct {
	mu     sync.Mutex
	denied map[string]bool
}

func (f *fakePerms) CheckPermission(_ context.Context, user, resourceID string, perm Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[resourceID] {
		return fmt.Errorf("%w: %s may not %s %s", ErrNotAuthorized, user, perm, resourceID)
	}
	return nil
}

// fakeProvenance records origin edges by result identifier.
type fakeProvenance struct {
	mu      sync.Mutex
	origins map[string]graph.MigrationRequest
	fail    error
}

func newFakeProvenance() *fakeProvenance {
	return &fakeProvenance{origins: make(map[string]graph.MigrationRequest)}
}

func (f *fakeProvenance) CreateMigration(_ context.Context, identifier string, dir graph.Direction, req graph.MigrationRequest) (*graph.Migration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	if _, ok := f.origins[identifier]; ok {
		return nil, graph.ErrOriginExists
	}
	f.origins[identifier] = req
	return &graph.Migration{Kind: req.Kind, Info: req.Info, SourceIdentifier: req.Identifier, ResultIdentifier: identifier}, nil
}

func (f *fakeProvenance) HasOrigin(_ context.Context, identifier string, kind graph.MigrationKind) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.origins[identifier]
	return ok && req.Kind == kind, nil
}

func (f *fakeProvenance) origin(identifier string) graph.MigrationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.origins[identifier]
}

func (f *fakeProvenance) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.origins)
}

// harness wires an executor to fakes.
type harness struct {
	store    *memPlanStore
	objects  *fakeObjects
	services *fakeServices
	perms    *fakePerms
	prov     *fakeProvenance
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemPlanStore(),
		objects:  newFakeObjects(),
		services: newFakeServices(t),
		perms:    &fakePerms{denied: make(map[string]bool)},
		prov:     newFakeProvenance(),
	}
	processor := NewProcessor(ProcessorDeps{
		Store:       h.store,
		Objects:     h.objects,
		Services:    h.services,
		Permissions: h.perms,
		Provenance:  h.prov,
		Origins:     h.prov,
		WorkDir:     t.TempDir(),
	}, zerolog.Nop())
	h.exec = NewExecutor(h.store, processor, 2, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.exec.Shutdown(ctx)
	})
	return h
}

var defaultHops = []ServiceHop{
	{ServiceID: "tiff2jp2", InputFormat: "fmt/353", OutputFormat: "x-fmt/392"},
	{ServiceID: "jp2opt", InputFormat: "x-fmt/392", OutputFormat: "x-fmt/392"},
}

// addPlan stores a ready plan over n master objects named urn:obj:<i>.
func (h *harness) addPlan(t *testing.T, n int, hops ...ServiceHop) *MigrationPlan {
	t.Helper()
	if len(hops) == 0 {
		hops = defaultHops
	}
	plan := &MigrationPlan{
		ID:           fmt.Sprintf("plan-%d", len(h.store.plans)+1),
		Name:         "tiff to jp2",
		OwnerID:      "alice",
		Kind:         graph.MigrationKindConversion,
		SourceFormat: "fmt/353",
		TargetFormat: "x-fmt/392",
		Status:       PlanStatusReady,
		ActivePathID: "path-1",
		Paths:        []MigrationPath{{ID: "path-1", Hops: hops}},
	}
	for i := 0; i < n; i++ {
		identifier := fmt.Sprintf("urn:obj:%d", i)
		obj := h.objects.add(identifier, "fmt/353", graph.ObjectKindMaster, "alice")
		plan.Items = append(plan.Items, PlanItem{
			PlanID:     plan.ID,
			Position:   i,
			ObjectID:   obj.ID,
			Identifier: identifier,
			Status:     ItemStatusNotYetStarted,
		})
	}
	require.NoError(t, h.store.CreateMigrationPlan(context.Background(), plan))
	return plan
}

func (h *harness) plan(t *testing.T, id string) *MigrationPlan {
	t.Helper()
	plan, err := h.store.GetMigrationPlan(context.Background(), id)
	require.NoError(t, err)
	return plan
}

func (h *harness) waitFor(t *testing.T, id string, cond func(p *MigrationPlan) bool) *MigrationPlan {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(h.plan(t, id))
	}, 5*time.Second, 5*time.Millisecond)
	return h.plan(t, id)
}

func (h *harness) waitStatus(t *testing.T, id string, status PlanStatus) *MigrationPlan {
	t.Helper()
	return h.waitFor(t, id, func(p *MigrationPlan) bool {
		return p.Status == status && !h.exec.Active(id)
	})
}
