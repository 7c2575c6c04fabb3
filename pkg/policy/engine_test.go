package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/graph"
)

type fakeObjects struct {
	mu   sync.Mutex
	objs map[string][]*graph.DigitalObject
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objs: make(map[string][]*graph.DigitalObject)}
}

func (f *fakeObjects) add(identifier, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objs[identifier] = append(f.objs[identifier], &graph.DigitalObject{
		Kind:              graph.ObjectKindMaster,
		OwnerID:           owner,
		Format:            "fmt/353",
		DefaultIdentifier: identifier,
	})
}

func (f *fakeObjects) FindObjectsByIdentifier(_ context.Context, value string) ([]*graph.DigitalObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objs[value], nil
}

func newTestAuthorizer(t *testing.T, cfg Config) (*Authorizer, *fakeObjects) {
	t.Helper()
	objects := newFakeObjects()
	objects.add("urn:alice:1", "alice")
	objects.add("urn:bob:1", "bob")
	objects.add("urn:dup", "alice")
	objects.add("urn:dup", "alice")

	a, err := NewAuthorizer(context.Background(), cfg, objects, zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create authorizer: %v", err)
	}
	return a, objects
}

func TestNewAuthorizer(t *testing.T) {
	a, _ := newTestAuthorizer(t, Config{})

	policies := a.ListPolicies()
	expected := []string{"defaults", "ownership", "read-access"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %s at %d, got %s", name, i, policies[i].Name)
		}
	}
}

func TestCheckPermission(t *testing.T) {
	a, _ := newTestAuthorizer(t, Config{
		Admins:  []string{"root"},
		Readers: []string{"auditor"},
	})
	ctx := context.Background()

	tests := []struct {
		name     string
		user     string
		resource string
		perm     engine.Permission
		allowed  bool
	}{
		{"owner migrates", "alice", "urn:alice:1", engine.PermissionMigrate, true},
		{"owner modifies", "alice", "urn:alice:1", engine.PermissionModify, true},
		{"stranger migrates", "alice", "urn:bob:1", engine.PermissionMigrate, false},
		{"stranger reads", "alice", "urn:bob:1", engine.PermissionRead, false},
		{"reader reads", "auditor", "urn:bob:1", engine.PermissionRead, true},
		{"reader migrates", "auditor", "urn:bob:1", engine.PermissionMigrate, false},
		{"admin modifies", "root", "urn:bob:1", engine.PermissionModify, true},
		{"unknown object", "root", "urn:missing", engine.PermissionRead, false},
		{"ambiguous identifier", "alice", "urn:dup", engine.PermissionRead, false},
		{"anonymous", "", "urn:alice:1", engine.PermissionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.CheckPermission(ctx, tt.user, tt.resource, tt.perm)
			if tt.allowed && err != nil {
				t.Errorf("Expected access, got %v", err)
			}
			if !tt.allowed {
				if err == nil {
					t.Fatal("Expected access to be denied")
				}
				if !errors.Is(err, engine.ErrNotAuthorized) {
					t.Errorf("Expected ErrNotAuthorized, got %v", err)
				}
			}
		})
	}
}

func TestPublicRead(t *testing.T) {
	a, _ := newTestAuthorizer(t, Config{PublicRead: true})
	ctx := context.Background()

	if err := a.CheckPermission(ctx, "carol", "urn:bob:1", engine.PermissionRead); err != nil {
		t.Errorf("Expected public read, got %v", err)
	}
	if err := a.CheckPermission(ctx, "carol", "urn:bob:1", engine.PermissionModify); err == nil {
		t.Error("Public read must not allow modification")
	}
}

func TestDecideReasons(t *testing.T) {
	a, _ := newTestAuthorizer(t, Config{Admins: []string{"root"}})

	input, err := a.describe(context.Background(), "root", "urn:missing", engine.PermissionRead)
	if err != nil {
		t.Fatalf("Failed to describe access: %v", err)
	}
	decision, err := a.Decide(context.Background(), input)
	if err != nil {
		t.Fatalf("Failed to decide: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected denial for an unknown object")
	}
	if len(decision.Reasons) != 1 || !strings.Contains(decision.Reasons[0], "unknown object urn:missing") {
		t.Errorf("Unexpected reasons: %v", decision.Reasons)
	}
}

func TestCustomPolicyFromPaths(t *testing.T) {
	dir := t.TempDir()
	rego := `package preservo.authz

import rego.v1

# Curators may migrate anything in TIFF
allow if {
	input.user == "curator"
	input.permission == "migrate"
	input.resource.format == "fmt/353"
}

deny contains msg if {
	input.user == "intern"
	msg := "interns are read-only"
}
`
	if err := os.WriteFile(filepath.Join(dir, "curators.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	a, objects := newTestAuthorizer(t, Config{Admins: []string{"intern"}, Paths: []string{dir}})
	objects.add("urn:intern:1", "intern")
	ctx := context.Background()

	if _, err := a.GetPolicy("curators"); err != nil {
		t.Fatalf("Custom policy not loaded: %v", err)
	}
	if err := a.CheckPermission(ctx, "curator", "urn:bob:1", engine.PermissionMigrate); err != nil {
		t.Errorf("Expected curator access, got %v", err)
	}

	err := a.CheckPermission(ctx, "intern", "urn:intern:1", engine.PermissionRead)
	if err == nil || !strings.Contains(err.Error(), "interns are read-only") {
		t.Errorf("Expected deny reason in error, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	a, _ := newTestAuthorizer(t, Config{})
	ctx := context.Background()

	if err := a.DisablePolicy(ctx, "ownership"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if err := a.CheckPermission(ctx, "alice", "urn:alice:1", engine.PermissionRead); err == nil {
		t.Error("Expected denial with ownership disabled")
	}

	if err := a.EnablePolicy(ctx, "ownership"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := a.CheckPermission(ctx, "alice", "urn:alice:1", engine.PermissionRead); err != nil {
		t.Errorf("Expected access with ownership enabled, got %v", err)
	}

	if err := a.DisablePolicy(ctx, "missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestSetPoliciesRejectsInvalid(t *testing.T) {
	a, _ := newTestAuthorizer(t, Config{})
	ctx := context.Background()

	err := a.SetPolicies(ctx, []Policy{{Name: "broken", Rego: "package preservo.authz\nallow if {", Enabled: true}})
	if err == nil {
		t.Fatal("Expected compile error")
	}

	err = a.SetPolicies(ctx, []Policy{{Name: "ownership", Rego: "package preservo.authz\n", Enabled: true}})
	if err == nil {
		t.Fatal("Expected error for a policy shadowing a built-in")
	}

	// the previous policies stay in force
	if err := a.CheckPermission(ctx, "alice", "urn:alice:1", engine.PermissionRead); err != nil {
		t.Errorf("Expected access, got %v", err)
	}
}
