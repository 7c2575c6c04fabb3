// Package policy decides who may read, migrate and modify digital objects,
// using Open Policy Agent (OPA) Rego rules.
//
// # Rules
//
// Every policy contributes rules to the Rego package preservo.authz:
//
//   - allow: access is granted when any allow rule holds.
//   - deny: a set of messages; any message denies access, even for admins.
//
// The built-in policies let owners do anything with their objects, let
// admins do anything, and let readers (or everybody, with public read on)
// read every object. Access to an unknown or ambiguous identifier is denied.
//
// The input document looks like:
//
//	{
//	  "user": "alice",
//	  "permission": "migrate",
//	  "resource": {"id": "urn:preservo:...", "exists": true, "owner": "alice",
//	               "kind": "master", "format": "fmt/353", "matches": 1},
//	  "context": {"timestamp": "..."}
//	}
//
// and data.preservo holds the admins, readers and public_read settings.
//
// # Usage
//
//	authz, err := policy.NewAuthorizer(ctx, policy.Config{
//	    Admins: []string{"root"},
//	    Paths:  []string{"/etc/preservo/policies"},
//	}, store, logger)
//	if err != nil {
//	    return err
//	}
//	_ = authz.Watch(ctx) // recompile when policy files change
//
//	err = authz.CheckPermission(ctx, "alice", "urn:preservo:1", engine.PermissionMigrate)
//	if errors.Is(err, engine.ErrNotAuthorized) {
//	    ...
//	}
//
// # Custom policies
//
// Extra policies are .rego files, named after the file, or .json files
// holding a Policy document:
//
//	package preservo.authz
//
//	import rego.v1
//
//	# Curators may migrate any TIFF
//	allow if {
//	    input.user == "curator"
//	    input.permission == "migrate"
//	    input.resource.format == "fmt/353"
//	}
package policy
