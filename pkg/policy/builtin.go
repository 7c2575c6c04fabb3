package policy

import (
	"time"
)

// Package is the Rego package every policy contributes allow and deny rules to.
const Package = "preservo.authz"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		defaultsPolicy(),
		ownershipPolicy(),
		readAccessPolicy(),
	}
}

// defaultsPolicy denies everything no other rule allows.
func defaultsPolicy() Policy {
	return Policy{
		Name:        "defaults",
		Description: "Denies access unless a rule allows it; admins are always allowed",
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package preservo.authz

import rego.v1

default allow := false

allow if input.user in data.preservo.admins

deny contains msg if {
	not input.resource.exists
	msg := sprintf("unknown object %s", [input.resource.id])
}

deny contains msg if {
	input.resource.matches > 1
	msg := sprintf("identifier %s names %d objects", [input.resource.id, input.resource.matches])
}
`,
	}
}

// ownershipPolicy lets owners do anything with their own objects.
func ownershipPolicy() Policy {
	return Policy{
		Name:        "ownership",
		Description: "Owners may read, migrate and modify their objects",
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package preservo.authz

import rego.v1

allow if {
	input.user != ""
	input.resource.owner == input.user
}
`,
	}
}

// readAccessPolicy grants read access to readers, or to everybody.
func readAccessPolicy() Policy {
	return Policy{
		Name:        "read-access",
		Description: "Readers, or everybody when public read is on, may read any object",
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package preservo.authz

import rego.v1

allow if {
	input.permission == "read"
	input.user in data.preservo.readers
}

allow if {
	input.permission == "read"
	data.preservo.public_read
}
`,
	}
}
