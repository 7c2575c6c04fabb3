// Package config loads the application configuration and the plan and
// delivery spec files operators submit.
//
// # Application configuration
//
// AppConfig is read with viper from an optional YAML file. Every key can be
// overridden from the environment with the PRESERVO_ prefix, dots becoming
// underscores:
//
//	PRESERVO_DATABASE_PATH=/var/lib/preservo/preservo.db
//	PRESERVO_EXECUTOR_MAX_PARALLEL=8
//
// The decoded configuration is checked with validator struct tags.
//
//	v := config.NewViper(dataDir)
//	cfg, err := config.Load(v, "/etc/preservo/preservo.yaml")
//
// # Spec files
//
// Plan and delivery specs are YAML (or JSON) documents, or CUE files. They
// are checked against the embedded CUE definitions #PlanSpec and
// #DeliverySpec, then decoded and checked by the engine's struct tags:
//
//	name: Letters to JPEG 2000
//	owner: alice
//	kind: conversion
//	source_format: fmt/353
//	target_format: x-fmt/392
//	condition:
//	  type: by_owner
//	  owner: alice
//
// Schema violations are reported as ValidationErrors with the file
// position or field path of each problem.
package config
