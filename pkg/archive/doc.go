// Package archive stores the files of digital objects as zip packages on the
// local filesystem and registers the objects in the derivation graph.
//
// Packages live at <root>/packages/<escaped identifier>.zip, keyed by the
// object's default identifier. An object that is registered before its
// package has been written is unavailable: fetching it fails with
// engine.ErrObjectUnavailable until the package appears, at which point the
// watch package reports it to the executor.
//
// Usage:
//
//	a, err := archive.New(archive.Config{Root: "/var/lib/preservo"}, store, logger)
//	obj, err := a.Ingest(ctx, archive.IngestRequest{
//	    Name:    "Letters 1901",
//	    OwnerID: "alice",
//	    Kind:    graph.ObjectKindMaster,
//	    Format:  "fmt/353",
//	    Dir:     "./scans",
//	})
package archive
