// Package registry is the catalog of known formats and migration services.
//
// The catalog is a YAML document:
//
//	max_hops: 3
//	formats:
//	  - puid: fmt/353
//	    name: Tagged Image File Format
//	services:
//	  - id: tiff2jp2
//	    type: command
//	    input: fmt/353
//	    output: x-fmt/392
//	    command: opj_compress -i {input} -o {output}
//	    output_name: "{name}.jp2"
//
// A Registry answers the format and path questions of plan creation: it
// validates PUIDs, resolves explicit service chains and composes every chain
// between two formats up to max_hops services long.
package registry
