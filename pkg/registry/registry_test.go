package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
max_hops: 3
formats:
  - puid: fmt/353
    name: TIFF
  - puid: fmt/95
    name: PDF/A
  - puid: x-fmt/392
    name: JPEG 2000
  - puid: fmt/11
    name: PNG
services:
  - id: tiff2jp2
    type: command
    input: fmt/353
    output: x-fmt/392
    command: opj_compress -i {input} -o {output}
  - id: tiff2pdf
    type: copy
    input: fmt/353
    output: fmt/95
    async: true
  - id: pdf2jp2
    type: copy
    input: fmt/95
    output: x-fmt/392
  - id: jp2tiff
    type: copy
    input: x-fmt/392
    output: fmt/353
  - id: jp2opt
    type: gzip
    input: x-fmt/392
    output: x-fmt/392
`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Parse([]byte(testCatalog))
	require.NoError(t, err)
	return r
}

func serviceIDs(t *testing.T, r *Registry, source, target string) [][]string {
	t.Helper()
	paths, err := r.ComposePaths(context.Background(), source, target)
	require.NoError(t, err)
	var out [][]string
	for _, p := range paths {
		var chain []string
		for _, hop := range p {
			chain = append(chain, hop.ServiceID)
		}
		out = append(out, chain)
	}
	return out
}

func TestComposePathsShortestFirst(t *testing.T) {
	r := testRegistry(t)

	got := serviceIDs(t, r, "fmt/353", "x-fmt/392")
	assert.Equal(t, [][]string{
		{"tiff2jp2"},
		{"tiff2pdf", "pdf2jp2"},
	}, got)

	// chains stop at the first hop producing the target
	assert.Equal(t, [][]string{
		{"jp2opt"},
		{"jp2tiff", "tiff2jp2"},
		{"jp2tiff", "tiff2pdf", "pdf2jp2"},
	}, serviceIDs(t, r, "x-fmt/392", "x-fmt/392"))

	assert.Empty(t, serviceIDs(t, r, "fmt/353", "fmt/11"))
}

func TestComposePathsSkipsVisitedFormats(t *testing.T) {
	r := testRegistry(t)

	// tiff2jp2 -> jp2tiff would return to the source before tiff2pdf
	assert.Equal(t, [][]string{{"tiff2pdf"}}, serviceIDs(t, r, "fmt/353", "fmt/95"))

	// jp2opt keeps the format, so pdf2jp2 -> jp2opt -> jp2tiff is not offered
	assert.Equal(t, [][]string{{"pdf2jp2", "jp2tiff"}}, serviceIDs(t, r, "fmt/95", "fmt/353"))
}

func TestComposePathsRespectsMaxHops(t *testing.T) {
	r := testRegistry(t)
	r.maxHops = 1

	assert.Equal(t, [][]string{{"tiff2jp2"}}, serviceIDs(t, r, "fmt/353", "x-fmt/392"))

	// pdf -> jp2 -> tiff needs two hops
	assert.Empty(t, serviceIDs(t, r, "fmt/95", "fmt/353"))
	r.maxHops = 2
	assert.Equal(t, [][]string{{"pdf2jp2", "jp2tiff"}}, serviceIDs(t, r, "fmt/95", "fmt/353"))
}

func TestComposePathsCarriesAsyncFlag(t *testing.T) {
	r := testRegistry(t)
	paths, err := r.ComposePaths(context.Background(), "fmt/353", "fmt/95")
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.True(t, paths[0][0].Async)
}

func TestResolvePath(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	hops, err := r.ResolvePath(ctx, []string{"tiff2pdf", "pdf2jp2", "jp2opt"}, "fmt/353", "x-fmt/392")
	require.NoError(t, err)
	require.Len(t, hops, 3)
	assert.Equal(t, "fmt/95", hops[1].InputFormat)

	tests := []struct {
		name    string
		ids     []string
		wantErr string
	}{
		{"empty", nil, "path is empty"},
		{"unknown service", []string{"nope"}, "unknown service"},
		{"wrong input", []string{"pdf2jp2"}, "reads fmt/95"},
		{"wrong end", []string{"tiff2pdf"}, "path ends at fmt/95"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ResolvePath(ctx, tt.ids, "fmt/353", "x-fmt/392")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateFormat(t *testing.T) {
	r := testRegistry(t)
	assert.NoError(t, r.ValidateFormat(context.Background(), "fmt/95"))
	assert.Error(t, r.ValidateFormat(context.Background(), "fmt/0"))
}

func TestCatalogValidation(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
		wantErr string
	}{
		{
			name:    "unknown field",
			catalog: "formats: []\nservices: []\nextra: 1\n",
			wantErr: "field extra not found",
		},
		{
			name: "command without command line",
			catalog: `
formats: [{puid: a}, {puid: b}]
services: [{id: s, type: command, input: a, output: b}]
`,
			wantErr: "Command",
		},
		{
			name: "unknown service type",
			catalog: `
formats: [{puid: a}, {puid: b}]
services: [{id: s, type: magic, input: a, output: b}]
`,
			wantErr: "Type",
		},
		{
			name: "unknown format",
			catalog: `
formats: [{puid: a}]
services: [{id: s, type: copy, input: a, output: b}]
`,
			wantErr: "unknown format b",
		},
		{
			name: "duplicate service",
			catalog: `
formats: [{puid: a}]
services: [{id: s, type: copy, input: a, output: a}, {id: s, type: gzip, input: a, output: a}]
`,
			wantErr: "duplicate service s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.catalog))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, r.MaxHops())
	assert.Len(t, r.Formats(), 4)
	assert.Len(t, r.Services(), 5)

	svc, ok := r.Service("tiff2jp2")
	require.True(t, ok)
	assert.Equal(t, "command", svc.Type)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
