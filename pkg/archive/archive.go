package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/graph"
)

const (
	// IdentifierPrefix starts every identifier the archive mints.
	IdentifierPrefix = "urn:preservo:"

	packagesDir   = "packages"
	packageSuffix = ".zip"
)

// Compression methods for new packages.
const (
	CompressionDeflate = "deflate"
	CompressionZstd    = "zstd"
)

// Config configures an Archive.
type Config struct {
	// Root holds the packages directory.
	Root string

	// Compression is deflate (default) or zstd.
	Compression string
}

// Archive is a filesystem ObjectStore backed by the derivation graph catalog.
type Archive struct {
	root    string
	method  uint16
	store   graph.Store
	manager *graph.Manager
	logger  zerolog.Logger
	newID   func() string
}

var _ engine.ObjectStore = (*Archive)(nil)

// New creates the packages directory below cfg.Root.
func New(cfg Config, store graph.Store, logger zerolog.Logger) (*Archive, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("archive root is required")
	}

	var method uint16
	switch cfg.Compression {
	case "", CompressionDeflate:
		method = zip.Deflate
	case CompressionZstd:
		method = zstd.ZipMethodWinZip
	default:
		return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
	}

	if err := os.MkdirAll(filepath.Join(cfg.Root, packagesDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create packages directory: %w", err)
	}

	return &Archive{
		root:    cfg.Root,
		method:  method,
		store:   store,
		manager: graph.NewManager(store, logger),
		logger:  logger.With().Str("component", "archive").Logger(),
		newID:   func() string { return IdentifierPrefix + uuid.New().String() },
	}, nil
}

// PackagesDir returns the directory packages are written to.
func (a *Archive) PackagesDir() string {
	return filepath.Join(a.root, packagesDir)
}

// PackagePath returns where the package of an object is stored.
func (a *Archive) PackagePath(identifier string) string {
	return filepath.Join(a.PackagesDir(), url.PathEscape(identifier)+packageSuffix)
}

// IdentifierFromPackage maps a package file name back to the identifier it
// was written for.
func IdentifierFromPackage(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, packageSuffix) {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(base, packageSuffix))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// IngestRequest describes an object to add to the archive.
type IngestRequest struct {
	Name    string
	OwnerID string
	Kind    graph.ObjectKind
	Format  string

	// Identifier is minted when empty.
	Identifier string

	// Aliases are further identifiers for the object.
	Aliases []string

	// Dir holds the files to package. The object is registered without a
	// package, and is unavailable, when Dir is empty.
	Dir string
}

// Ingest registers an object and, if it has files, writes its package.
func (a *Archive) Ingest(ctx context.Context, req IngestRequest) (*graph.DigitalObject, error) {
	id := req.Identifier
	if id == "" {
		id = a.newID()
	}

	var files *engine.FileSet
	if req.Dir != "" {
		var err error
		if files, err = listFiles(req.Dir); err != nil {
			return nil, err
		}
		if len(files.Files) == 0 {
			return nil, fmt.Errorf("no files in %s", req.Dir)
		}
	}

	obj := &graph.DigitalObject{
		Kind:              req.Kind,
		Name:              req.Name,
		OwnerID:           req.OwnerID,
		Format:            req.Format,
		DefaultIdentifier: id,
		Identifiers:       []graph.Identifier{{Value: id, Type: "urn", Active: true, Default: true}},
	}
	for _, alias := range req.Aliases {
		obj.Identifiers = append(obj.Identifiers, graph.Identifier{Value: alias, Type: "local", Active: true})
	}
	if files != nil {
		obj.CurrentVersion = "1"
	}

	if err := a.register(ctx, obj, files); err != nil {
		return nil, err
	}
	a.logger.Info().
		Str("identifier", id).
		Str("format", req.Format).
		Bool("packaged", files != nil).
		Msg("Object ingested")
	return obj, nil
}

// StorePackage writes the package of an already registered object, making
// it available.
func (a *Archive) StorePackage(ctx context.Context, identifier, dir string) error {
	obj, err := a.resolve(ctx, identifier)
	if err != nil {
		return err
	}
	files, err := listFiles(dir)
	if err != nil {
		return err
	}
	return a.writePackage(obj.DefaultIdentifier, files)
}

// register writes the package first so a failed registration can remove it.
func (a *Archive) register(ctx context.Context, obj *graph.DigitalObject, files *engine.FileSet) error {
	if files != nil {
		if err := a.writePackage(obj.DefaultIdentifier, files); err != nil {
			return err
		}
	}
	if err := a.manager.RegisterObject(ctx, obj); err != nil {
		if files != nil {
			_ = os.Remove(a.PackagePath(obj.DefaultIdentifier))
		}
		return fmt.Errorf("failed to register object: %w", err)
	}
	return nil
}

func (a *Archive) resolve(ctx context.Context, identifier string) (*graph.DigitalObject, error) {
	objs, err := a.store.FindObjectsByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", identifier, err)
	}
	switch len(objs) {
	case 0:
		return nil, fmt.Errorf("%w: %s", graph.ErrObjectNotFound, identifier)
	case 1:
		return objs[0], nil
	default:
		return nil, fmt.Errorf("identifier %s names %d objects", identifier, len(objs))
	}
}

// FetchFiles returns the package of an object.
func (a *Archive) FetchFiles(ctx context.Context, identifier, version string) (*engine.Package, error) {
	obj, err := a.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if version != "" && obj.CurrentVersion != "" && version != obj.CurrentVersion {
		return nil, fmt.Errorf("object %s has no version %s", identifier, version)
	}

	path := a.PackagePath(obj.DefaultIdentifier)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", engine.ErrObjectUnavailable, identifier)
		}
		return nil, fmt.Errorf("failed to stat package: %w", err)
	}
	return &engine.Package{Identifier: obj.DefaultIdentifier, Version: obj.CurrentVersion, Path: path}, nil
}

// Unpack extracts a package into dir. Entries that would land outside dir
// are rejected.
func (a *Archive) Unpack(ctx context.Context, pkg *engine.Package, dir string) (*engine.FileSet, error) {
	zr, err := zip.OpenReader(pkg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	defer zr.Close()
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	out := &engine.FileSet{Dir: dir}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		name := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(name) {
			return nil, fmt.Errorf("package entry %q escapes the target directory", f.Name)
		}
		if err := extract(f, filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		out.Files = append(out.Files, name)
	}
	return out, nil
}

func extract(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// CreateObject packages the files of a derivative and registers it under a
// new identifier.
func (a *Archive) CreateObject(ctx context.Context, spec engine.ObjectSpec) (string, error) {
	if spec.Files == nil || len(spec.Files.Files) == 0 {
		return "", fmt.Errorf("object %q has no files", spec.Name)
	}
	id := a.newID()
	obj := &graph.DigitalObject{
		Kind:              spec.Kind,
		Name:              spec.Name,
		OwnerID:           spec.OwnerID,
		Format:            spec.Format,
		CurrentVersion:    "1",
		DefaultIdentifier: id,
		Identifiers:       []graph.Identifier{{Value: id, Type: "urn", Active: true, Default: true}},
	}
	if err := a.register(ctx, obj, spec.Files); err != nil {
		return "", err
	}
	return id, nil
}

// ObjectExists reports whether the identifier names a registered object,
// packaged or not.
func (a *Archive) ObjectExists(ctx context.Context, identifier string) (bool, error) {
	objs, err := a.store.FindObjectsByIdentifier(ctx, identifier)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", identifier, err)
	}
	return len(objs) > 0, nil
}

// writePackage zips the files into a temporary file and renames it into
// place, so a package is never seen half written.
func (a *Archive) writePackage(identifier string, files *engine.FileSet) error {
	tmp, err := os.CreateTemp(a.PackagesDir(), ".pkg-*")
	if err != nil {
		return fmt.Errorf("failed to create package: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())

	names := append([]string(nil), files.Files...)
	sort.Strings(names)
	for _, name := range names {
		if err := a.addFile(zw, files.Dir, name); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to add %s to package: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to finish package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finish package: %w", err)
	}
	if err := os.Rename(tmp.Name(), a.PackagePath(identifier)); err != nil {
		return fmt.Errorf("failed to store package: %w", err)
	}
	return nil
}

func (a *Archive) addFile(zw *zip.Writer, dir, name string) error {
	src, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	hdr.Method = a.method
	hdr.Modified = info.ModTime().UTC().Truncate(time.Second)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func listFiles(dir string) (*engine.FileSet, error) {
	out := &engine.FileSet{Dir: dir}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out.Files = append(out.Files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return out, nil
}
