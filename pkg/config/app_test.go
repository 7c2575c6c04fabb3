package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(NewViper(dir), "")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	if cfg.Database.Path != filepath.Join(dir, "preservo.db") {
		t.Errorf("unexpected database path %s", cfg.Database.Path)
	}
	if cfg.Executor.MaxParallel != 4 {
		t.Errorf("expected 4 parallel plans, got %d", cfg.Executor.MaxParallel)
	}
	if cfg.Watch.Delay != 500*time.Millisecond {
		t.Errorf("unexpected watch delay %s", cfg.Watch.Delay)
	}
	if cfg.Telemetry.Metrics.Path != "/metrics" {
		t.Errorf("unexpected metrics path %s", cfg.Telemetry.Metrics.Path)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preservo.yaml")
	content := `
archive:
  root: /srv/archive
  compression: zstd
executor:
  max_parallel: 8
policy:
  admins: [root]
  public_read: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("PRESERVO_EXECUTOR_MAX_PARALLEL", "16")
	t.Setenv("PRESERVO_SERVER_ADDR", "0.0.0.0:9000")

	cfg, err := Load(NewViper(dir), path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Archive.Root != "/srv/archive" || cfg.Archive.Compression != "zstd" {
		t.Errorf("unexpected archive config %+v", cfg.Archive)
	}
	if cfg.Executor.MaxParallel != 16 {
		t.Errorf("expected the environment to win, got %d", cfg.Executor.MaxParallel)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("unexpected server addr %s", cfg.Server.Addr)
	}
	if len(cfg.Policy.Admins) != 1 || cfg.Policy.Admins[0] != "root" || !cfg.Policy.PublicRead {
		t.Errorf("unexpected policy config %+v", cfg.Policy)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preservo.yaml")
	if err := os.WriteFile(path, []byte("archive:\n  compression: lzma\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(NewViper(dir), path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "Compression") {
		t.Errorf("expected error about compression, got %v", err)
	}

	if _, err := Load(NewViper(dir), filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestLoad_SFTPDelivery(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(NewViper(dir), "")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.Executor.SFTP != nil {
		t.Fatalf("expected no sftp delivery by default, got %+v", cfg.Executor.SFTP)
	}

	path := filepath.Join(dir, "preservo.yaml")
	content := `
executor:
  sftp:
    host: files.example.org
    user: preservo
    auth_method: password
    password: secret
    insecure_ignore_host_key: true
    connection_timeout: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err = Load(NewViper(dir), path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	sftp := cfg.Executor.SFTP
	if sftp == nil {
		t.Fatal("expected an sftp section")
	}
	if sftp.Host != "files.example.org" || sftp.Port != 22 || sftp.RemoteRoot != "." {
		t.Errorf("unexpected sftp config %+v", sftp)
	}
	if sftp.ConnectionTimeout != 5*time.Second {
		t.Errorf("unexpected connection timeout %s", sftp.ConnectionTimeout)
	}

	bad := strings.Replace(content, "    user: preservo\n", "", 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	_, err = Load(NewViper(dir), path)
	if err == nil || !strings.Contains(err.Error(), "SFTP.User") {
		t.Fatalf("expected an sftp validation error, got %v", err)
	}
}
