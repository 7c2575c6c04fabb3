package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if config.RemoteRoot != "." {
		t.Errorf("expected remote root '.', got '%s'", config.RemoteRoot)
	}
	if config.InsecureIgnoreHostKey {
		t.Error("expected host key checking to be on by default")
	}
}

func TestConfigValidation(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid password config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name: "valid key config",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "'Host'",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 70000 },
			errorMsg:   "'Port'",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "'User'",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
			},
			errorMsg: "'Password'",
		},
		{
			name: "missing key file",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = filepath.Join(t.TempDir(), "nope")
			},
			errorMsg: "private key file not usable",
		},
		{
			name: "unsupported auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = "agent"
			},
			errorMsg: "'AuthMethod'",
		},
		{
			name: "no known hosts",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.KnownHostsPath = ""
				c.InsecureIgnoreHostKey = false
			},
			errorMsg: "'KnownHostsPath'",
		},
		{
			name: "zero timeout",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.ConnectionTimeout = 0
			},
			errorMsg: "'ConnectionTimeout'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			config.InsecureIgnoreHostKey = true
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("files.example.org", "preservo")
	config.Port = 2222

	if got := config.Address(); got != "files.example.org:2222" {
		t.Errorf("expected 'files.example.org:2222', got '%s'", got)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.InsecureIgnoreHostKey = true

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("failed to build config: %v", err)
		}
		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected password and keyboard-interactive auth, got %d methods", len(clientConfig.Auth))
		}
	})

	t.Run("key with known hosts", func(t *testing.T) {
		knownHosts := filepath.Join(t.TempDir(), "known_hosts")
		if err := os.WriteFile(knownHosts, nil, 0o600); err != nil {
			t.Fatalf("failed to write known_hosts: %v", err)
		}

		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = writeTestKey(t)
		config.KnownHostsPath = knownHosts

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("failed to build config: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected one auth method, got %d", len(clientConfig.Auth))
		}
		if clientConfig.HostKeyCallback == nil {
			t.Error("expected a host key callback")
		}
	})

	t.Run("missing known hosts file", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = writeTestKey(t)
		config.KnownHostsPath = filepath.Join(t.TempDir(), "missing")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Fatal("expected an error for a missing known_hosts file")
		}
	})
}

// writeTestKey writes a fresh ED25519 private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}
