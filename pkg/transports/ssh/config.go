package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Config holds the connection settings of an SFTP delivery target.
type Config struct {
	Host string `mapstructure:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port int    `mapstructure:"port" yaml:"port" validate:"gte=1,lte=65535"`
	User string `mapstructure:"user" yaml:"user" validate:"required"`

	AuthMethod AuthMethod `mapstructure:"auth_method" yaml:"auth_method" validate:"oneof=password key"`

	// Password is used by the password method.
	Password string `mapstructure:"password" yaml:"password,omitempty" validate:"required_if=AuthMethod password"`

	// PrivateKeyPath is used by the key method; ~/.ssh/id_ed25519,
	// id_rsa or id_ecdsa when empty.
	PrivateKeyPath       string `mapstructure:"private_key_path" yaml:"private_key_path,omitempty"`
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase" yaml:"private_key_passphrase,omitempty"`

	// KnownHostsPath is the known_hosts file the host key is checked against.
	KnownHostsPath string `mapstructure:"known_hosts_path" yaml:"known_hosts_path" validate:"required_unless=InsecureIgnoreHostKey true"`

	// InsecureIgnoreHostKey accepts any host key. Only for testing.
	InsecureIgnoreHostKey bool `mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout" validate:"gt=0"`

	// RemoteRoot is the remote directory deliveries are written below.
	// Relative paths start at the login directory.
	RemoteRoot string `mapstructure:"remote_root" yaml:"remote_root" validate:"required"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	c := &Config{Host: host, User: user}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthMethodKey
	}
	if c.KnownHostsPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.RemoteRoot == "" {
		c.RemoteRoot = "."
	}
}

var defaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Validate checks the struct tags and, for key authentication, resolves
// and checks the private key file.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return err
	}
	if c.AuthMethod != AuthMethodKey {
		return nil
	}

	if c.PrivateKeyPath == "" {
		home, _ := os.UserHomeDir()
		for _, name := range defaultKeyNames {
			keyPath := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(keyPath); err == nil {
				c.PrivateKeyPath = keyPath
				break
			}
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication and no default key found")
		}
	}
	if _, err := os.Stat(c.PrivateKeyPath); err != nil {
		return fmt.Errorf("private key file not usable: %w", err)
	}
	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !c.InsecureIgnoreHostKey {
		if hostKeyCallback, err = knownhosts.New(c.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for passwords.
		answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
