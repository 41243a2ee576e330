// Package honeypot runs the decoy services of one host: listener
// supervision, accept throttling, per-protocol transports and the session
// loops that feed attacker input through the deception layer.
package honeypot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/json-iterator/go"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/deception"
	"github.com/111bobmoin/myLLMhoneynet/internal/session"
	"github.com/111bobmoin/myLLMhoneynet/internal/vfs"
)

// ServiceConfig is the on-disk configuration of one decoy service,
// loaded from <config-dir>/<service>_config.json.
type ServiceConfig struct {
	Service          schemas.ServiceKind     `json:"service"`
	Port             int                     `json:"port"`
	Banner           string                  `json:"banner"`
	CredentialPolicy schemas.CredentialPolicy `json:"credential_policy"`
	MaxAttempts      int                     `json:"max_attempts"`
	Users            map[string]session.UserRecord `json:"users"`

	LoginPrompt    string   `json:"login_prompt"`
	PasswordPrompt string   `json:"password_prompt"`
	ShellPrompt    string   `json:"shell_prompt"`
	FailureMessage string   `json:"failure_message"`
	MOTD           []string `json:"motd"`
	DefaultHome    string   `json:"default_home"`

	Shell deception.ShellConfig `json:"shell"`
	FTP   deception.FTPConfig   `json:"ftp"`
	HTTP  deception.HTTPConfig  `json:"http"`
	MySQL deception.MySQLConfig `json:"mysql"`

	// MySQL monitor dressing.
	Handshake     string   `json:"handshake_banner"`
	GreetingLines []string `json:"greeting_lines"`
	Prompt        string   `json:"prompt"`

	// Transport material. Missing files are generated at startup.
	HostKeyPath string `json:"host_key"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

func (c *ServiceConfig) applyDefaults(kind schemas.ServiceKind) {
	c.Service = kind
	if c.Port == 0 {
		c.Port = defaultPort(kind)
	}
	if c.CredentialPolicy == "" {
		// An interactive decoy with no configured users cannot serve the
		// accept-listed policy, so a bare config lures with accept-all.
		if interactive(kind) && len(c.Users) == 0 {
			c.CredentialPolicy = schemas.PolicyAcceptAll
		} else {
			c.CredentialPolicy = schemas.PolicyAcceptListed
		}
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.LoginPrompt == "" {
		c.LoginPrompt = "login: "
	}
	if c.PasswordPrompt == "" {
		c.PasswordPrompt = "Password: "
	}
	if c.ShellPrompt == "" {
		c.ShellPrompt = "root@honeypot:~# "
	}
	if c.FailureMessage == "" {
		c.FailureMessage = "Login incorrect"
	}
	if c.DefaultHome == "" {
		c.DefaultHome = "/"
	}
	if c.Banner == "" {
		switch kind {
		case schemas.ServiceFTP:
			c.Banner = "220 (vsFTPd 3.0.3)"
		case schemas.ServiceSSH:
			c.Banner = "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.4"
		}
	}
	if kind == schemas.ServiceMySQL {
		if c.Handshake == "" {
			c.Handshake = "5.7.41-0ubuntu0.20.04.1-log"
		}
		if len(c.GreetingLines) == 0 {
			c.GreetingLines = []string{
				"Welcome to the MySQL monitor.  Commands end with ; or \\g.",
				"Your MySQL connection id is 54",
				"Server version: 5.7.41-0ubuntu0.20.04.1-log (Ubuntu)",
			}
		}
		if c.Prompt == "" {
			c.Prompt = "mysql> "
		}
	}
}

func defaultPort(kind schemas.ServiceKind) int {
	switch kind {
	case schemas.ServiceSSH:
		return 2222
	case schemas.ServiceTelnet:
		return 2323
	case schemas.ServiceFTP:
		return 2121
	case schemas.ServiceHTTP:
		return 8080
	case schemas.ServiceHTTPS:
		return 8443
	case schemas.ServiceMySQL:
		return 3306
	default:
		return 0
	}
}

// Validate rejects configurations a listener cannot serve.
func (c *ServiceConfig) Validate() error {
	if !c.Service.Valid() {
		return fmt.Errorf("unknown service kind %q", c.Service)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%s: port %d out of range", c.Service, c.Port)
	}
	if !c.CredentialPolicy.Valid() {
		return fmt.Errorf("%s: unknown credential policy %q", c.Service, c.CredentialPolicy)
	}
	if c.CredentialPolicy == schemas.PolicyAcceptListed && interactive(c.Service) && len(c.Users) == 0 {
		return fmt.Errorf("%s: accept-listed policy requires configured users", c.Service)
	}
	return nil
}

func interactive(kind schemas.ServiceKind) bool {
	switch kind {
	case schemas.ServiceSSH, schemas.ServiceTelnet, schemas.ServiceFTP:
		return true
	default:
		return false
	}
}

// HostProfile is everything loaded from one host's config directory: the
// shared filesystem definition plus one config per requested service.
type HostProfile struct {
	FS       *vfs.FS
	Services map[schemas.ServiceKind]*ServiceConfig
}

// LoadHostProfile reads filesystem.json and <service>_config.json for each
// requested service from configDir. A missing service config file falls
// back to defaults; an unreadable or invalid one is fatal.
func LoadHostProfile(configDir string, services []schemas.ServiceKind) (*HostProfile, error) {
	fsPath := filepath.Join(configDir, "filesystem.json")
	fsTree, err := vfs.Load(fsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		fsTree = vfs.Empty()
	}

	profile := &HostProfile{FS: fsTree, Services: map[schemas.ServiceKind]*ServiceConfig{}}
	for _, kind := range services {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown service %q in host configuration", kind)
		}
		cfg := &ServiceConfig{}
		path := filepath.Join(configDir, string(kind)+"_config.json")
		data, rerr := os.ReadFile(path)
		switch {
		case rerr == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(rerr):
			// served with grammar defaults
		default:
			return nil, fmt.Errorf("read %s: %w", path, rerr)
		}
		cfg.applyDefaults(kind)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		profile.Services[kind] = cfg
	}
	return profile, nil
}
