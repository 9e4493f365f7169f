// Package profile loads launch profiles: YAML files naming the gateways and
// tunnels the daemon should bring up at start, in one batch.
//
//	otp: true
//	gateways:
//	  bastion:
//	    host: bastion.example.com
//	    username: ops
//	    key_file: ~/.ssh/id_ed25519
//	tunnels:
//	  - id: control-room-1
//	    gateway: bastion
//	    target_host: 10.0.0.5
//	    target_port: 3389
//
// Secrets may be inline, taken from an environment variable, or prompted
// for by the caller; see MissingPasswords.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshtunnel"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
)

const defaultPort = 22

// Gateway describes one SSH gateway and how to authenticate to it.
type Gateway struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PasswordEnv   string `yaml:"password_env"`
	KeyFile       string `yaml:"key_file"`
	Passphrase    string `yaml:"passphrase"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Address returns "user@host:port" for prompts and logs.
func (g Gateway) Address() string {
	port := g.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s@%s:%d", g.Username, g.Host, port)
}

// Tunnel describes one forwarded target.
type Tunnel struct {
	ID         string `yaml:"id"`
	Gateway    string `yaml:"gateway"`
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`
}

// Profile is a parsed launch profile.
type Profile struct {
	// OTP asks for one passcode shared by every tunnel in the profile.
	OTP      bool               `yaml:"otp"`
	Gateways map[string]Gateway `yaml:"gateways"`
	Tunnels  []Tunnel           `yaml:"tunnels"`
}

// Load reads and validates the profile at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a profile. Unknown keys are rejected so typos
// do not silently drop settings.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("profile is empty")
		}
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks references and required fields.
func (p *Profile) Validate() error {
	if len(p.Gateways) == 0 {
		return fmt.Errorf("no gateways defined")
	}
	if len(p.Tunnels) == 0 {
		return fmt.Errorf("no tunnels defined")
	}
	for name, g := range p.Gateways {
		if g.Host == "" || g.Username == "" {
			return fmt.Errorf("gateway %q: host and username are required", name)
		}
		if g.KeyFile != "" && (g.Password != "" || g.PasswordEnv != "") {
			return fmt.Errorf("gateway %q: key_file and password are mutually exclusive", name)
		}
	}
	seen := make(map[string]bool, len(p.Tunnels))
	for i, t := range p.Tunnels {
		if t.ID == "" {
			return fmt.Errorf("tunnels[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tunnels[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if _, err := p.gatewayFor(t); err != nil {
			return fmt.Errorf("tunnel %q: %w", t.ID, err)
		}
		if t.TargetHost == "" || t.TargetPort <= 0 || t.TargetPort > 65535 {
			return fmt.Errorf("tunnel %q: invalid target %q:%d", t.ID, t.TargetHost, t.TargetPort)
		}
	}
	return nil
}

// gatewayFor resolves a tunnel's gateway. The reference may be omitted when
// the profile defines exactly one gateway.
func (p *Profile) gatewayFor(t Tunnel) (string, error) {
	if t.Gateway == "" {
		if len(p.Gateways) == 1 {
			for name := range p.Gateways {
				return name, nil
			}
		}
		return "", fmt.Errorf("gateway is required when the profile defines several")
	}
	if _, ok := p.Gateways[t.Gateway]; !ok {
		return "", fmt.Errorf("unknown gateway %q", t.Gateway)
	}
	return t.Gateway, nil
}

// MissingPasswords lists, sorted, the password gateways whose secret is
// neither inline nor in the environment. The caller prompts for these.
func (p *Profile) MissingPasswords() []string {
	var names []string
	for name, g := range p.Gateways {
		if g.KeyFile != "" {
			continue
		}
		if g.Password == "" && lookupEnv(g.PasswordEnv) == "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Requests builds the batch for the profile. prompted supplies passwords
// by gateway name for those listed by MissingPasswords.
func (p *Profile) Requests(prompted map[string]string) ([]sshtunnel.BatchRequest, error) {
	creds := make(map[string]transport.Credentials, len(p.Gateways))
	for name, g := range p.Gateways {
		c, err := g.credentials(prompted[name])
		if err != nil {
			return nil, fmt.Errorf("gateway %q: %w", name, err)
		}
		creds[name] = c
	}

	reqs := make([]sshtunnel.BatchRequest, 0, len(p.Tunnels))
	for _, t := range p.Tunnels {
		name, err := p.gatewayFor(t)
		if err != nil {
			return nil, fmt.Errorf("tunnel %q: %w", t.ID, err)
		}
		reqs = append(reqs, sshtunnel.BatchRequest{
			ID:         t.ID,
			Creds:      creds[name],
			TargetHost: t.TargetHost,
			TargetPort: t.TargetPort,
		})
	}
	return reqs, nil
}

func (g Gateway) credentials(prompted string) (transport.Credentials, error) {
	c := transport.Credentials{Host: g.Host, Port: g.Port, Username: g.Username}
	if c.Port == 0 {
		c.Port = defaultPort
	}

	if g.KeyFile != "" {
		pem, err := os.ReadFile(expandHome(g.KeyFile))
		if err != nil {
			return c, fmt.Errorf("read key file: %w", err)
		}
		passphrase := g.Passphrase
		if passphrase == "" {
			passphrase = lookupEnv(g.PassphraseEnv)
		}
		if passphrase != "" {
			c.Auth = transport.PrivateKeyWithPassphrase{PEM: pem, Passphrase: passphrase}
		} else {
			c.Auth = transport.PrivateKey{PEM: pem}
		}
	} else {
		secret := g.Password
		if secret == "" {
			secret = lookupEnv(g.PasswordEnv)
		}
		if secret == "" {
			secret = prompted
		}
		c.Auth = transport.Password{Secret: secret}
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func lookupEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
