// Package transport wraps the secure transport engine behind two small
// interfaces. A Dialer connects and authenticates to a gateway; the resulting
// Conn opens forwarding channels to targets reachable from that gateway.
//
// The SSH implementation lives in ssh.go. Tests use the in-memory fake in
// the transporttest subpackage.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// Conn is one authenticated connection to a gateway.
type Conn interface {
	// OpenChannel opens a bidirectional data channel to host:port as seen
	// from the gateway. Failures are *tunnelerr.Error values.
	OpenChannel(ctx context.Context, host string, port int) (net.Conn, error)
	// Alive sends a keepalive round trip and reports transport liveness.
	Alive(ctx context.Context) error
	// Done is closed once the underlying connection has terminated.
	Done() <-chan struct{}
	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// Dialer connects and authenticates to a gateway.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// AuthMethod is one of Password, PrivateKey or PrivateKeyWithPassphrase.
type AuthMethod interface {
	authMethod()
	// Kind names the variant for logs and serialization.
	Kind() string
}

// Password authenticates with a secret and an optional one-time passcode.
type Password struct {
	Secret string
	OTP    string
}

// PrivateKey authenticates with an unencrypted PEM private key.
type PrivateKey struct {
	PEM []byte
}

// PrivateKeyWithPassphrase authenticates with an encrypted PEM private key.
type PrivateKeyWithPassphrase struct {
	PEM        []byte
	Passphrase string
}

func (Password) authMethod()                 {}
func (PrivateKey) authMethod()               {}
func (PrivateKeyWithPassphrase) authMethod() {}

func (Password) Kind() string                 { return "password" }
func (PrivateKey) Kind() string               { return "key" }
func (PrivateKeyWithPassphrase) Kind() string { return "key+passphrase" }

// Credentials identify a gateway and how to authenticate to it.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Auth     AuthMethod
}

// Addr returns host:port for dialing.
func (c Credentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks that the credentials are complete.
func (c Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("gateway host is empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("gateway username is empty")
	}
	switch a := c.Auth.(type) {
	case Password:
		if a.Secret == "" && a.OTP == "" {
			return fmt.Errorf("password is empty")
		}
	case PrivateKey:
		if len(a.PEM) == 0 {
			return fmt.Errorf("private key is empty")
		}
	case PrivateKeyWithPassphrase:
		if len(a.PEM) == 0 {
			return fmt.Errorf("private key is empty")
		}
	case nil:
		return fmt.Errorf("no authentication method")
	default:
		return fmt.Errorf("unsupported authentication method %T", a)
	}
	return nil
}

// WithOTP merges a one-time passcode into the credentials. Only the password
// variant carries an OTP; for key variants the credentials are returned
// unchanged and applied is false.
func (c Credentials) WithOTP(otp string) (merged Credentials, applied bool) {
	if otp == "" {
		return c, false
	}
	switch a := c.Auth.(type) {
	case Password:
		a.OTP = otp
		c.Auth = a
		return c, true
	case PrivateKey, PrivateKeyWithPassphrase:
		return c, false
	default:
		return c, false
	}
}

type credentialsWire struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Method     string `json:"method"`
	Secret     string `json:"secret,omitempty"`
	OTP        string `json:"otp,omitempty"`
	KeyPEM     []byte `json:"key_pem,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Encode serializes the credentials including secrets. The output must only
// be stored sealed.
func (c Credentials) Encode() ([]byte, error) {
	w := credentialsWire{Host: c.Host, Port: c.Port, Username: c.Username}
	switch a := c.Auth.(type) {
	case Password:
		w.Method, w.Secret, w.OTP = a.Kind(), a.Secret, a.OTP
	case PrivateKey:
		w.Method, w.KeyPEM = a.Kind(), a.PEM
	case PrivateKeyWithPassphrase:
		w.Method, w.KeyPEM, w.Passphrase = a.Kind(), a.PEM, a.Passphrase
	default:
		return nil, fmt.Errorf("encode credentials: unsupported authentication method %T", a)
	}
	return json.Marshal(w)
}

// DecodeCredentials reverses Encode.
func DecodeCredentials(data []byte) (Credentials, error) {
	var w credentialsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	c := Credentials{Host: w.Host, Port: w.Port, Username: w.Username}
	switch w.Method {
	case Password{}.Kind():
		c.Auth = Password{Secret: w.Secret, OTP: w.OTP}
	case PrivateKey{}.Kind():
		c.Auth = PrivateKey{PEM: w.KeyPEM}
	case PrivateKeyWithPassphrase{}.Kind():
		c.Auth = PrivateKeyWithPassphrase{PEM: w.KeyPEM, Passphrase: w.Passphrase}
	default:
		return Credentials{}, fmt.Errorf("decode credentials: unknown method %q", w.Method)
	}
	return c, nil
}
