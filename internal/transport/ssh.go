package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// Default handshake timeout for gateway connections.
const DefaultConnectTimeout = 20 * time.Second

// SSHOptions configures an SSHDialer.
type SSHOptions struct {
	// ConnectTimeout bounds TCP connect plus SSH handshake and authentication.
	ConnectTimeout time.Duration
	// KnownHostsPath enables host key verification against an OpenSSH
	// known_hosts file. Empty disables verification.
	KnownHostsPath string
	// HostKeyCallback overrides KnownHostsPath when set.
	HostKeyCallback ssh.HostKeyCallback
}

// SSHDialer dials gateways over SSH.
type SSHDialer struct {
	timeout     time.Duration
	hostKeyFunc ssh.HostKeyCallback
}

// NewSSHDialer creates an SSHDialer from opts.
func NewSSHDialer(opts SSHOptions) (*SSHDialer, error) {
	d := &SSHDialer{timeout: opts.ConnectTimeout}
	if d.timeout <= 0 {
		d.timeout = DefaultConnectTimeout
	}
	switch {
	case opts.HostKeyCallback != nil:
		d.hostKeyFunc = opts.HostKeyCallback
	case opts.KnownHostsPath != "":
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", logutil.SanitizeForLog(opts.KnownHostsPath), err)
		}
		d.hostKeyFunc = cb
	default:
		log.Printf("[ssh] WARNING: host key verification disabled (no known_hosts configured)")
		d.hostKeyFunc = ssh.InsecureIgnoreHostKey()
	}
	return d, nil
}

// Dial connects and authenticates to the gateway named by creds.
func (d *SSHDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	op := "connect " + logutil.SanitizeForLog(creds.Addr())
	if err := creds.Validate(); err != nil {
		return nil, tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopGateway, op, err)
	}
	auth, err := authMethods(creds.Auth)
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.AuthenticationFailed, tunnelerr.HopGateway, op, err)
	}

	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeyFunc,
		Timeout:         d.timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, "tcp", creds.Addr())
	if err != nil {
		return nil, classifyDialError(op, err)
	}

	// Abort the handshake if ctx ends before it completes
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { netConn.SetDeadline(time.Unix(1, 0)) })

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, creds.Addr(), config)
	stop()
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return nil, classifyDialError(op, err)
	}
	netConn.SetDeadline(time.Time{})

	c := &sshConn{
		client: ssh.NewClient(clientConn, chans, reqs),
		addr:   creds.Addr(),
		done:   make(chan struct{}),
	}
	go func() {
		c.client.Wait()
		close(c.done)
	}()
	return c, nil
}

// errCredentialsSpent stops the client from offering the same secret through
// a second method once the gateway has rejected it.
var errCredentialsSpent = errors.New("credentials already rejected by the gateway")

// submitOnce lets the secret of one dial reach the gateway a single time,
// whichever method the server picks first.
type submitOnce struct {
	used atomic.Bool
}

func (o *submitOnce) take() error {
	if o.used.Swap(true) {
		return errCredentialsSpent
	}
	return nil
}

// authMethods converts the auth variant to SSH methods. The OTP, when set,
// answers keyboard-interactive prompts that ask for a code; the password
// answers the rest. Servers that only offer the password method get the
// password and OTP concatenated, the usual "passcode" convention. Password
// methods share one submitOnce, so a wrong password costs one attempt.
func authMethods(a AuthMethod) ([]ssh.AuthMethod, error) {
	switch a := a.(type) {
	case Password:
		once := &submitOnce{}
		password := func(secret string) ssh.AuthMethod {
			return ssh.PasswordCallback(func() (string, error) {
				if err := once.take(); err != nil {
					return "", err
				}
				return secret, nil
			})
		}
		interactive := ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			// Prompts without questions are banners and send nothing
			if len(questions) == 0 {
				return nil, nil
			}
			if err := once.take(); err != nil {
				return nil, err
			}
			answers := make([]string, len(questions))
			for i, q := range questions {
				if a.OTP != "" && isOTPPrompt(q) {
					log.Printf("[ssh] answering %q with one-time code %s", logutil.SanitizeForLog(q), logutil.Mask(a.OTP))
					answers[i] = a.OTP
				} else {
					answers[i] = a.Secret
				}
			}
			return answers, nil
		})
		if a.OTP == "" {
			return []ssh.AuthMethod{password(a.Secret), interactive}, nil
		}
		return []ssh.AuthMethod{interactive, password(a.Secret + a.OTP)}, nil
	case PrivateKey:
		signer, err := ssh.ParsePrivateKey(a.PEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case PrivateKeyWithPassphrase:
		signer, err := ssh.ParsePrivateKeyWithPassphrase(a.PEM, []byte(a.Passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key with passphrase: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case nil:
		return nil, fmt.Errorf("no authentication method")
	default:
		return nil, fmt.Errorf("unsupported authentication method %T", a)
	}
}

func isOTPPrompt(q string) bool {
	q = strings.ToLower(q)
	for _, hint := range []string{"code", "otp", "token", "passcode", "verification", "one-time"} {
		if strings.Contains(q, hint) {
			return true
		}
	}
	return false
}

type sshConn struct {
	client    *ssh.Client
	addr      string
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (c *sshConn) OpenChannel(ctx context.Context, host string, port int) (net.Conn, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	op := "open channel " + logutil.SanitizeForLog(target)
	select {
	case <-c.done:
		return nil, tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, op,
			fmt.Errorf("connection to %s is closed", c.addr))
	default:
	}
	conn, err := c.client.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, classifyChannelError(op, err)
	}
	return conn, nil
}

func (c *sshConn) Alive(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, "keepalive", err)
		}
		return nil
	case <-c.done:
		return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, "keepalive",
			fmt.Errorf("connection to %s is closed", c.addr))
	case <-ctx.Done():
		return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, "keepalive", ctx.Err())
	}
}

func (c *sshConn) Done() <-chan struct{} { return c.done }

func (c *sshConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
