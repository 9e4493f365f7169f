package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// classifyDialError maps a failure while connecting or authenticating to the
// gateway onto the error taxonomy.
func classifyDialError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isAuthError(err) {
		return tunnelerr.New(tunnelerr.AuthenticationFailed, tunnelerr.HopGateway, op, err)
	}
	return tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopGateway, op, err)
}

// x/crypto/ssh reports client auth failures only as a formatted handshake error.
func isAuthError(err error) bool {
	if errors.Is(err, errCredentialsSpent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, errCredentialsSpent.Error()) ||
		strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

// classifyChannelError maps a failure to open a forwarding channel onto the
// error taxonomy. The gateway's reject message is the only hint about what
// went wrong at the target, so it is matched loosely.
func classifyChannelError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tunnelerr.Rejected(tunnelerr.ReasonTimeout, op, err)
	}
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) {
		switch oce.Reason {
		case ssh.Prohibited:
			return tunnelerr.Rejected(tunnelerr.ReasonProhibited, op, err)
		case ssh.ConnectionFailed:
			return tunnelerr.Rejected(reasonFromMessage(oce.Message), op, err)
		default:
			return tunnelerr.Rejected(tunnelerr.ReasonUnknown, op, err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return tunnelerr.Rejected(tunnelerr.ReasonTimeout, op, err)
	}
	// Anything else means the transport itself could not carry the request.
	return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, op, err)
}

func reasonFromMessage(msg string) tunnelerr.Reason {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "refused"):
		return tunnelerr.ReasonRefused
	case strings.Contains(m, "timed out"), strings.Contains(m, "timeout"):
		return tunnelerr.ReasonTimeout
	case strings.Contains(m, "no route"), strings.Contains(m, "unreachable"),
		strings.Contains(m, "no such host"), strings.Contains(m, "resolve"):
		return tunnelerr.ReasonNoRoute
	default:
		return tunnelerr.ReasonUnknown
	}
}

// ChannelOpenFailed builds the error a gateway would produce for a target
// that cannot be reached. Used by fakes that mimic the SSH reject messages.
func ChannelOpenFailed(host string, port int, message string) error {
	return classifyChannelError(fmt.Sprintf("open channel %s:%d", host, port),
		&ssh.OpenChannelError{Reason: ssh.ConnectionFailed, Message: message})
}
