package ssh

import "github.com/pkg/errors"

// Sentinel errors for the fatal-error taxonomy. Callers
// compare against these with errors.Is; this package always wraps them
// with github.com/pkg/errors so a stack trace and any packet-specific
// detail survive the trip up to the caller of Connect/Dial.
var (
	// ErrHandshakeFailed covers a failure during the version exchange; a
	// failed initial key exchange is returned wrapped with "kex" instead.
	ErrHandshakeFailed = errors.New("ssh: handshake failed")

	// ErrNegotiationFailed is returned when client and server KEXINIT
	// messages share no common kex, host-key, cipher, MAC, or
	// compression algorithm.
	ErrNegotiationFailed = errors.New("ssh: algorithm negotiation failed")

	// ErrAuthenticationFailed is returned when every configured
	// authentication method has been exhausted without a SUCCESS.
	ErrAuthenticationFailed = errors.New("ssh: authentication failed")

	// ErrResponseTimeout is returned when a KEX, auth, or port-forward
	// step does not receive its expected response within the per-step
	// timeout.
	ErrResponseTimeout = errors.New("ssh: timed out waiting for response")

	// ErrConnectionClosed is returned to any in-flight caller unblocked
	// by OnConnectionClosed.
	ErrConnectionClosed = errors.New("ssh: connection closed")

	// ErrHostKeyMismatch is returned when the configured host-key
	// verification callback rejects the server's key.
	ErrHostKeyMismatch = errors.New("ssh: host key verification failed")

	// ErrSequenceOverflow names a wrap of a direction's sequence number.
	// No code path in this package returns it: the framer's u32 sequence
	// numbers wrap silently.
	ErrSequenceOverflow = errors.New("ssh: sequence number overflow")

	// ErrProtocolViolation is returned for a well-formed-but-illegal
	// packet: a channel message naming an unknown channel, a data
	// message whose declared length disagrees with the bytes that
	// follow it, and similar RFC 4254 framing violations.
	ErrProtocolViolation = errors.New("ssh: protocol violation")
)
