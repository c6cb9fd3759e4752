package ssh

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// authState is the per-method-attempt state machine:
// {WaitResponse, BannerReceived, SuccessReceived, FailureReceived}, plus
// Idle (before ExecAuthentication) and AwaitingPromptResponse (the
// async keyboard-interactive status).
type authState int

const (
	authIdle authState = iota
	authWaitResponse
	authBannerReceived
	authSuccessReceived
	authFailureReceived
	authAwaitingPromptResponse
)

// Prompt is one (text, echo) pair within a keyboard-interactive
// INFO_REQUEST, per RFC 4252 section 3.3.
type Prompt struct {
	Text string
	Echo bool
}

// KeyboardInteractiveHandler answers a keyboard-interactive prompt round.
// It may block for arbitrary user input, which is explicitly exempt from
// the 5s response timeout.
type KeyboardInteractiveHandler func(name, instruction string, prompts []Prompt) (responses []string, err error)

// authTransport is the capability a ClientAuth method uses to talk to the
// server and wait for its response, without reaching into the
// authenticator's internals.
type authTransport interface {
	User() string
	SessionID() []byte
	Rand() io.Reader
	Send(payload []byte) error
	// Await blocks (up to the 5s per-step timeout) for the next
	// authentication-related packet that is not a banner.
	Await() ([]byte, error)
}

// ClientAuth is one configured authentication method.
type ClientAuth interface {
	method() string
	auth(t authTransport) (success bool, methodsCanContinue []string, err error)
}

// Password implements the "password" method.
type Password string

func (Password) method() string { return "password" }

func (p Password) auth(t authTransport) (bool, []string, error) {
	req := userAuthRequestMsg{
		User:    t.User(),
		Service: serviceSSH,
		Method:  "password",
	}
	payload := appendBool(nil, false)
	payload = appendString(payload, string(p))
	req.Payload = payload

	if err := t.Send(marshal(msgUserAuthRequest, req)); err != nil {
		return false, nil, err
	}
	return awaitSuccessOrFailure(t)
}

// PublicKeyAuth implements the "publickey" method: proof of possession of
// signer's private key, no passphrase handling here (the on-disk key file
// decoder is an external collaborator).
type PublicKeyAuth struct {
	Signer PrivateKey
}

func (PublicKeyAuth) method() string { return "publickey" }

func (a PublicKeyAuth) auth(t authTransport) (bool, []string, error) {
	pub := a.Signer.PublicKey()
	pubKeyBlob := MarshalPublicKey(pub)
	algo := pub.PublicKeyAlgo()

	req := userAuthRequestMsg{
		User:    t.User(),
		Service: serviceSSH,
		Method:  "publickey",
	}
	payload := appendBool(nil, true)
	payload = appendString(payload, algo)
	payload = appendString(payload, string(pubKeyBlob))
	req.Payload = payload

	signed := buildDataSignedForAuth(t.SessionID(), req, []byte(algo), pubKeyBlob)
	sig, err := a.Signer.Sign(t.Rand(), signed)
	if err != nil {
		return false, nil, errors.Wrap(err, "publickey: sign")
	}
	// The signature itself is always tagged with the underlying signing
	// algorithm, even when algo above names an OpenSSH certificate type:
	// the cert's signature format is its base key's.
	req.Payload = appendString(req.Payload, string(serializeSignature(pub.PrivateKeyAlgo(), sig)))

	if err := t.Send(marshal(msgUserAuthRequest, req)); err != nil {
		return false, nil, err
	}
	return awaitSuccessOrFailure(t)
}

// awaitSuccessOrFailure waits for the SUCCESS or FAILURE answering a single
// method attempt. Banners are consumed by interceptPacket and never reach it.
func awaitSuccessOrFailure(t authTransport) (bool, []string, error) {
	for {
		payload, err := t.Await()
		if err != nil {
			return false, nil, err
		}
		if len(payload) == 0 {
			return false, nil, errors.New("ssh: empty auth response")
		}
		switch payload[0] {
		case msgUserAuthSuccess:
			return true, nil, nil
		case msgUserAuthFailure:
			var f userAuthFailureMsg
			if err := unmarshal(&f, payload, msgUserAuthFailure); err != nil {
				return false, nil, err
			}
			return false, f.Methods, nil
		default:
			return false, nil, errors.Errorf("ssh: unexpected auth response type %d", payload[0])
		}
	}
}

// userAuthenticator is the User Authenticator interceptor: it owns
// SERVICE_ACCEPT, USERAUTH_FAILURE/SUCCESS/BANNER/INFO_REQUEST while an
// authentication exchange is active.
type userAuthenticator struct {
	fr   *framer
	cfg  *ClientConfig
	conn closer
	log  *logrus.Entry

	sessionID []byte

	mu    sync.Mutex
	state authState
	slot  *responseSlot

	bannerHandler func(message string)

	spawn func(task func() error)

	// onComplete fires once, when the asynchronous keyboard-interactive
	// loop finishes.
	onComplete func(success bool, err error)
}

func newUserAuthenticator(fr *framer, cfg *ClientConfig, conn closer, log *logrus.Entry, sessionID []byte, bannerHandler func(string), spawn func(func() error)) *userAuthenticator {
	if bannerHandler == nil {
		bannerHandler = func(string) {}
	}
	if spawn == nil {
		spawn = func(task func() error) { go task() }
	}
	return &userAuthenticator{fr: fr, cfg: cfg, conn: conn, log: log, sessionID: sessionID, state: authIdle, bannerHandler: bannerHandler, spawn: spawn}
}

func (a *userAuthenticator) interceptPacket(payload []byte) interceptResult {
	if len(payload) == 0 {
		return passThrough
	}
	opcode := payload[0]

	a.mu.Lock()
	state := a.state
	slot := a.slot
	a.mu.Unlock()

	if state == authIdle {
		return passThrough
	}

	switch opcode {
	case msgUserAuthBanner:
		var banner userAuthBannerMsg
		if err := unmarshal(&banner, payload, msgUserAuthBanner); err == nil {
			a.bannerHandler(safeString(banner.Message))
		}
		return consumed
	case msgServiceAccept, msgUserAuthFailure, msgUserAuthSuccess, msgUserAuthInfoRequest:
		if slot != nil {
			slot.deliver(payload)
		}
		return consumed
	}
	return passThrough
}

func (a *userAuthenticator) onConnectionClosed() {
	a.mu.Lock()
	slot := a.slot
	a.mu.Unlock()
	if slot != nil {
		slot.closeSlot()
	}
}

// user, rand, send, await implement authTransport for the methods above,
// serialized against the authenticator's own request/response cycle.
func (a *userAuthenticator) User() string      { return a.cfg.User }
func (a *userAuthenticator) SessionID() []byte { return a.sessionID }
func (a *userAuthenticator) Rand() io.Reader   { return a.cfg.rand() }

func (a *userAuthenticator) Send(payload []byte) error {
	return a.fr.writePacket(payload)
}

func (a *userAuthenticator) Await() ([]byte, error) {
	a.mu.Lock()
	slot := a.slot
	a.mu.Unlock()
	return slot.waitTimeout()
}

// ExecAuthentication drives the RFC 4252 service request and then tries
// methods in configured order, honoring RFC 4252 5.1 partial-success
// continuation: after any FAILURE, the next attempt is drawn from the
// intersection of the server's
// methods-that-can-continue and the caller's remaining configured methods,
// not simply the next entry in Auth.
func (a *userAuthenticator) ExecAuthentication(methods []ClientAuth) (authState, error) {
	a.mu.Lock()
	a.state = authWaitResponse
	a.slot = newResponseSlot()
	a.mu.Unlock()

	if err := a.fr.writePacket(marshal(msgServiceRequest, serviceRequestMsg{Service: serviceUserAuth})); err != nil {
		return a.fail(err)
	}
	payload, err := a.slot.waitTimeout()
	if err != nil {
		return a.fail(err)
	}
	var accept serviceAcceptMsg
	if err := unmarshal(&accept, payload, msgServiceAccept); err != nil {
		return a.fail(err)
	}
	if accept.Service != serviceUserAuth {
		return a.fail(errors.Errorf("ssh: unexpected service accept %q", accept.Service))
	}

	remaining := append([]ClientAuth(nil), methods...)
	var allowed []string // nil means "any configured method may be tried"

	for len(remaining) > 0 {
		next, rest := pickNextMethod(remaining, allowed)
		if next == nil {
			break
		}
		remaining = rest

		a.mu.Lock()
		a.slot = newResponseSlot()
		a.mu.Unlock()

		if kbd, ok := next.(*KeyboardInteractive); ok {
			a.mu.Lock()
			a.state = authAwaitingPromptResponse
			a.mu.Unlock()
			a.spawn(func() error { return a.runKeyboardInteractive(kbd) })
			return authAwaitingPromptResponse, nil
		}

		success, methodsCanContinue, err := next.auth(a)
		if err != nil {
			return a.fail(err)
		}
		if success {
			a.mu.Lock()
			a.state = authSuccessReceived
			a.mu.Unlock()
			a.cfg.metrics().AuthAttempt(next.method(), true)
			return authSuccessReceived, nil
		}
		a.cfg.metrics().AuthAttempt(next.method(), false)
		allowed = methodsCanContinue
	}

	a.mu.Lock()
	a.state = authFailureReceived
	a.mu.Unlock()
	err = errors.WithStack(ErrAuthenticationFailed)
	a.conn.Close(err)
	return authFailureReceived, err
}

// pickNextMethod returns the first untried method in order, filtered by
// allowed if non-nil, and the remaining slice with it removed.
func pickNextMethod(methods []ClientAuth, allowed []string) (ClientAuth, []ClientAuth) {
	if allowed == nil {
		if len(methods) == 0 {
			return nil, methods
		}
		return methods[0], methods[1:]
	}
	for i, m := range methods {
		for _, name := range allowed {
			if m.method() == name {
				rest := append(append([]ClientAuth(nil), methods[:i]...), methods[i+1:]...)
				return m, rest
			}
		}
	}
	return nil, methods
}

// runKeyboardInteractive drives the asynchronous multi-prompt loop. It
// fires a.onComplete exactly once on completion.
func (a *userAuthenticator) runKeyboardInteractive(kbd *KeyboardInteractive) error {
	req := userAuthRequestMsg{
		User:    a.cfg.User,
		Service: serviceSSH,
		Method:  "keyboard-interactive",
	}
	payload := appendString(nil, "")
	payload = appendString(payload, "")
	req.Payload = payload

	if err := a.fr.writePacket(marshal(msgUserAuthRequest, req)); err != nil {
		a.completeKeyboardInteractive(false, err)
		return err
	}

	for {
		a.mu.Lock()
		slot := a.slot
		a.mu.Unlock()
		ev := slot.wait()
		if ev.closed {
			err := errors.WithStack(ErrConnectionClosed)
			a.completeKeyboardInteractive(false, err)
			return err
		}
		payload := ev.payload
		if len(payload) == 0 {
			err := errors.New("ssh: empty keyboard-interactive response")
			a.completeKeyboardInteractive(false, err)
			return err
		}

		switch payload[0] {
		case msgUserAuthSuccess:
			a.completeKeyboardInteractive(true, nil)
			return nil
		case msgUserAuthFailure:
			var f userAuthFailureMsg
			if err := unmarshal(&f, payload, msgUserAuthFailure); err != nil {
				a.completeKeyboardInteractive(false, err)
				return err
			}
			if f.PartialSuccess {
				// another factor is expected; the server is expected to
				// follow with another INFO_REQUEST for it.
				continue
			}
			err := errors.WithStack(ErrAuthenticationFailed)
			a.completeKeyboardInteractive(false, err)
			return err
		case msgUserAuthInfoRequest:
			name, instruction, prompts, err := parseInfoRequest(payload)
			if err != nil {
				a.completeKeyboardInteractive(false, err)
				return err
			}
			responses, herr := kbd.Handler(name, instruction, prompts)
			if herr != nil {
				a.completeKeyboardInteractive(false, herr)
				return herr
			}
			a.mu.Lock()
			a.slot = newResponseSlot()
			a.mu.Unlock()
			if err := a.fr.writePacket(marshalInfoResponse(responses)); err != nil {
				a.completeKeyboardInteractive(false, err)
				return err
			}
		}
	}
}

func (a *userAuthenticator) completeKeyboardInteractive(success bool, err error) {
	a.mu.Lock()
	if success {
		a.state = authSuccessReceived
	} else {
		a.state = authFailureReceived
	}
	a.mu.Unlock()
	a.cfg.metrics().AuthAttempt("keyboard-interactive", success)
	if a.onComplete != nil {
		a.onComplete(success, err)
	}
	if !success {
		a.conn.Close(err)
	}
}

// parseInfoRequest parses a SSH_MSG_USERAUTH_INFO_REQUEST, per RFC 4252
// section 3.3. It is parsed by hand rather than through the generic
// struct-reflection decoder in wire.go because the trailing
// (prompt, echo)[] list has a length driven by an earlier field
// (num-prompts), which the generic decoder has no notation for.
func parseInfoRequest(payload []byte) (name, instruction string, prompts []Prompt, err error) {
	in := payload[1:]
	var nameBytes, instrBytes, langBytes []byte
	var ok bool
	if nameBytes, in, ok = parseString(in); !ok {
		return "", "", nil, errors.New("ssh: malformed INFO_REQUEST name")
	}
	if instrBytes, in, ok = parseString(in); !ok {
		return "", "", nil, errors.New("ssh: malformed INFO_REQUEST instruction")
	}
	if langBytes, in, ok = parseString(in); !ok {
		return "", "", nil, errors.New("ssh: malformed INFO_REQUEST language")
	}
	_ = langBytes
	numPrompts, in, ok := parseUint32(in)
	if !ok {
		return "", "", nil, errors.New("ssh: malformed INFO_REQUEST num-prompts")
	}

	prompts = make([]Prompt, 0, numPrompts)
	for i := uint32(0); i < numPrompts; i++ {
		text, rest, ok := parseString(in)
		if !ok {
			return "", "", nil, errors.New("ssh: malformed INFO_REQUEST prompt")
		}
		if len(rest) < 1 {
			return "", "", nil, errors.New("ssh: malformed INFO_REQUEST echo flag")
		}
		echo := rest[0] != 0
		in = rest[1:]
		prompts = append(prompts, Prompt{Text: string(text), Echo: echo})
	}
	return string(nameBytes), string(instrBytes), prompts, nil
}

// marshalInfoResponse builds a SSH_MSG_USERAUTH_INFO_RESPONSE. It is built by
// hand rather than through the generic struct-reflection encoder in wire.go
// because RFC 4256 3.4 requires each response to be its own length-prefixed
// SSH string; the generic []string field instead joins its elements into a
// single comma-separated name-list, which is wrong here (a response
// containing a comma would be split into multiple values on the wire).
func marshalInfoResponse(responses []string) []byte {
	length := 1 + 4
	for _, r := range responses {
		length += stringLength(len(r))
	}
	buf := make([]byte, 1, length)
	buf[0] = msgUserAuthInfoResponse
	buf = appendUint32(buf, uint32(len(responses)))
	for _, r := range responses {
		buf = appendStringField(buf, []byte(r))
	}
	return buf
}

func (a *userAuthenticator) fail(err error) (authState, error) {
	a.mu.Lock()
	a.state = authFailureReceived
	a.mu.Unlock()
	wrapped := errors.Wrap(err, "userauth")
	a.log.WithError(wrapped).Error("authentication failed")
	a.conn.Close(wrapped)
	return authFailureReceived, wrapped
}

// KeyboardInteractive implements the "keyboard-interactive" method. It is
// handled specially by userAuthenticator.ExecAuthentication because its
// loop runs asynchronously.
type KeyboardInteractive struct {
	Handler KeyboardInteractiveHandler
}

func (*KeyboardInteractive) method() string { return "keyboard-interactive" }

func (k *KeyboardInteractive) auth(t authTransport) (bool, []string, error) {
	return false, nil, errors.New("ssh: keyboard-interactive must be driven by userAuthenticator.runKeyboardInteractive")
}
