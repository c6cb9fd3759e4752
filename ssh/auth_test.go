package ssh

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickNextMethodNoFilter(t *testing.T) {
	methods := []ClientAuth{Password("a"), Password("b")}
	next, rest := pickNextMethod(methods, nil)
	assert.Equal(t, methods[0], next)
	assert.Len(t, rest, 1)
}

func TestPickNextMethodFiltered(t *testing.T) {
	pw := Password("secret")
	kbd := &KeyboardInteractive{}
	methods := []ClientAuth{pw, kbd}

	next, rest := pickNextMethod(methods, []string{"keyboard-interactive"})
	assert.Same(t, kbd, next)
	assert.Equal(t, []ClientAuth{pw}, rest)
}

func TestPickNextMethodFilteredNoMatch(t *testing.T) {
	methods := []ClientAuth{Password("a")}
	next, rest := pickNextMethod(methods, []string{"publickey"})
	assert.Nil(t, next)
	assert.Equal(t, methods, rest)
}

func TestParseInfoRequest(t *testing.T) {
	var payload []byte
	payload = append(payload, msgUserAuthInfoRequest)
	payload = appendString(payload, "auth-name")
	payload = appendString(payload, "enter your password")
	payload = appendString(payload, "")
	payload = appendU32(payload, 2)
	payload = appendString(payload, "Password:")
	payload = append(payload, 0)
	payload = appendString(payload, "Verification code:")
	payload = append(payload, 1)

	name, instruction, prompts, err := parseInfoRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, "auth-name", name)
	assert.Equal(t, "enter your password", instruction)
	require.Len(t, prompts, 2)
	assert.Equal(t, "Password:", prompts[0].Text)
	assert.False(t, prompts[0].Echo)
	assert.Equal(t, "Verification code:", prompts[1].Text)
	assert.True(t, prompts[1].Echo)
}

func TestParseInfoRequestMalformed(t *testing.T) {
	_, _, _, err := parseInfoRequest([]byte{msgUserAuthInfoRequest})
	require.Error(t, err)
}

func TestMarshalInfoResponseEncodesEachResponseAsItsOwnString(t *testing.T) {
	buf := marshalInfoResponse([]string{"pw", "123456"})

	require.NotEmpty(t, buf)
	assert.Equal(t, uint8(msgUserAuthInfoResponse), buf[0])

	n, rest, ok := parseUint32(buf[1:])
	require.True(t, ok)
	assert.EqualValues(t, 2, n)

	first, rest, ok := parseString(rest)
	require.True(t, ok)
	assert.Equal(t, "pw", string(first))

	second, rest, ok := parseString(rest)
	require.True(t, ok)
	assert.Equal(t, "123456", string(second))
	assert.Empty(t, rest)
}

func TestMarshalInfoResponseEmpty(t *testing.T) {
	buf := marshalInfoResponse(nil)
	n, rest, ok := parseUint32(buf[1:])
	require.True(t, ok)
	assert.EqualValues(t, 0, n)
	assert.Empty(t, rest)
}

func newAuthenticatorPair(t *testing.T, cfg *ClientConfig) (*userAuthenticator, *framer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	clientFramer := newFramer(client, nil)
	a := newUserAuthenticator(clientFramer, cfg, &fakeCloser{}, testLog(), []byte("session-id"), nil, nil)
	return a, newFramer(server, nil)
}

func TestExecAuthenticationPasswordSuccess(t *testing.T) {
	a, serverFramer := newAuthenticatorPair(t, &ClientConfig{User: "alice"})

	go func() {
		// service request
		if _, err := serverFramer.readPacket(); err != nil {
			return
		}
		serverFramer.writePacket(marshal(msgServiceAccept, serviceAcceptMsg{Service: serviceUserAuth}))

		// password auth request
		if _, err := serverFramer.readPacket(); err != nil {
			return
		}
		serverFramer.writePacket(marshal(msgUserAuthSuccess, userAuthSuccessMsg{}))
	}()
	pumpInbound(a.fr, func(p []byte) { a.interceptPacket(p) })

	state, err := a.ExecAuthentication([]ClientAuth{Password("hunter2")})
	require.NoError(t, err)
	assert.Equal(t, authSuccessReceived, state)
}

func TestExecAuthenticationFailureExhaustsMethods(t *testing.T) {
	a, serverFramer := newAuthenticatorPair(t, &ClientConfig{User: "alice"})

	go func() {
		if _, err := serverFramer.readPacket(); err != nil {
			return
		}
		serverFramer.writePacket(marshal(msgServiceAccept, serviceAcceptMsg{Service: serviceUserAuth}))

		if _, err := serverFramer.readPacket(); err != nil {
			return
		}
		serverFramer.writePacket(marshal(msgUserAuthFailure, userAuthFailureMsg{Methods: nil, PartialSuccess: false}))
	}()
	pumpInbound(a.fr, func(p []byte) { a.interceptPacket(p) })

	state, err := a.ExecAuthentication([]ClientAuth{Password("wrong")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, authFailureReceived, state)
}

func TestInterceptPacketIgnoresWhenIdle(t *testing.T) {
	a, _ := newAuthenticatorPair(t, &ClientConfig{})
	result := a.interceptPacket(marshal(msgUserAuthSuccess, userAuthSuccessMsg{}))
	assert.Equal(t, passThrough, result)
}

func TestInterceptPacketBannerCallsHandler(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var seen string
	a := newUserAuthenticator(newFramer(client, nil), &ClientConfig{}, &fakeCloser{}, testLog(), nil, func(m string) { seen = m }, nil)
	a.mu.Lock()
	a.state = authWaitResponse
	a.mu.Unlock()

	banner := marshal(msgUserAuthBanner, userAuthBannerMsg{Message: "welcome\x01here"})
	result := a.interceptPacket(banner)
	assert.Equal(t, consumed, result)
	assert.Equal(t, "welcome here", seen)
}
