package ssh

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalKexInit(t *testing.T) {
	in := kexInitMsg{
		KexAlgos:                []string{"diffie-hellman-group14-sha256", "diffie-hellman-group1-sha1"},
		ServerHostKeyAlgos:      []string{hostAlgoRSA},
		CiphersClientServer:     []string{"aes128-ctr"},
		CiphersServerClient:     []string{"aes128-ctr"},
		MACsClientServer:        []string{"hmac-sha1"},
		MACsServerClient:        []string{"hmac-sha1"},
		CompressionClientServer: []string{compressionNone},
		CompressionServerClient: []string{compressionNone},
		FirstKexFollows:         true,
	}
	in.Cookie[0] = 0xaa
	in.Cookie[15] = 0xbb

	packet := marshal(msgKexInit, in)
	require.Equal(t, uint8(msgKexInit), packet[0])

	var out kexInitMsg
	require.NoError(t, unmarshal(&out, packet, msgKexInit))

	assert.Equal(t, in.Cookie, out.Cookie)
	assert.Equal(t, in.KexAlgos, out.KexAlgos)
	assert.Equal(t, in.ServerHostKeyAlgos, out.ServerHostKeyAlgos)
	assert.Equal(t, in.CiphersClientServer, out.CiphersClientServer)
	assert.True(t, out.FirstKexFollows)
	assert.Equal(t, uint32(0), out.Reserved)
}

func TestMarshalUnmarshalKexDHInit(t *testing.T) {
	x := big.NewInt(0).SetBytes([]byte{0xff, 0x01, 0x02})
	packet := marshal(msgKexDHInit, kexDHInitMsg{X: x})

	var out kexDHInitMsg
	require.NoError(t, unmarshal(&out, packet, msgKexDHInit))
	assert.Equal(t, 0, x.Cmp(out.X))
}

func TestUnmarshalRestField(t *testing.T) {
	in := userAuthRequestMsg{
		User:    "alice",
		Service: serviceSSH,
		Method:  "publickey",
		Payload: []byte{1, 2, 3, 4},
	}
	packet := marshal(msgUserAuthRequest, in)

	var out userAuthRequestMsg
	require.NoError(t, unmarshal(&out, packet, msgUserAuthRequest))
	assert.Equal(t, in.User, out.User)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestUnmarshalWrongType(t *testing.T) {
	packet := marshal(msgDisconnect, disconnectMsg{Reason: 1})
	var out ignoreMsg
	err := unmarshal(&out, packet, msgIgnore)
	require.Error(t, err)
	var umErr UnexpectedMessageError
	require.ErrorAs(t, err, &umErr)
}

func TestUnmarshalTruncated(t *testing.T) {
	packet := []byte{msgDisconnect, 0, 0, 0, 5}
	var out disconnectMsg
	err := unmarshal(&out, packet, msgDisconnect)
	require.Error(t, err)
}

func TestDecodeRoundTrip(t *testing.T) {
	packet := marshal(msgChannelEOF, channelEOFMsg{PeersId: 7})
	msg, err := decode(packet)
	require.NoError(t, err)
	eof, ok := msg.(*channelEOFMsg)
	require.True(t, ok)
	assert.Equal(t, uint32(7), eof.PeersId)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := decode([]byte{255})
	require.Error(t, err)
}

func TestAppendHelpers(t *testing.T) {
	var buf []byte
	buf = appendU32(buf, 0x01020304)
	buf = appendString(buf, "hi")
	buf = appendBool(buf, true)

	n, rest, ok := parseUint32(buf)
	require.True(t, ok)
	assert.Equal(t, uint32(0x01020304), n)

	s, rest, ok := parseString(rest)
	require.True(t, ok)
	assert.Equal(t, "hi", string(s))
	assert.Equal(t, []byte{1}, rest)
}

func TestParseNameList(t *testing.T) {
	packet := appendString(nil, "a,b,c")
	list, _, ok := parseNameList(packet)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, list)
}

func TestParseNameListEmpty(t *testing.T) {
	packet := appendString(nil, "")
	list, _, ok := parseNameList(packet)
	require.True(t, ok)
	assert.Nil(t, list)
}
