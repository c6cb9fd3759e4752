package ssh

import (
	"fmt"
	"math/big"
	"reflect"
)

// Message numbers as defined in RFC 4253, RFC 4252 and RFC 4254.
const (
	msgDisconnect     = 1
	msgIgnore         = 2
	msgUnimplemented  = 3
	msgDebug          = 4
	msgServiceRequest = 5
	msgServiceAccept  = 6

	msgKexInit  = 20
	msgNewKeys  = 21
	msgKexDHInit  = 30
	msgKexDHReply = 31

	msgUserAuthRequest    = 50
	msgUserAuthFailure    = 51
	msgUserAuthSuccess    = 52
	msgUserAuthBanner     = 53
	msgUserAuthInfoRequest  = 60
	msgUserAuthInfoResponse = 61

	msgGlobalRequest  = 80
	msgRequestSuccess = 81
	msgRequestFailure = 82

	msgChannelOpen            = 90
	msgChannelOpenConfirm     = 91
	msgChannelOpenFailure     = 92
	msgChannelWindowAdjust    = 93
	msgChannelData            = 94
	msgChannelExtendedData    = 95
	msgChannelEOF             = 96
	msgChannelClose           = 97
	msgChannelRequest         = 98
	msgChannelSuccess         = 99
	msgChannelFailure         = 100
)

// Channel open failure reason codes, RFC 4254 5.1.
const (
	AdministrativelyProhibited = 1
	ConnectionFailed           = 2
	UnknownChannelType         = 3
	ResourceShortage           = 4
)

// disconnect reason codes, RFC 4253 11.1. Only a handful are used by this
// package; the rest are accepted on decode and reported verbatim.
const (
	disconnectHostNotAllowedToConnect = 1
	disconnectProtocolError           = 2
	disconnectByApplication           = 11
)

type disconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

type ignoreMsg struct {
	Data string `sshtype:"2"`
}

type debugMsg struct {
	AlwaysDisplay bool `sshtype:"4"`
	Message       string
	Language      string
}

type serviceRequestMsg struct {
	Service string `sshtype:"5"`
}

type serviceAcceptMsg struct {
	Service string `sshtype:"6"`
}

// kexInitMsg mirrors RFC 4253 section 7.1.
type kexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

type kexDHInitMsg struct {
	X *big.Int `sshtype:"30"`
}

type kexDHReplyMsg struct {
	HostKey   []byte `sshtype:"31"`
	Y         *big.Int
	Signature []byte
}

type userAuthRequestMsg struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
	Payload []byte `ssh:"rest"`
}

type userAuthFailureMsg struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

type userAuthSuccessMsg struct {
	_ struct{} `sshtype:"52"`
}

type userAuthBannerMsg struct {
	Message  string `sshtype:"53"`
	Language string
}

type userAuthInfoPrompt struct {
	Prompt string
	Echo   bool
}

type userAuthInfoRequestMsg struct {
	Name        string `sshtype:"60"`
	Instruction string
	Language    string
	NumPrompts  uint32
}

// userAuthInfoResponseMsg documents the SSH_MSG_USERAUTH_INFO_RESPONSE wire
// shape for the messageTypes registry below. The outbound packet itself is
// built by auth.go's marshalInfoResponse, not the generic struct encoder in
// wire.go: each response is its own length-prefixed string (RFC 4256 3.4),
// which the generic []string encoding (a single comma-joined name-list)
// cannot represent.
type userAuthInfoResponseMsg struct {
	NumResponses uint32 `sshtype:"61"`
	Responses    []string
}

type globalRequestMsg struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

type globalRequestSuccessMsg struct {
	Data []byte `sshtype:"81" ssh:"rest"`
}

type globalRequestFailureMsg struct {
	Data []byte `sshtype:"82" ssh:"rest"`
}

type channelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersId          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenConfirmMsg struct {
	PeersId       uint32 `sshtype:"91"`
	MyId          uint32
	MyWindow      uint32
	MaxPacketSize uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenFailureMsg struct {
	PeersId  uint32 `sshtype:"92"`
	Reason   uint32
	Message  string
	Language string
}

type windowAdjustMsg struct {
	PeersId         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

type channelRequestMsg struct {
	PeersId             uint32 `sshtype:"98"`
	Request             string
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

type channelRequestSuccessMsg struct {
	PeersId uint32 `sshtype:"99"`
}

type channelRequestFailureMsg struct {
	PeersId uint32 `sshtype:"100"`
}

type channelEOFMsg struct {
	PeersId uint32 `sshtype:"96"`
}

type channelCloseMsg struct {
	PeersId uint32 `sshtype:"97"`
}

// messageTypes maps a wire message number to a zero value of its struct, used
// by decode to allocate the right concrete type before unmarshaling into it.
var messageTypes = map[uint8]reflect.Type{
	msgDisconnect:           reflect.TypeOf(disconnectMsg{}),
	msgIgnore:               reflect.TypeOf(ignoreMsg{}),
	msgDebug:                reflect.TypeOf(debugMsg{}),
	msgServiceRequest:       reflect.TypeOf(serviceRequestMsg{}),
	msgServiceAccept:        reflect.TypeOf(serviceAcceptMsg{}),
	msgKexInit:              reflect.TypeOf(kexInitMsg{}),
	msgKexDHInit:            reflect.TypeOf(kexDHInitMsg{}),
	msgKexDHReply:           reflect.TypeOf(kexDHReplyMsg{}),
	msgUserAuthFailure:      reflect.TypeOf(userAuthFailureMsg{}),
	msgUserAuthSuccess:      reflect.TypeOf(userAuthSuccessMsg{}),
	msgUserAuthBanner:       reflect.TypeOf(userAuthBannerMsg{}),
	msgUserAuthInfoRequest:  reflect.TypeOf(userAuthInfoRequestMsg{}),
	msgUserAuthInfoResponse: reflect.TypeOf(userAuthInfoResponseMsg{}),
	msgGlobalRequest:        reflect.TypeOf(globalRequestMsg{}),
	msgRequestSuccess:       reflect.TypeOf(globalRequestSuccessMsg{}),
	msgRequestFailure:       reflect.TypeOf(globalRequestFailureMsg{}),
	msgChannelOpen:          reflect.TypeOf(channelOpenMsg{}),
	msgChannelOpenConfirm:   reflect.TypeOf(channelOpenConfirmMsg{}),
	msgChannelOpenFailure:   reflect.TypeOf(channelOpenFailureMsg{}),
	msgChannelWindowAdjust:  reflect.TypeOf(windowAdjustMsg{}),
	msgChannelRequest:       reflect.TypeOf(channelRequestMsg{}),
	msgChannelSuccess:       reflect.TypeOf(channelRequestSuccessMsg{}),
	msgChannelFailure:       reflect.TypeOf(channelRequestFailureMsg{}),
	msgChannelEOF:           reflect.TypeOf(channelEOFMsg{}),
	msgChannelClose:         reflect.TypeOf(channelCloseMsg{}),
}

// decode allocates the struct registered for packet[0] and unmarshals into
// it. It is the inverse of marshal for the default-dispatch message set; the
// interceptor chain unmarshals the message types it owns (KEXINIT, USERAUTH
// replies, GLOBAL_REQUEST replies, ...) directly with unmarshal.
func decode(packet []byte) (interface{}, error) {
	if len(packet) == 0 {
		return nil, ParseError{0}
	}
	t, ok := messageTypes[packet[0]]
	if !ok {
		return nil, fmt.Errorf("ssh: unknown message type %d", packet[0])
	}
	msg := reflect.New(t).Interface()
	if err := unmarshal(msg, packet, packet[0]); err != nil {
		return nil, err
	}
	return msg, nil
}
