package ssh

import (
	"crypto/rand"
	"io"
	"math/big"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// kexState is the Key Exchanger's state machine.
type kexState int

const (
	kexIdle kexState = iota
	kexInitiatedByClient
	kexInitiatedByServer
	kexKexInitReceived
	kexWaitKexDHReply
	kexWaitNewKeys
	kexWaitUpdateCipher
	kexFailed
	kexConnectionClosed
)

// kexResult captures the outcome of one Diffie-Hellman exchange, before
// the derived keys are installed into the framer.
type kexResult struct {
	H         []byte // exchange hash
	K         []byte // shared secret, mpint-encoded
	HostKey   []byte
	Signature []byte
}

// keyExchanger is the Key Exchanger interceptor: it owns KEXINIT,
// KEXDH_REPLY, and NEWKEYS for the duration of one exchange and otherwise
// watches, in Idle, for a server-initiated KEXINIT.
type keyExchanger struct {
	fr      *framer
	cfg     *ClientConfig
	conn    closer
	log     *logrus.Entry
	version struct {
		client, server []byte
	}
	dialAddress string
	remoteAddr  net.Addr

	mu        sync.Mutex
	state     kexState
	sessionID []byte // immutable after the first exchange
	slot      *responseSlot

	negotiated *negotiatedAlgorithms

	// spawn runs a server-initiated rekey under the Connection's
	// background-task supervision (errgroup). Falls
	// back to a bare goroutine if unset, e.g. in unit tests of the
	// keyExchanger in isolation.
	spawn func(task func() error)
}

// closer is the capability interceptors are given instead of a back
// reference to *Connection, per DESIGN.md's Closer decision (breaks the
// reference cycle between Connection and its interceptors).
type closer interface {
	Close(err error)
}

func newKeyExchanger(fr *framer, cfg *ClientConfig, conn closer, log *logrus.Entry, clientVersion, serverVersion []byte, dialAddress string, remoteAddr net.Addr, spawn func(func() error)) *keyExchanger {
	k := &keyExchanger{fr: fr, cfg: cfg, conn: conn, log: log, state: kexIdle, spawn: spawn, dialAddress: dialAddress, remoteAddr: remoteAddr}
	k.version.client = clientVersion
	k.version.server = serverVersion
	if k.spawn == nil {
		k.spawn = func(task func() error) {
			go func() {
				if err := task(); err != nil {
					log.WithError(err).Error("server-initiated rekey failed")
				}
			}()
		}
	}
	return k
}

// interceptPacket implements interceptor. In Idle it watches only for an
// incoming KEXINIT (server-initiated rekey trigger); while an exchange is
// in flight it claims KEXINIT/KEXDH_REPLY/NEWKEYS and hands them to the
// blocked caller of ExecKeyExchange via the response slot.
func (k *keyExchanger) interceptPacket(payload []byte) interceptResult {
	if len(payload) == 0 {
		return passThrough
	}
	opcode := payload[0]

	k.mu.Lock()
	state := k.state
	slot := k.slot
	k.mu.Unlock()

	switch state {
	case kexIdle:
		if opcode == msgKexInit {
			k.log.Debug("server-initiated rekey: received KEXINIT while idle")
			payload := append([]byte(nil), payload...)
			k.spawn(func() error { return k.execServerInitiated(payload) })
			return consumed
		}
		return passThrough
	default:
		switch opcode {
		case msgKexInit, msgKexDHReply, msgNewKeys:
			if slot != nil {
				slot.deliver(payload)
			}
			return consumed
		}
		return passThrough
	}
}

func (k *keyExchanger) onConnectionClosed() {
	k.mu.Lock()
	k.state = kexConnectionClosed
	slot := k.slot
	k.mu.Unlock()
	if slot != nil {
		slot.closeSlot()
	}
}

// buildKexInit constructs this side's KEXINIT message.
func (k *keyExchanger) buildKexInit() kexInitMsg {
	var cookie [16]byte
	io.ReadFull(k.cfg.rand(), cookie[:])
	return kexInitMsg{
		Cookie:                  cookie,
		KexAlgos:                k.cfg.Crypto.kexes(),
		ServerHostKeyAlgos:      supportedHostKeyAlgos,
		CiphersClientServer:     k.cfg.Crypto.ciphers(),
		CiphersServerClient:     k.cfg.Crypto.ciphers(),
		MACsClientServer:        k.cfg.Crypto.macs(),
		MACsServerClient:        k.cfg.Crypto.macs(),
		CompressionClientServer: supportedCompressions,
		CompressionServerClient: supportedCompressions,
	}
}

// ExecKeyExchange runs the client-initiated path: Idle -> InitiatedByClient
// -> ... -> WaitUpdateCipher. first is true only for
// the handshake's initial exchange, which fixes session_id.
func (k *keyExchanger) ExecKeyExchange(first bool) error {
	k.mu.Lock()
	if k.state != kexIdle {
		k.mu.Unlock()
		return errors.New("ssh: key exchange already in progress")
	}
	k.state = kexInitiatedByClient
	k.slot = newResponseSlot()
	slot := k.slot
	k.mu.Unlock()

	clientInit := k.buildKexInit()
	clientInitPacket := marshal(msgKexInit, clientInit)
	if err := k.fr.writePacket(clientInitPacket); err != nil {
		return k.fail(err)
	}

	payload, err := slot.waitTimeout()
	if err != nil {
		return k.fail(err)
	}
	return k.continueExchange(first, clientInit, clientInitPacket, payload)
}

// execServerInitiated handles the Idle-state branch: a KEXINIT arrived
// unsolicited. serverInitPacket is the raw payload already consumed by
// interceptPacket's "consumed" return above.
func (k *keyExchanger) execServerInitiated(serverInitPacket []byte) error {
	k.mu.Lock()
	if k.state != kexIdle {
		k.mu.Unlock()
		return errors.New("ssh: key exchange already in progress")
	}
	k.state = kexInitiatedByServer
	k.slot = newResponseSlot()
	k.mu.Unlock()

	clientInit := k.buildKexInit()
	clientInitPacket := marshal(msgKexInit, clientInit)
	if err := k.fr.writePacket(clientInitPacket); err != nil {
		return k.fail(err)
	}
	return k.continueExchange(false, clientInit, clientInitPacket, serverInitPacket)
}

func (k *keyExchanger) continueExchange(first bool, clientInit kexInitMsg, clientInitPacket, serverInitPacket []byte) error {
	k.mu.Lock()
	k.state = kexKexInitReceived
	k.mu.Unlock()

	var serverInit kexInitMsg
	if err := unmarshal(&serverInit, serverInitPacket, msgKexInit); err != nil {
		return k.fail(err)
	}

	negotiated, err := findAgreedAlgorithms(&clientInit, &serverInit)
	if err != nil {
		return k.fail(errors.WithMessage(ErrNegotiationFailed, err.Error()))
	}
	k.negotiated = negotiated

	if serverInit.FirstKexFollows && len(serverInit.KexAlgos) > 0 && negotiated.kex != serverInit.KexAlgos[0] {
		// The server guessed which kex algorithm would be negotiated and
		// already sent a packet for it; its guess was wrong, so that
		// packet must be discarded before we proceed, per RFC 4253 7.1.
		if _, err := k.slot.waitTimeout(); err != nil {
			return k.fail(err)
		}
	}

	magics := &handshakeMagics{
		clientVersion: k.version.client,
		serverVersion: k.version.server,
		clientKexInit: clientInitPacket,
		serverKexInit: serverInitPacket,
	}

	k.mu.Lock()
	k.state = kexWaitKexDHReply
	k.mu.Unlock()

	result, err := k.runDH(negotiated.kex, magics)
	if err != nil {
		return k.fail(err)
	}

	if err := k.verifyHostKey(negotiated.hostKey, result); err != nil {
		return k.fail(err)
	}

	if first {
		k.sessionID = result.H
	}

	k.mu.Lock()
	k.state = kexWaitNewKeys
	slot := newResponseSlot()
	k.slot = slot
	k.mu.Unlock()

	if err := k.fr.writePacket([]byte{msgNewKeys}); err != nil {
		return k.fail(err)
	}

	outKey := generateKeyMaterial(result.K, result.H, clientKeys.keyTag, k.sessionID, maxKeySizeFor(negotiated.cipherClientServer), kexHashFuncs[negotiated.kex].New)
	outIV := generateKeyMaterial(result.K, result.H, clientKeys.ivTag, k.sessionID, ivSizeFor(negotiated.cipherClientServer), kexHashFuncs[negotiated.kex].New)
	outMACKey := generateKeyMaterial(result.K, result.H, clientKeys.macKeyTag, k.sessionID, macModes[negotiated.macClientServer].keySize, kexHashFuncs[negotiated.kex].New)

	outCipher, err := cipherModes[negotiated.cipherClientServer].create(outKey, outIV, macModes[negotiated.macClientServer], outMACKey)
	if err != nil {
		return k.fail(err)
	}

	k.mu.Lock()
	k.state = kexWaitUpdateCipher
	k.mu.Unlock()
	k.fr.SetCipher(true, outCipher, negotiated.cipherClientServer, negotiated.macClientServer)

	newKeysPacket, err := slot.waitTimeout()
	if err != nil {
		return k.fail(err)
	}
	if len(newKeysPacket) == 0 || newKeysPacket[0] != msgNewKeys {
		return k.fail(UnexpectedMessageError{msgNewKeys, newKeysPacket[0]})
	}

	inKey := generateKeyMaterial(result.K, result.H, serverKeys.keyTag, k.sessionID, maxKeySizeFor(negotiated.cipherServerClient), kexHashFuncs[negotiated.kex].New)
	inIV := generateKeyMaterial(result.K, result.H, serverKeys.ivTag, k.sessionID, ivSizeFor(negotiated.cipherServerClient), kexHashFuncs[negotiated.kex].New)
	inMACKey := generateKeyMaterial(result.K, result.H, serverKeys.macKeyTag, k.sessionID, macModes[negotiated.macServerClient].keySize, kexHashFuncs[negotiated.kex].New)

	inCipher, err := cipherModes[negotiated.cipherServerClient].create(inKey, inIV, macModes[negotiated.macServerClient], inMACKey)
	if err != nil {
		return k.fail(err)
	}
	k.fr.SetCipher(false, inCipher, negotiated.cipherServerClient, negotiated.macServerClient)

	k.mu.Lock()
	k.state = kexIdle
	k.slot = nil
	k.mu.Unlock()

	if !first {
		k.cfg.metrics().RekeyCompleted()
	}
	k.log.Debug("key exchange complete")
	return nil
}

func maxKeySizeFor(cipherAlgo string) int {
	return cipherModes[cipherAlgo].keySize
}

func ivSizeFor(cipherAlgo string) int {
	return cipherModes[cipherAlgo].ivSize
}

// runDH performs the KEXDH_INIT/KEXDH_REPLY exchange for any of the
// diffie-hellman-group{1,14,16,18} families.
func (k *keyExchanger) runDH(kexAlgo string, magics *handshakeMagics) (*kexResult, error) {
	group, err := dhGroupFor(kexAlgo, k.cfg.Crypto.ExtraDHGroups)
	if err != nil {
		return nil, err
	}

	// x is drawn uniformly from [2, (p-1)/2).
	xMax := new(big.Int).Rsh(new(big.Int).Sub(group.p, big.NewInt(1)), 1)
	xMax.Sub(xMax, big.NewInt(2))
	x, err := rand.Int(k.cfg.rand(), xMax)
	if err != nil {
		return nil, err
	}
	x.Add(x, big.NewInt(2))
	X := new(big.Int).Exp(group.g, x, group.p)

	if err := k.fr.writePacket(marshal(msgKexDHInit, kexDHInitMsg{X: X})); err != nil {
		return nil, err
	}

	payload, err := k.slot.waitTimeout()
	if err != nil {
		return nil, err
	}

	var reply kexDHReplyMsg
	if err := unmarshal(&reply, payload, msgKexDHReply); err != nil {
		return nil, err
	}

	kInt, err := group.diffieHellman(reply.Y, x)
	if err != nil {
		return nil, err
	}

	hashFunc, ok := kexHashFuncs[kexAlgo]
	if !ok {
		return nil, errors.Errorf("ssh: no hash function for kex algorithm %s", kexAlgo)
	}
	h := hashFunc.New()
	writeString(h, magics.clientVersion)
	writeString(h, magics.serverVersion)
	writeString(h, magics.clientKexInit)
	writeString(h, magics.serverKexInit)
	writeString(h, reply.HostKey)
	writeInt(h, X)
	writeInt(h, reply.Y)
	K := make([]byte, intLength(kInt))
	marshalInt(K, kInt)
	h.Write(K)

	return &kexResult{
		H:         h.Sum(nil),
		K:         K,
		HostKey:   reply.HostKey,
		Signature: reply.Signature,
	}, nil
}

// verifyHostKey parses the host key blob and the signature envelope from
// the KEXDH_REPLY, checks the signature over H, and (for the first
// exchange only) invokes the caller's HostKeyChecker.
func (k *keyExchanger) verifyHostKey(hostKeyAlgo string, result *kexResult) error {
	hostKey, rest, ok := ParsePublicKey(result.HostKey)
	if !ok || len(rest) > 0 {
		return errors.New("ssh: could not parse host key")
	}

	sig, rest, ok := parseSignatureBody(result.Signature)
	if !ok || len(rest) > 0 {
		return errors.New("ssh: could not parse host key signature")
	}
	if sig.Format != hostKeyAlgo {
		return errors.Errorf("ssh: unexpected signature format %q", sig.Format)
	}
	if !hostKey.Verify(result.H, sig.Blob) {
		return errors.WithStack(ErrHostKeyMismatch)
	}

	if k.sessionID == nil && k.cfg.HostKeyChecker != nil {
		if err := k.cfg.HostKeyChecker.Check(k.dialAddress, k.remoteAddr, hostKeyAlgo, result.HostKey); err != nil {
			return errors.Wrap(ErrHostKeyMismatch, err.Error())
		}
	}
	return nil
}

func (k *keyExchanger) fail(err error) error {
	k.mu.Lock()
	k.state = kexFailed
	k.mu.Unlock()
	wrapped := errors.Wrap(err, "kex")
	k.log.WithError(wrapped).Error("key exchange failed")
	k.conn.Close(wrapped)
	return wrapped
}
