package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"math/big"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKexPair(t *testing.T, cfg *ClientConfig) (*keyExchanger, *framer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	clientFramer := newFramer(client, nil)
	k := newKeyExchanger(clientFramer, cfg, &fakeCloser{}, testLog(), []byte("SSH-2.0-client"), []byte("SSH-2.0-server"), "", nil, nil)
	return k, newFramer(server, nil)
}

// pumpInbound stands in for the connection's read loop: it reads every
// packet fr receives and hands it to handle until fr's connection closes.
func pumpInbound(fr *framer, handle func(payload []byte)) {
	go func() {
		for {
			payload, err := fr.readPacket()
			if err != nil {
				return
			}
			handle(payload)
		}
	}()
}

func TestBuildKexInitListsConfiguredAlgorithms(t *testing.T) {
	cfg := &ClientConfig{Crypto: CryptoConfig{KeyExchanges: []string{kexAlgoDH1SHA1}}}
	k, _ := newKexPair(t, cfg)

	init := k.buildKexInit()
	assert.Equal(t, []string{kexAlgoDH1SHA1}, init.KexAlgos)
	assert.Equal(t, supportedHostKeyAlgos, init.ServerHostKeyAlgos)
	assert.Equal(t, cfg.Crypto.ciphers(), init.CiphersClientServer)
	assert.Equal(t, cfg.Crypto.macs(), init.MACsClientServer)
}

func TestInterceptPacketIdleIgnoresNonKexInit(t *testing.T) {
	k, _ := newKexPair(t, &ClientConfig{})
	result := k.interceptPacket(marshal(msgIgnore, ignoreMsg{Data: "x"}))
	assert.Equal(t, passThrough, result)
}

func TestInterceptPacketIdleSpawnsOnServerInitiatedKexInit(t *testing.T) {
	k, _ := newKexPair(t, &ClientConfig{})

	spawned := make(chan struct{}, 1)
	k.spawn = func(task func() error) { spawned <- struct{}{} }

	payload := marshal(msgKexInit, kexInitMsg{})
	result := k.interceptPacket(payload)
	assert.Equal(t, consumed, result)

	select {
	case <-spawned:
	default:
		t.Fatal("expected idle-state KEXINIT to spawn a server-initiated rekey")
	}
}

func TestInterceptPacketNonIdleDeliversToSlot(t *testing.T) {
	k, _ := newKexPair(t, &ClientConfig{})
	k.mu.Lock()
	k.state = kexWaitKexDHReply
	k.slot = newResponseSlot()
	slot := k.slot
	k.mu.Unlock()

	payload := marshal(msgKexDHReply, kexDHReplyMsg{})
	result := k.interceptPacket(payload)
	assert.Equal(t, consumed, result)

	got, err := slot.waitTimeout()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestOnConnectionClosedUnblocksPendingExchange(t *testing.T) {
	k, _ := newKexPair(t, &ClientConfig{})
	k.mu.Lock()
	k.state = kexWaitKexDHReply
	k.slot = newResponseSlot()
	slot := k.slot
	k.mu.Unlock()

	k.onConnectionClosed()

	_, err := slot.waitTimeout()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// runFakeServerKex plays the server side of one diffie-hellman-group1-sha1
// exchange against fr, producing a KEXDH_REPLY signed by signer over the
// same exchange hash continueExchange/runDH compute.
func runFakeServerKex(fr *framer, cfg *ClientConfig, signer *rsaPrivateKey, hostKeyBlob []byte) error {
	clientInitPacket, err := fr.readPacket()
	if err != nil {
		return err
	}
	var clientInit kexInitMsg
	if err := unmarshal(&clientInit, clientInitPacket, msgKexInit); err != nil {
		return err
	}

	serverInit := kexInitMsg{
		KexAlgos:                []string{kexAlgoDH1SHA1},
		ServerHostKeyAlgos:      supportedHostKeyAlgos,
		CiphersClientServer:     cfg.Crypto.ciphers(),
		CiphersServerClient:     cfg.Crypto.ciphers(),
		MACsClientServer:        cfg.Crypto.macs(),
		MACsServerClient:        cfg.Crypto.macs(),
		CompressionClientServer: supportedCompressions,
		CompressionServerClient: supportedCompressions,
	}
	serverInitPacket := marshal(msgKexInit, serverInit)
	if err := fr.writePacket(serverInitPacket); err != nil {
		return err
	}

	dhInitPacket, err := fr.readPacket()
	if err != nil {
		return err
	}
	var dhInit kexDHInitMsg
	if err := unmarshal(&dhInit, dhInitPacket, msgKexDHInit); err != nil {
		return err
	}

	group, err := dhGroupFor(kexAlgoDH1SHA1, nil)
	if err != nil {
		return err
	}
	y, err := rand.Int(rand.Reader, group.p)
	if err != nil {
		return err
	}
	Y := new(big.Int).Exp(group.g, y, group.p)

	kInt, err := group.diffieHellman(dhInit.X, y)
	if err != nil {
		return err
	}

	h := kexHashFuncs[kexAlgoDH1SHA1].New()
	writeString(h, []byte("SSH-2.0-client"))
	writeString(h, []byte("SSH-2.0-server"))
	writeString(h, clientInitPacket)
	writeString(h, serverInitPacket)
	writeString(h, hostKeyBlob)
	writeInt(h, dhInit.X)
	writeInt(h, Y)
	K := make([]byte, intLength(kInt))
	marshalInt(K, kInt)
	h.Write(K)
	H := h.Sum(nil)

	sigBlob, err := signer.Sign(rand.Reader, H)
	if err != nil {
		return err
	}
	sig := serializeSignature(hostAlgoRSA, sigBlob)

	reply := kexDHReplyMsg{HostKey: hostKeyBlob, Y: Y, Signature: sig}
	if err := fr.writePacket(marshal(msgKexDHReply, reply)); err != nil {
		return err
	}

	newKeysPacket, err := fr.readPacket()
	if err != nil {
		return err
	}
	if len(newKeysPacket) == 0 || newKeysPacket[0] != msgNewKeys {
		return errors.New("expected NEWKEYS from client")
	}

	return fr.writePacket([]byte{msgNewKeys})
}

func TestExecKeyExchangeHappyPath(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := &rsaPrivateKey{priv}
	hostKeyBlob := MarshalPublicKey(signer.PublicKey())

	cfg := &ClientConfig{Crypto: CryptoConfig{KeyExchanges: []string{kexAlgoDH1SHA1}}}
	k, serverFramer := newKexPair(t, cfg)

	serverErr := make(chan error, 1)
	go func() { serverErr <- runFakeServerKex(serverFramer, cfg, signer, hostKeyBlob) }()
	pumpInbound(k.fr, func(p []byte) { k.interceptPacket(p) })

	err = k.ExecKeyExchange(true)
	require.NoError(t, err)
	require.NoError(t, <-serverErr)

	assert.NotEmpty(t, k.sessionID)
	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Equal(t, kexIdle, k.state)
}

func TestExecKeyExchangeRejectsBadSignature(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := &rsaPrivateKey{priv}
	hostKeyBlob := MarshalPublicKey(signer.PublicKey())

	cfg := &ClientConfig{Crypto: CryptoConfig{KeyExchanges: []string{kexAlgoDH1SHA1}}}
	k, serverFramer := newKexPair(t, cfg)

	go func() {
		clientInitPacket, err := serverFramer.readPacket()
		if err != nil {
			return
		}
		serverInit := kexInitMsg{
			KexAlgos:                []string{kexAlgoDH1SHA1},
			ServerHostKeyAlgos:      supportedHostKeyAlgos,
			CiphersClientServer:     cfg.Crypto.ciphers(),
			CiphersServerClient:     cfg.Crypto.ciphers(),
			MACsClientServer:        cfg.Crypto.macs(),
			MACsServerClient:        cfg.Crypto.macs(),
			CompressionClientServer: supportedCompressions,
			CompressionServerClient: supportedCompressions,
		}
		serverInitPacket := marshal(msgKexInit, serverInit)
		if err := serverFramer.writePacket(serverInitPacket); err != nil {
			return
		}
		_ = clientInitPacket

		dhInitPacket, err := serverFramer.readPacket()
		if err != nil {
			return
		}
		var dhInit kexDHInitMsg
		if err := unmarshal(&dhInit, dhInitPacket, msgKexDHInit); err != nil {
			return
		}
		group, err := dhGroupFor(kexAlgoDH1SHA1, nil)
		if err != nil {
			return
		}
		y, err := rand.Int(rand.Reader, group.p)
		if err != nil {
			return
		}
		Y := new(big.Int).Exp(group.g, y, group.p)

		sigBlob, err := signer.Sign(rand.Reader, []byte("not the real exchange hash"))
		if err != nil {
			return
		}
		sig := serializeSignature(hostAlgoRSA, sigBlob)
		reply := kexDHReplyMsg{HostKey: hostKeyBlob, Y: Y, Signature: sig}
		serverFramer.writePacket(marshal(msgKexDHReply, reply))
	}()
	pumpInbound(k.fr, func(p []byte) { k.interceptPacket(p) })

	err = k.ExecKeyExchange(true)
	require.Error(t, err)
}
