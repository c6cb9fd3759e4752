// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto"
	"fmt"
	"math/big"
	"sync"

	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/pkg/errors"
)

// These are string constants in the SSH protocol.
const (
	kexAlgoDH1SHA1    = "diffie-hellman-group1-sha1"
	kexAlgoDH14SHA1   = "diffie-hellman-group14-sha1"
	kexAlgoDH14SHA256 = "diffie-hellman-group14-sha256"
	kexAlgoDH16SHA512 = "diffie-hellman-group16-sha512"
	kexAlgoDH18SHA512 = "diffie-hellman-group18-sha512"

	hostAlgoRSA = "ssh-rsa"
	hostAlgoDSA = "ssh-dss"

	compressionNone = "none"
	serviceUserAuth = "ssh-userauth"
	serviceSSH      = "ssh-connection"
)

// defaultKeyExchangeOrder lists the kex algorithms this package offers when
// CryptoConfig.KeyExchanges is unset, most preferred first. group16/group18
// are offered even without a modulus; an exchange that settles on one of
// them fails in dhGroupFor unless the caller has supplied its modulus via
// CryptoConfig.ExtraDHGroups.
var defaultKeyExchangeOrder = []string{
	kexAlgoDH16SHA512,
	kexAlgoDH18SHA512,
	kexAlgoDH14SHA256,
	kexAlgoDH14SHA1,
	kexAlgoDH1SHA1,
}

var supportedHostKeyAlgos = []string{hostAlgoRSA, hostAlgoDSA}
var supportedCompressions = []string{compressionNone}

// kexHashFuncs maps a key exchange algorithm name to the hash function used
// to compute the exchange hash H.
var kexHashFuncs = map[string]crypto.Hash{
	kexAlgoDH1SHA1:    crypto.SHA1,
	kexAlgoDH14SHA1:   crypto.SHA1,
	kexAlgoDH14SHA256: crypto.SHA256,
	kexAlgoDH16SHA512: crypto.SHA512,
	kexAlgoDH18SHA512: crypto.SHA512,
}

// hostKeyHashFuncs maps a host key algorithm to the hash used when
// verifying (or producing) its signature. ssh-rsa and ssh-dss signatures
// are always taken over a SHA-1 digest, independent of the kex hash in use.
var hostKeyHashFuncs = map[string]crypto.Hash{
	hostAlgoRSA: crypto.SHA1,
	hostAlgoDSA: crypto.SHA1,
}

// dhGroup is a multiplicative group suitable for implementing
// Diffie-Hellman key agreement, per RFC 2409/3526.
type dhGroup struct {
	g, p *big.Int
}

func (group *dhGroup) diffieHellman(theirPublic, myPrivate *big.Int) (*big.Int, error) {
	if theirPublic.Sign() <= 0 || theirPublic.Cmp(group.p) >= 0 {
		return nil, errors.New("ssh: DH parameter out of bounds")
	}
	return new(big.Int).Exp(theirPublic, myPrivate, group.p), nil
}

// dhGroup1 is the group called diffie-hellman-group1-sha1 in RFC 4253 and
// Oakley Group 2 in RFC 2409.
var dhGroup1 *dhGroup
var dhGroup1Once sync.Once

func initDHGroup1() {
	p, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF", 16)

	dhGroup1 = &dhGroup{
		g: new(big.Int).SetInt64(2),
		p: p,
	}
}

// dhGroup14 is the group called diffie-hellman-group14-sha1 (and, paired
// with a SHA-256 exchange hash, diffie-hellman-group14-sha256) in RFC
// 4253/8268 and Oakley Group 14 in RFC 3526.
var dhGroup14 *dhGroup
var dhGroup14Once sync.Once

func initDHGroup14() {
	p, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

	dhGroup14 = &dhGroup{
		g: new(big.Int).SetInt64(2),
		p: p,
	}
}

// dhGroupFor resolves a kex algorithm name to its multiplicative group. For
// diffie-hellman-group{16,18}-sha512 the modulus is never hardcoded in this
// package; it must be supplied by the caller through
// CryptoConfig.ExtraDHGroups, keyed by algorithm name.
func dhGroupFor(name string, extra map[string]*big.Int) (*dhGroup, error) {
	switch name {
	case kexAlgoDH1SHA1:
		dhGroup1Once.Do(initDHGroup1)
		return dhGroup1, nil
	case kexAlgoDH14SHA1, kexAlgoDH14SHA256:
		dhGroup14Once.Do(initDHGroup14)
		return dhGroup14, nil
	case kexAlgoDH16SHA512, kexAlgoDH18SHA512:
		p, ok := extra[name]
		if !ok {
			return nil, errors.Errorf("ssh: no modulus configured for %s; supply one via CryptoConfig.ExtraDHGroups", name)
		}
		return &dhGroup{g: big.NewInt(2), p: p}, nil
	}
	return nil, errors.Errorf("ssh: unknown key exchange algorithm %s", name)
}

// UnexpectedMessageError results when the SSH message that we received didn't
// match what we wanted.
type UnexpectedMessageError struct {
	expected, got uint8
}

func (u UnexpectedMessageError) Error() string {
	return fmt.Sprintf("ssh: unexpected message type %d (expected %d)", u.got, u.expected)
}

// ParseError results from a malformed SSH message.
type ParseError struct {
	msgType uint8
}

func (p ParseError) Error() string {
	return fmt.Sprintf("ssh: parse error in message type %d", p.msgType)
}

// handshakeMagics holds the version strings and KEXINIT payloads that feed
// the exchange hash, per RFC 4253 section 8.
type handshakeMagics struct {
	clientVersion, serverVersion []byte
	clientKexInit, serverKexInit []byte
}

func findCommonAlgorithm(clientAlgos []string, serverAlgos []string) (commonAlgo string, ok bool) {
	for _, clientAlgo := range clientAlgos {
		for _, serverAlgo := range serverAlgos {
			if clientAlgo == serverAlgo {
				return clientAlgo, true
			}
		}
	}
	return
}

func findCommonCipher(clientCiphers []string, serverCiphers []string) (commonCipher string, ok bool) {
	for _, clientCipher := range clientCiphers {
		for _, serverCipher := range serverCiphers {
			// reject the cipher if we have no cipherModes definition
			if clientCipher == serverCipher && cipherModes[clientCipher] != nil {
				return clientCipher, true
			}
		}
	}
	return
}

// negotiatedAlgorithms is the result of intersecting a client and server
// KEXINIT message.
type negotiatedAlgorithms struct {
	kex, hostKey             string
	cipherClientServer       string
	cipherServerClient       string
	macClientServer          string
	macServerClient          string
	compressionClientServer string
	compressionServerClient string
}

func findAgreedAlgorithms(clientKexInit, serverKexInit *kexInitMsg) (*negotiatedAlgorithms, error) {
	var n negotiatedAlgorithms
	var ok bool

	if n.kex, ok = findCommonAlgorithm(clientKexInit.KexAlgos, serverKexInit.KexAlgos); !ok {
		return nil, errors.New("ssh: no common key exchange algorithm")
	}
	if n.hostKey, ok = findCommonAlgorithm(clientKexInit.ServerHostKeyAlgos, serverKexInit.ServerHostKeyAlgos); !ok {
		return nil, errors.New("ssh: no common host key algorithm")
	}
	if n.cipherClientServer, ok = findCommonCipher(clientKexInit.CiphersClientServer, serverKexInit.CiphersClientServer); !ok {
		return nil, errors.New("ssh: no common cipher (client to server)")
	}
	if n.cipherServerClient, ok = findCommonCipher(clientKexInit.CiphersServerClient, serverKexInit.CiphersServerClient); !ok {
		return nil, errors.New("ssh: no common cipher (server to client)")
	}
	if n.macClientServer, ok = findCommonAlgorithm(clientKexInit.MACsClientServer, serverKexInit.MACsClientServer); !ok {
		return nil, errors.New("ssh: no common MAC (client to server)")
	}
	if n.macServerClient, ok = findCommonAlgorithm(clientKexInit.MACsServerClient, serverKexInit.MACsServerClient); !ok {
		return nil, errors.New("ssh: no common MAC (server to client)")
	}
	if n.compressionClientServer, ok = findCommonAlgorithm(clientKexInit.CompressionClientServer, serverKexInit.CompressionClientServer); !ok {
		return nil, errors.New("ssh: no common compression (client to server)")
	}
	if n.compressionServerClient, ok = findCommonAlgorithm(clientKexInit.CompressionServerClient, serverKexInit.CompressionServerClient); !ok {
		return nil, errors.New("ssh: no common compression (server to client)")
	}
	return &n, nil
}

// serializeSignature serializes a signed slice according to RFC 4254 6.6.
// The name should be a key type name, rather than a cert type name.
func serializeSignature(name string, sig []byte) []byte {
	length := stringLength(len(name))
	length += stringLength(len(sig))

	ret := make([]byte, length)
	r := marshalString(ret, []byte(name))
	r = marshalString(r, sig)

	return ret
}

// MarshalPublicKey serializes a supported key or certificate for use by the
// SSH wire protocol. It can be used for comparison with the key supplied to
// a host key verification callback as well as for generating an
// authorized_keys or known_hosts entry.
func MarshalPublicKey(key PublicKey) []byte {
	// See also RFC 4253 6.6.
	algoname := key.PrivateKeyAlgo()
	blob := key.Marshal()

	length := stringLength(len(algoname))
	length += len(blob)
	ret := make([]byte, length)
	r := marshalString(ret, []byte(algoname))
	copy(r, blob)
	return ret
}

// buildDataSignedForAuth returns the data that is signed in order to prove
// posession of a private key. See RFC 4252, section 7.
func buildDataSignedForAuth(sessionId []byte, req userAuthRequestMsg, algo, pubKey []byte) []byte {
	user := []byte(req.User)
	service := []byte(req.Service)
	method := []byte(req.Method)

	length := stringLength(len(sessionId))
	length += 1
	length += stringLength(len(user))
	length += stringLength(len(service))
	length += stringLength(len(method))
	length += 1
	length += stringLength(len(algo))
	length += stringLength(len(pubKey))

	ret := make([]byte, length)
	r := marshalString(ret, sessionId)
	r[0] = msgUserAuthRequest
	r = r[1:]
	r = marshalString(r, user)
	r = marshalString(r, service)
	r = marshalString(r, method)
	r[0] = 1
	r = r[1:]
	r = marshalString(r, algo)
	r = marshalString(r, pubKey)
	return ret
}

// safeString sanitises s according to RFC 4251, section 9.2.
// All control characters except tab, carriage return and newline are
// replaced by 0x20.
func safeString(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c < 0x20 && c != 0xd && c != 0xa && c != 0x9 {
			out[i] = 0x20
		}
	}
	return string(out)
}

// newCond is a helper to hide the fact that there is no usable zero
// value for sync.Cond.
func newCond() *sync.Cond { return sync.NewCond(new(sync.Mutex)) }

// window represents the buffer available to a channel's peer wishing to
// write to it, per RFC 4254 section 5.2.
type window struct {
	*sync.Cond
	win    uint32 // RFC 4254 5.2 says the window size can grow to 2^32-1
	closed bool
}

func newWindow(initial uint32) *window {
	w := &window{Cond: newCond()}
	w.win = initial
	return w
}

// add adds win to the amount of window available for consumers.
func (w *window) add(win uint32) bool {
	// a zero sized window adjust is a noop.
	if win == 0 {
		return true
	}
	w.L.Lock()
	defer w.L.Unlock()
	if w.win+win < win {
		return false
	}
	w.win += win
	// It is unusual that multiple goroutines would be attempting to reserve
	// window space, but not guaranteed. Use broadcast to notify all waiters
	// that additional window is available.
	w.Broadcast()
	return true
}

// reserve reserves win from the available window capacity. If no capacity
// remains, reserve blocks. reserve may return less than requested, or zero
// if the window was closed while a waiter was blocked.
func (w *window) reserve(win uint32) uint32 {
	w.L.Lock()
	defer w.L.Unlock()
	for w.win == 0 && !w.closed {
		w.Wait()
	}
	if w.closed {
		return 0
	}
	if w.win < win {
		win = w.win
	}
	w.win -= win
	return win
}

// close unblocks any goroutine waiting in reserve.
func (w *window) close() {
	w.L.Lock()
	w.closed = true
	w.Broadcast()
	w.L.Unlock()
}
