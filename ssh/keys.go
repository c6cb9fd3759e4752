// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ssh

import (
	"crypto/dsa"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"math/big"

	"github.com/pkg/errors"
)

// PublicKey represents a public key of one of the algorithms this package
// supports: ssh-rsa, ssh-dss, or an OpenSSH certificate wrapping one of
// those. It is the host-key/user-key abstraction named as a consumed
// external interface.
type PublicKey interface {
	// PublicKeyAlgo returns the algorithm name as it appears in the
	// ServerHostKeyAlgos/KexInit negotiation (e.g. "ssh-rsa").
	PublicKeyAlgo() string
	// PrivateKeyAlgo returns the algorithm name used to sign/verify with
	// the matching private key -- identical to PublicKeyAlgo except for
	// certificates, where it names the underlying key type.
	PrivateKeyAlgo() string
	// Marshal returns the key blob per RFC 4253 6.6, without the
	// algorithm-name prefix (see MarshalPublicKey).
	Marshal() []byte
	// Verify reports whether sig is a valid signature over data made by
	// the matching private key.
	Verify(data []byte, sig []byte) bool
}

// PrivateKey is the signing counterpart of PublicKey, consumed by the
// public-key authentication method.
type PrivateKey interface {
	PublicKey() PublicKey
	// Sign returns a raw signature over data (the ssh wire signature
	// body, not including the algorithm-name prefix).
	Sign(rand io.Reader, data []byte) ([]byte, error)
}

const (
	KeyAlgoRSA = hostAlgoRSA
	KeyAlgoDSA = hostAlgoDSA
)

// ParsePublicKey parses an SSH wire-format public key blob (algorithm name
// followed by the algorithm-specific body) as produced by MarshalPublicKey.
// The bytes that follow the key are returned as rest.
func ParsePublicKey(in []byte) (out PublicKey, rest []byte, ok bool) {
	algo, in, ok := parseString(in)
	if !ok {
		return nil, nil, false
	}
	switch string(algo) {
	case hostAlgoRSA:
		return parseRSA(in)
	case hostAlgoDSA:
		return parseDSA(in)
	case CertAlgoRSAv01:
		cert, rest, ok := parseOpenSSHCertV01(in, hostAlgoRSA)
		return cert, rest, ok
	case CertAlgoDSAv01:
		cert, rest, ok := parseOpenSSHCertV01(in, hostAlgoDSA)
		return cert, rest, ok
	}
	return nil, nil, false
}

// parsePubKey parses an algorithm name followed by the algorithm-specific
// body, for plain ssh-rsa and ssh-dss keys only (certificates are not
// accepted), and returns the bytes that follow the key.
func parsePubKey(in []byte) (out PublicKey, rest []byte, ok bool) {
	algo, in, ok := parseString(in)
	if !ok {
		return nil, nil, false
	}
	switch string(algo) {
	case hostAlgoRSA:
		return parseRSA(in)
	case hostAlgoDSA:
		return parseDSA(in)
	}
	return nil, nil, false
}

type rsaPublicKey rsa.PublicKey

func parseRSA(in []byte) (PublicKey, []byte, bool) {
	e, in, ok := parseInt(in)
	if !ok {
		return nil, nil, false
	}
	n, in, ok := parseInt(in)
	if !ok {
		return nil, nil, false
	}
	return (*rsaPublicKey)(&rsa.PublicKey{E: int(e.Int64()), N: n}), in, true
}

func (r *rsaPublicKey) PublicKeyAlgo() string  { return hostAlgoRSA }
func (r *rsaPublicKey) PrivateKeyAlgo() string { return hostAlgoRSA }

func (r *rsaPublicKey) Marshal() []byte {
	e := new(big.Int).SetInt64(int64(r.E))
	length := intLength(e) + intLength(r.N)
	ret := make([]byte, length)
	rest := marshalInt(ret, e)
	marshalInt(rest, r.N)
	return ret
}

func (r *rsaPublicKey) Verify(data []byte, sigBlob []byte) bool {
	hash := hostKeyHashFuncs[hostAlgoRSA]
	h := hash.New()
	h.Write(data)
	digest := h.Sum(nil)
	return rsa.VerifyPKCS1v15((*rsa.PublicKey)(r), hash, digest, sigBlob) == nil
}

// rsaPrivateKey adapts *rsa.PrivateKey to PrivateKey, used by the public-key
// authentication method.
type rsaPrivateKey struct {
	*rsa.PrivateKey
}

func (r *rsaPrivateKey) PublicKey() PublicKey {
	return (*rsaPublicKey)(&r.PrivateKey.PublicKey)
}

func (r *rsaPrivateKey) Sign(rng io.Reader, data []byte) ([]byte, error) {
	hash := hostKeyHashFuncs[hostAlgoRSA]
	h := hash.New()
	h.Write(data)
	digest := h.Sum(nil)
	if rng == nil {
		rng = rand.Reader
	}
	return rsa.SignPKCS1v15(rng, r.PrivateKey, hash, digest)
}

type dsaPublicKey dsa.PublicKey

func parseDSA(in []byte) (PublicKey, []byte, bool) {
	p, in, ok := parseInt(in)
	if !ok {
		return nil, nil, false
	}
	q, in, ok := parseInt(in)
	if !ok {
		return nil, nil, false
	}
	g, in, ok := parseInt(in)
	if !ok {
		return nil, nil, false
	}
	y, in, ok := parseInt(in)
	if !ok {
		return nil, nil, false
	}
	return (*dsaPublicKey)(&dsa.PublicKey{
		Parameters: dsa.Parameters{P: p, Q: q, G: g},
		Y:          y,
	}), in, true
}

func (d *dsaPublicKey) PublicKeyAlgo() string  { return hostAlgoDSA }
func (d *dsaPublicKey) PrivateKeyAlgo() string { return hostAlgoDSA }

func (d *dsaPublicKey) Marshal() []byte {
	length := intLength(d.P) + intLength(d.Q) + intLength(d.G) + intLength(d.Y)
	ret := make([]byte, length)
	r := marshalInt(ret, d.P)
	r = marshalInt(r, d.Q)
	r = marshalInt(r, d.G)
	marshalInt(r, d.Y)
	return ret
}

func (d *dsaPublicKey) Verify(data []byte, sigBlob []byte) bool {
	if len(sigBlob) != 40 {
		return false
	}
	r := new(big.Int).SetBytes(sigBlob[:20])
	s := new(big.Int).SetBytes(sigBlob[20:])
	hash := hostKeyHashFuncs[hostAlgoDSA]
	h := hash.New()
	h.Write(data)
	digest := h.Sum(nil)
	return dsa.Verify((*dsa.PublicKey)(d), digest, r, s)
}

// errUnsupportedKeyType is returned for algorithm names this package does
// not implement a signer/verifier for.
var errUnsupportedKeyType = errors.New("ssh: unsupported key type")
