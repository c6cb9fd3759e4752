package ssh

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rc4"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blowfish"
)

// DefaultCipherOrder lists the ciphers this package offers when
// CryptoConfig.Ciphers is unset, most preferred first.
var DefaultCipherOrder = []string{
	"aes128-ctr", "aes192-ctr", "aes256-ctr",
	"aes128-cbc", "aes192-cbc", "aes256-cbc",
	"3des-cbc", "blowfish-cbc",
	"arcfour256", "arcfour128",
}

// DefaultMACOrder lists the MAC algorithms this package offers when
// CryptoConfig.MACs is unset. The wire-level lowest common denominator is
// hmac-sha1 only; hmac-sha2-256 and hmac-sha1-96 are registered in
// macModes and available to a caller that opts in via CryptoConfig.MACs,
// but are not offered by default.
var DefaultMACOrder = []string{
	"hmac-sha1",
}

// direction identifies which of the six SSH2 derived keys (RFC 4253
// section 7.2, letters A-F) a cipher or MAC is being set up with.
type direction struct {
	ivTag, keyTag, macKeyTag []byte
}

var (
	clientKeys = direction{[]byte{'A'}, []byte{'C'}, []byte{'E'}}
	serverKeys = direction{[]byte{'B'}, []byte{'D'}, []byte{'F'}}
)

// packetCipher represents a combination of SSH encryption/MAC
// protocol. A single instance should be used for one direction only.
type packetCipher interface {
	// readPacket reads and decrypts a single packet from r, checking its
	// MAC and stripping padding, per RFC 4253 section 6.
	readPacket(seqNum uint32, r io.Reader) ([]byte, error)

	// writePacket encrypts and writes a single packet to w, including
	// MAC and padding, per RFC 4253 section 6.
	writePacket(seqNum uint32, w io.Writer, rand io.Reader, packet []byte) error
}

// cipherMode describes a cipher's key material requirements and how to
// instantiate a packetCipher for it once those keys are available.
type cipherMode struct {
	keySize int
	ivSize  int
	create  func(key, iv []byte, macMode *macMode, macKey []byte) (packetCipher, error)
}

var cipherModes = map[string]*cipherMode{
	"aes128-ctr": {16, aes.BlockSize, newStreamCipher(newAESCTR)},
	"aes192-ctr": {24, aes.BlockSize, newStreamCipher(newAESCTR)},
	"aes256-ctr": {32, aes.BlockSize, newStreamCipher(newAESCTR)},

	"aes128-cbc": {16, aes.BlockSize, newCBCCipher(aes.NewCipher)},
	"aes192-cbc": {24, aes.BlockSize, newCBCCipher(aes.NewCipher)},
	"aes256-cbc": {32, aes.BlockSize, newCBCCipher(aes.NewCipher)},

	"3des-cbc":     {24, des.BlockSize, newCBCCipher(des.NewTripleDESCipher)},
	"blowfish-cbc": {16, blowfish.BlockSize, newCBCCipher(newBlowfishCipher)},

	"arcfour128": {16, 0, newStreamCipher(newRC4)},
	"arcfour256": {32, 0, newStreamCipher(newRC4)},
}

func newBlowfishCipher(key []byte) (cipher.Block, error) {
	return blowfish.NewCipher(key)
}

func newAESCTR(key, iv []byte) (cipher.Stream, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(c, iv), nil
}

func newRC4(key, iv []byte) (cipher.Stream, error) {
	rc4Cipher, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// Discard the first 1536 bytes of keystream: arcfour's first bytes
	// are the weakest, and both of the ciphers this package names
	// arcfour128/arcfour256 after (RFC 4345) specify the discard.
	var buf [1536]byte
	rc4Cipher.XORKeyStream(buf[:], buf[:])
	return rc4Cipher, nil
}

// newStreamCipher returns a cipherMode.create func for a stream cipher
// built on top of a raw cipher.Stream constructor.
func newStreamCipher(fn func(key, iv []byte) (cipher.Stream, error)) func(key, iv []byte, macMode *macMode, macKey []byte) (packetCipher, error) {
	return func(key, iv []byte, macMode *macMode, macKey []byte) (packetCipher, error) {
		stream, err := fn(key, iv)
		if err != nil {
			return nil, err
		}
		return &streamPacketCipher{stream: stream, mac: macMode.new(macKey), macSize: macMode.size}, nil
	}
}

// newCBCCipher returns a cipherMode.create func for a CBC block cipher.
func newCBCCipher(fn func(key []byte) (cipher.Block, error)) func(key, iv []byte, macMode *macMode, macKey []byte) (packetCipher, error) {
	return func(key, iv []byte, macMode *macMode, macKey []byte) (packetCipher, error) {
		block, err := fn(key)
		if err != nil {
			return nil, err
		}
		return &cbcPacketCipher{
			blockSize: block.BlockSize(),
			encrypt:   cipher.NewCBCEncrypter(block, iv),
			decrypt:   cipher.NewCBCDecrypter(block, iv),
			mac:       macMode.new(macKey),
			macSize:   macMode.size,
		}, nil
	}
}

// macMode describes a MAC algorithm's key size and hash constructor.
type macMode struct {
	keySize int
	size    int
	new     func(key []byte) hash.Hash
}

var macModes = map[string]*macMode{
	"hmac-sha2-256": {32, sha256.Size, func(key []byte) hash.Hash { return hmac.New(sha256.New, key) }},
	"hmac-sha1":     {20, sha1.Size, func(key []byte) hash.Hash { return hmac.New(sha1.New, key) }},
	"hmac-sha1-96":  {20, 12, func(key []byte) hash.Hash { return hmac.New(sha1.New, key) }},
}

// sha512 is referenced here only so its import is used; macModes has no
// hmac-sha2-512 entry.
var _ = sha512.Size

// streamPacketCipher implements packetCipher for arcfour and aes-ctr.
type streamPacketCipher struct {
	mac     hash.Hash
	macSize int
	stream  cipher.Stream
}

func (c *streamPacketCipher) readPacket(seqNum uint32, r io.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	var macBuf []byte
	if c.mac != nil {
		macBuf = make([]byte, c.macSize)
	}

	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}

	c.stream.XORKeyStream(lengthBytes[:], lengthBytes[:])
	length := uint32(lengthBytes[0])<<24 | uint32(lengthBytes[1])<<16 | uint32(lengthBytes[2])<<8 | uint32(lengthBytes[3])
	if length > maxPacketLength {
		return nil, errors.New("ssh: max packet length exceeded")
	}

	packet := make([]byte, length)
	if _, err := io.ReadFull(r, packet); err != nil {
		return nil, err
	}

	c.stream.XORKeyStream(packet, packet)

	if c.mac != nil {
		c.mac.Reset()
		var seqNumBytes [4]byte
		seqNumBytes[0] = byte(seqNum >> 24)
		seqNumBytes[1] = byte(seqNum >> 16)
		seqNumBytes[2] = byte(seqNum >> 8)
		seqNumBytes[3] = byte(seqNum)
		c.mac.Write(seqNumBytes[:])
		c.mac.Write(lengthBytes[:])
		c.mac.Write(packet)

		if _, err := io.ReadFull(r, macBuf); err != nil {
			return nil, err
		}
		mac := c.mac.Sum(nil)
		if !hmac.Equal(mac, macBuf) {
			return nil, errors.New("ssh: MAC failure")
		}
	}

	if len(packet) == 0 {
		return nil, errors.New("ssh: empty packet")
	}
	paddingLength := int(packet[0])
	if paddingLength+1 > len(packet) {
		return nil, errors.New("ssh: invalid packet padding")
	}
	return packet[1 : len(packet)-paddingLength], nil
}

func (c *streamPacketCipher) writePacket(seqNum uint32, w io.Writer, rand io.Reader, packet []byte) error {
	paddingLength := packetPaddingLength(len(packet))

	length := len(packet) + 1 + paddingLength
	buf := make([]byte, 4+length)
	buf[0] = byte(length >> 24)
	buf[1] = byte(length >> 16)
	buf[2] = byte(length >> 8)
	buf[3] = byte(length)
	buf[4] = byte(paddingLength)
	copy(buf[5:], packet)
	if _, err := io.ReadFull(rand, buf[5+len(packet):]); err != nil {
		return err
	}

	var mac []byte
	if c.mac != nil {
		c.mac.Reset()
		var seqNumBytes [4]byte
		seqNumBytes[0] = byte(seqNum >> 24)
		seqNumBytes[1] = byte(seqNum >> 16)
		seqNumBytes[2] = byte(seqNum >> 8)
		seqNumBytes[3] = byte(seqNum)
		c.mac.Write(seqNumBytes[:])
		c.mac.Write(buf)
		mac = c.mac.Sum(nil)
	}

	c.stream.XORKeyStream(buf, buf)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if mac != nil {
		if _, err := w.Write(mac); err != nil {
			return err
		}
	}
	return nil
}

// cbcPacketCipher implements packetCipher for the CBC cipher modes.
type cbcPacketCipher struct {
	mac       hash.Hash
	macSize   int
	blockSize int
	encrypt   cipher.BlockMode
	decrypt   cipher.BlockMode
}

func (c *cbcPacketCipher) readPacket(seqNum uint32, r io.Reader) ([]byte, error) {
	firstBlock := make([]byte, c.blockSize)
	if _, err := io.ReadFull(r, firstBlock); err != nil {
		return nil, err
	}
	c.decrypt.CryptBlocks(firstBlock, firstBlock)
	length := uint32(firstBlock[0])<<24 | uint32(firstBlock[1])<<16 | uint32(firstBlock[2])<<8 | uint32(firstBlock[3])
	if length > maxPacketLength {
		return nil, errors.New("ssh: max packet length exceeded")
	}

	remainingLength := int(length) + 4 - c.blockSize
	if remainingLength < 0 || remainingLength%c.blockSize != 0 {
		return nil, errors.New("ssh: invalid packet length")
	}

	rest := make([]byte, remainingLength)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	c.decrypt.CryptBlocks(rest, rest)

	packet := append(firstBlock[4:], rest...)

	if c.mac != nil {
		c.mac.Reset()
		var seqNumBytes [4]byte
		seqNumBytes[0] = byte(seqNum >> 24)
		seqNumBytes[1] = byte(seqNum >> 16)
		seqNumBytes[2] = byte(seqNum >> 8)
		seqNumBytes[3] = byte(seqNum)
		c.mac.Write(seqNumBytes[:])
		c.mac.Write(firstBlock[:4])
		c.mac.Write(packet)
		macBuf := make([]byte, c.macSize)
		if _, err := io.ReadFull(r, macBuf); err != nil {
			return nil, err
		}
		if !hmac.Equal(c.mac.Sum(nil), macBuf) {
			return nil, errors.New("ssh: MAC failure")
		}
	}

	if len(packet) == 0 {
		return nil, errors.New("ssh: empty packet")
	}
	paddingLength := int(packet[0])
	if paddingLength+1 > len(packet) {
		return nil, errors.New("ssh: invalid packet padding")
	}
	return packet[1 : len(packet)-paddingLength], nil
}

func (c *cbcPacketCipher) writePacket(seqNum uint32, w io.Writer, rand io.Reader, packet []byte) error {
	paddingLength := packetPaddingLength(len(packet))
	for paddingLength < 4 {
		paddingLength += c.blockSize
	}
	length := len(packet) + 1 + paddingLength
	for (4+length)%c.blockSize != 0 {
		length++
		paddingLength++
	}

	buf := make([]byte, 4+length)
	buf[0] = byte(length >> 24)
	buf[1] = byte(length >> 16)
	buf[2] = byte(length >> 8)
	buf[3] = byte(length)
	buf[4] = byte(paddingLength)
	copy(buf[5:], packet)
	if _, err := io.ReadFull(rand, buf[5+len(packet):]); err != nil {
		return err
	}

	var mac []byte
	if c.mac != nil {
		c.mac.Reset()
		var seqNumBytes [4]byte
		seqNumBytes[0] = byte(seqNum >> 24)
		seqNumBytes[1] = byte(seqNum >> 16)
		seqNumBytes[2] = byte(seqNum >> 8)
		seqNumBytes[3] = byte(seqNum)
		c.mac.Write(seqNumBytes[:])
		c.mac.Write(buf)
		mac = c.mac.Sum(nil)
	}

	c.encrypt.CryptBlocks(buf, buf)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if mac != nil {
		if _, err := w.Write(mac); err != nil {
			return err
		}
	}
	return nil
}

// packetPaddingLength returns the padding length needed so that
// 4 (length field) + 1 (padding length field) + payloadLen + padding is a
// multiple of 8, with at least 4 bytes of padding, per RFC 4253 section 6.
func packetPaddingLength(payloadLen int) int {
	padding := 8 - (payloadLen+5)%8
	if padding < 4 {
		padding += 8
	}
	return padding
}

// generateKeyMaterial derives keyLen bytes of key material from the shared
// secret K and exchange hash H, per the SSH2 KDF in RFC 4253 section 7.2:
//
//	K1 = HASH(K || H || X || session_id)
//	K2 = HASH(K || H || K1)
//	K3 = HASH(K || H || K1 || K2)
//	...
//
// X is one of the six single-byte tags 'A'-'F' identifying which of the
// derived keys is being produced.
func generateKeyMaterial(K, H []byte, tag []byte, sessionId []byte, keyLen int, hashFunc func() hash.Hash) []byte {
	var key []byte
	h := hashFunc()
	for len(key) < keyLen {
		h.Reset()
		h.Write(K)
		h.Write(H)
		if len(key) == 0 {
			h.Write(tag)
			h.Write(sessionId)
		} else {
			h.Write(key)
		}
		key = h.Sum(key)
	}
	return key[:keyLen]
}
