package ssh

import (
	"bufio"
	"crypto/rand"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// maxPacketLength caps the packet_length field of an inbound frame. This
// resolves an open question the protocol leaves unstated: RFC 4253 only
// requires implementations to support packets up to 35000 bytes; OpenSSH
// itself enforces 256KiB, which is what this package matches.
const maxPacketLength = 256 * 1024

// minPacketLength is the minimum acceptable packet_length of 1<<15
// advertised during channel open, per RFC 4253 section 6.1.
const minPacketLength = 1 << 15

// rekeyAfterPackets bounds how many packets may be framed in one direction
// before a rekey is forced, far short of the point the uint32 sequence
// counter would wrap.
const rekeyAfterPackets = 1 << 31

// rekeyAfterBytes is RFC 4253's recommended rekey trigger for ciphers that
// do not specify their own internal limit.
const rekeyAfterBytes = 1 << 30

// framerSide holds the cipher/MAC state and counters for one direction of
// a framer (outbound or inbound).
type framerSide struct {
	cipher      packetCipher
	seqNum      uint32
	packets     uint64
	bytes       uint64
	cipherAlgo  string
	macAlgo     string
}

// framer implements the binary packet protocol of RFC 4253 section 6: it
// serializes and deserializes SSH2 packets, holding the current send and
// receive cipher/MAC pairs behind a single lock so that neither direction's
// cipher can be swapped out from under a packet that is mid-construction.
type framer struct {
	conn io.ReadWriteCloser
	br   *bufio.Reader
	rand io.Reader

	cipherMu sync.Mutex
	writer   framerSide
	reader   framerSide
}

func newFramer(conn io.ReadWriteCloser, randSource io.Reader) *framer {
	if randSource == nil {
		randSource = rand.Reader
	}
	return &framer{
		conn: conn,
		br:   bufio.NewReader(conn),
		rand: randSource,
	}
}

// SetCipher atomically replaces the outbound or inbound cipher/MAC pair.
// The caller is responsible for the ordering guarantee:
// send NEWKEYS before calling SetCipher(outbound), and call
// SetCipher(inbound) only after NEWKEYS has been received.
func (f *framer) SetCipher(outbound bool, c packetCipher, cipherAlgo, macAlgo string) {
	f.cipherMu.Lock()
	defer f.cipherMu.Unlock()
	if outbound {
		f.writer.cipher = c
		f.writer.cipherAlgo = cipherAlgo
		f.writer.macAlgo = macAlgo
		f.writer.packets = 0
		f.writer.bytes = 0
	} else {
		f.reader.cipher = c
		f.reader.cipherAlgo = cipherAlgo
		f.reader.macAlgo = macAlgo
		f.reader.packets = 0
		f.reader.bytes = 0
	}
}

// writePacket builds the packet image for packet and writes it to the
// underlying connection under the cipher lock.
func (f *framer) writePacket(packet []byte) error {
	f.cipherMu.Lock()
	defer f.cipherMu.Unlock()

	if f.writer.cipher == nil {
		if err := f.writeUncached(packet); err != nil {
			return err
		}
	} else {
		if err := f.writer.cipher.writePacket(f.writer.seqNum, f.conn, f.rand, packet); err != nil {
			return err
		}
	}
	f.writer.seqNum++
	f.writer.packets++
	f.writer.bytes += uint64(len(packet))
	return nil
}

// writeUncached frames a packet with no cipher installed: used only
// before the first key exchange's NEWKEYS, per RFC 4253 section 6.
func (f *framer) writeUncached(packet []byte) error {
	padding := packetPaddingLength(len(packet))
	length := len(packet) + 1 + padding
	buf := make([]byte, 4+length)
	buf[0] = byte(length >> 24)
	buf[1] = byte(length >> 16)
	buf[2] = byte(length >> 8)
	buf[3] = byte(length)
	buf[4] = byte(padding)
	copy(buf[5:], packet)
	if _, err := io.ReadFull(f.rand, buf[5+len(packet):]); err != nil {
		return err
	}
	_, err := f.conn.Write(buf)
	return err
}

// readPacket reads and decrypts the next inbound packet. The inbound cipher
// and sequence number are taken under the cipher lock, but the blocking
// socket read happens outside it, so writers never wait on inbound I/O.
// It returns the opcode+body payload.
func (f *framer) readPacket() ([]byte, error) {
	f.cipherMu.Lock()
	c, seqNum := f.reader.cipher, f.reader.seqNum
	f.cipherMu.Unlock()

	var packet []byte
	var err error
	if c == nil {
		packet, err = f.readUncached()
	} else {
		packet, err = c.readPacket(seqNum, f.br)
	}
	if err != nil {
		return nil, err
	}
	f.cipherMu.Lock()
	f.reader.seqNum++
	f.reader.packets++
	f.reader.bytes += uint64(len(packet))
	f.cipherMu.Unlock()
	return packet, nil
}

func (f *framer) readUncached() ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(f.br, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := uint32(lengthBytes[0])<<24 | uint32(lengthBytes[1])<<16 | uint32(lengthBytes[2])<<8 | uint32(lengthBytes[3])
	if length > maxPacketLength {
		return nil, errors.New("ssh: max packet length exceeded")
	}
	packet := make([]byte, length)
	if _, err := io.ReadFull(f.br, packet); err != nil {
		return nil, err
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

// needsRekey reports whether either direction has crossed the rekey
// thresholds, a condition the connection polls after
// every framed packet to schedule an automatic key exchange.
func (f *framer) needsRekey() bool {
	f.cipherMu.Lock()
	defer f.cipherMu.Unlock()
	if f.writer.packets >= rekeyAfterPackets || f.reader.packets >= rekeyAfterPackets {
		return true
	}
	if f.writer.bytes >= rekeyAfterBytes || f.reader.bytes >= rekeyAfterBytes {
		return true
	}
	return false
}

func (f *framer) Close() error {
	return f.conn.Close()
}

// readVersion reads the peer's SSH identification line, per RFC 4253
// section 4.2. Lines that do not begin with "SSH-" are treated as
// pre-version banner text and skipped, up to a bound generous enough for
// any real server banner.
func readVersion(r io.Reader) ([]byte, error) {
	const maxBannerLines = 1024

	br, isBuffered := r.(*bufio.Reader)
	if !isBuffered {
		br = bufio.NewReader(r)
	}

	for line := 0; line < maxBannerLines; line++ {
		var buf [255]byte
		var ok bool
		var idx int
		for len(buf) > idx {
			var b [1]byte
			if _, err := io.ReadFull(br, b[:]); err != nil {
				return nil, err
			}
			if b[0] == '\r' {
				continue
			}
			if b[0] == '\n' {
				ok = true
				break
			}
			buf[idx] = b[0]
			idx++
		}
		if !ok {
			return nil, errors.New("ssh: invalid version string")
		}
		if idx >= 4 && string(buf[:4]) == "SSH-" {
			return buf[:idx], nil
		}
	}
	return nil, errors.New("ssh: invalid version string")
}
