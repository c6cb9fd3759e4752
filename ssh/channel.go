package ssh

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Per-channel flow-control defaults, RFC 4254 section 5.1. 32k is both the
// minimum and the value OpenSSH itself advertises.
const (
	channelWindowSize = 1 << 20
	channelMaxPacket  = 1 << 15
)

// channelStream is the read side of a channel's stdout or stderr: bytes
// delivered by CHANNEL_DATA/CHANNEL_EXTENDED_DATA accumulate in buf until a
// Read call drains them; EOF and Close are sticky.
type channelStream struct {
	cond   *sync.Cond
	buf    []byte
	eof    bool
	closed bool
}

func newChannelStream() *channelStream {
	return &channelStream{cond: newCond()}
}

func (s *channelStream) write(p []byte) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, p...)
	s.cond.Broadcast()
}

func (s *channelStream) markEOF() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.eof = true
	s.cond.Broadcast()
}

func (s *channelStream) shutdown() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func (s *channelStream) Read(p []byte) (int, error) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for len(s.buf) == 0 && !s.eof && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		if s.closed {
			return 0, io.ErrClosedPipe
		}
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Channel is one RFC 4254 multiplexed stream within a Connection: the
// minimal operator needed to drive a shell,
// an exec, a subsystem, or either direction of a forwarded TCP stream. The
// terminal-emulation or byte-pump logic layered on top is an external
// collaborator's job, not this package's.
type Channel struct {
	fr  *framer
	log *logrus.Entry

	localId  uint32
	remoteId uint32

	maxPacket uint32  // ceiling on a single outbound data packet, set by the peer
	remoteWin *window // peer's receive window: how much we may still send

	stdout *channelStream
	stderr *channelStream

	// msg carries channel-scoped control replies (open confirm/failure,
	// request success/failure) to whichever goroutine is waiting on them.
	msg chan interface{}

	mu        sync.Mutex
	sentEOF   bool
	sentClose bool
	msgClosed bool
}

func newChannel(fr *framer, log *logrus.Entry, localId uint32) *Channel {
	return &Channel{
		fr:        fr,
		log:       log,
		localId:   localId,
		maxPacket: channelMaxPacket,
		remoteWin: newWindow(0),
		stdout:    newChannelStream(),
		stderr:    newChannelStream(),
		// Buffered so a handful of control replies (open confirm/failure,
		// request success/failure, an unsolicited peer request) can queue
		// up without stalling the connection's single read loop; a
		// consumer that falls far enough behind still blocks it, same as
		// an unbounded backlog on any single-consumer channel would.
		msg: make(chan interface{}, 4),
	}
}

// channelTable is the connection's mapping from local channel number to
// Channel, covering both locally-opened and remotely-offered channels.
type channelTable struct {
	mu    sync.Mutex
	chans []*Channel
}

// allocate reserves the next local channel number (one past the highest
// ever allocated; numbers of removed channels are never reused) and
// constructs a Channel for it via newCh, under the table lock so two
// openers can never race onto the same id.
func (t *channelTable) allocate(newCh func(id uint32) *Channel) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uint32(len(t.chans))
	ch := newCh(id)
	t.chans = append(t.chans, ch)
	return ch
}

func (t *channelTable) get(id uint32) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= uint32(len(t.chans)) {
		return nil, false
	}
	ch := t.chans[id]
	return ch, ch != nil
}

func (t *channelTable) remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < uint32(len(t.chans)) {
		t.chans[id] = nil
	}
}

func (t *channelTable) closeAll() {
	t.mu.Lock()
	chans := append([]*Channel(nil), t.chans...)
	t.mu.Unlock()
	for _, ch := range chans {
		if ch != nil {
			ch.shutdown()
		}
	}
}

// handlePacket routes a CHANNEL_* packet, except CHANNEL_OPEN (owned by
// whichever interceptor recognizes the channel-type string: the remote
// port forwarder or the agent forwarder), to the channel named by its
// recipient-channel field.
func (t *channelTable) handlePacket(payload []byte) error {
	if len(payload) < 5 {
		return errors.WithStack(ErrProtocolViolation)
	}
	switch payload[0] {
	case msgChannelData:
		if len(payload) < 9 {
			return errors.WithStack(ErrProtocolViolation)
		}
		id, rest, _ := parseUint32(payload[1:])
		length, data, _ := parseUint32(rest)
		if uint64(length) != uint64(len(data)) {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch, ok := t.get(id)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch.stdout.write(data)
		ch.replenishWindow(uint32(len(data)))
		return nil
	case msgChannelExtendedData:
		if len(payload) < 13 {
			return errors.WithStack(ErrProtocolViolation)
		}
		id, rest, _ := parseUint32(payload[1:])
		dataType, rest, _ := parseUint32(rest)
		length, data, _ := parseUint32(rest)
		if uint64(length) != uint64(len(data)) {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch, ok := t.get(id)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		// RFC 4254 5.2 defines data_type_code 1 as stderr for interactive
		// sessions; other extended-data types are silently discarded.
		if dataType == 1 {
			ch.stderr.write(data)
		}
		ch.replenishWindow(uint32(len(data)))
		return nil
	}

	decoded, err := decode(payload)
	if err != nil {
		return err
	}
	switch m := decoded.(type) {
	case *channelOpenConfirmMsg:
		ch, ok := t.get(m.PeersId)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch.remoteId = m.MyId
		ch.remoteWin.add(m.MyWindow)
		ch.maxPacket = m.MaxPacketSize
		ch.deliverMsg(m)
	case *channelOpenFailureMsg:
		ch, ok := t.get(m.PeersId)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch.deliverMsg(m)
	case *channelRequestSuccessMsg:
		ch, ok := t.get(m.PeersId)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch.deliverMsg(m)
	case *channelRequestFailureMsg:
		ch, ok := t.get(m.PeersId)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch.deliverMsg(m)
	case *channelRequestMsg:
		ch, ok := t.get(m.PeersId)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch.deliverMsg(m)
	case *windowAdjustMsg:
		ch, ok := t.get(m.PeersId)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		if !ch.remoteWin.add(m.AdditionalBytes) {
			return errors.WithStack(ErrProtocolViolation)
		}
	case *channelEOFMsg:
		ch, ok := t.get(m.PeersId)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch.stdout.markEOF()
		ch.stderr.markEOF()
	case *channelCloseMsg:
		ch, ok := t.get(m.PeersId)
		if !ok {
			return errors.WithStack(ErrProtocolViolation)
		}
		ch.sendClose()
		ch.shutdown()
		t.remove(m.PeersId)
	default:
		return errors.Errorf("ssh: unexpected channel message %T", m)
	}
	return nil
}

// Read reads from the channel's primary data stream (stdout, in session
// terms).
func (c *Channel) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Stderr returns the channel's extended-data (data_type_code 1) stream.
func (c *Channel) Stderr() io.Reader {
	return c.stderr
}

// Write sends p as CHANNEL_DATA, respecting both the peer's advertised
// window and its maximum packet size, blocking until the whole of p is
// either sent or the channel/connection is torn down.
func (c *Channel) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := uint32(len(p))
		if n > c.maxPacket {
			n = c.maxPacket
		}
		n = c.remoteWin.reserve(n)
		if n == 0 {
			return written, errors.WithStack(ErrConnectionClosed)
		}
		m := marshal(msgChannelData, struct {
			PeersId uint32
			Length  uint32
			Rest    []byte `ssh:"rest"`
		}{c.remoteId, n, p[:n]})
		if err := c.fr.writePacket(m); err != nil {
			return written, err
		}
		p = p[n:]
		written += int(n)
	}
	return written, nil
}

// CloseWrite signals EOF to the peer without tearing down the read side,
// letting a caller finish writing before the remote command exits.
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	if c.sentEOF {
		c.mu.Unlock()
		return nil
	}
	c.sentEOF = true
	c.mu.Unlock()
	return c.fr.writePacket(marshal(msgChannelEOF, channelEOFMsg{PeersId: c.remoteId}))
}

func (c *Channel) sendClose() error {
	c.mu.Lock()
	if c.sentClose {
		c.mu.Unlock()
		return nil
	}
	c.sentClose = true
	c.mu.Unlock()
	return c.fr.writePacket(marshal(msgChannelClose, channelCloseMsg{PeersId: c.remoteId}))
}

// Close sends CHANNEL_CLOSE (if not already sent) and releases local
// resources. It does not wait for the peer's own CHANNEL_CLOSE.
func (c *Channel) Close() error {
	err := c.sendClose()
	c.shutdown()
	return err
}

// shutdown tears down local channel state, including waking any goroutine
// blocked in openChannel or SendRequest waiting on a reply that will now
// never arrive -- every stateful consumer of the packet stream must
// observe a connection close the same way.
func (c *Channel) shutdown() {
	c.stdout.shutdown()
	c.stderr.shutdown()
	c.remoteWin.close()

	c.mu.Lock()
	if !c.msgClosed {
		c.msgClosed = true
		close(c.msg)
	}
	c.mu.Unlock()
}

// deliverMsg hands a channel-scoped control reply to whatever goroutine is
// waiting in SendRequest or openChannel. It is a no-op once the channel has
// been shut down: the reply's only possible reader is already gone.
func (c *Channel) deliverMsg(m interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgClosed {
		return
	}
	c.msg <- m
}

// replenishWindow tops our advertised receive window back up by n bytes
// immediately after n bytes of data are delivered to a stream buffer,
// rather than tracking a shrinking window and periodically topping it up;
// simpler, at the cost of one extra small packet per CHANNEL_DATA message.
func (c *Channel) replenishWindow(n uint32) {
	if n == 0 {
		return
	}
	m := windowAdjustMsg{PeersId: c.remoteId, AdditionalBytes: n}
	if err := c.fr.writePacket(marshal(msgChannelWindowAdjust, m)); err != nil {
		c.log.WithError(err).Warn("failed to send window adjust")
	}
}

// SendRequest issues a channel request (exec, shell, pty-req, subsystem,
// window-change, ...), per RFC 4254 section 6. When wantReply is false it
// returns immediately after the write.
func (c *Channel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	req := channelRequestMsg{
		PeersId:             c.remoteId,
		Request:             name,
		WantReply:           wantReply,
		RequestSpecificData: payload,
	}
	if err := c.fr.writePacket(marshal(msgChannelRequest, req)); err != nil {
		return false, err
	}
	if !wantReply {
		return true, nil
	}
	m, ok := <-c.msg
	if !ok {
		return false, errors.WithStack(ErrConnectionClosed)
	}
	switch m.(type) {
	case *channelRequestSuccessMsg:
		return true, nil
	case *channelRequestFailureMsg:
		return false, nil
	default:
		return false, errors.Errorf("ssh: unexpected reply to channel request: %T", m)
	}
}

// openChannel performs the client-initiated channel-open handshake of RFC
// 4254 section 5.1: allocate a local channel number, send CHANNEL_OPEN, and
// block for CHANNEL_OPEN_CONFIRMATION or CHANNEL_OPEN_FAILURE.
func openChannel(fr *framer, log *logrus.Entry, table *channelTable, chanType string, extraData []byte) (*Channel, error) {
	ch := table.allocate(func(id uint32) *Channel { return newChannel(fr, log, id) })

	m := channelOpenMsg{
		ChanType:         chanType,
		PeersId:          ch.localId,
		PeersWindow:      channelWindowSize,
		MaxPacketSize:    channelMaxPacket,
		TypeSpecificData: extraData,
	}
	if err := fr.writePacket(marshal(msgChannelOpen, m)); err != nil {
		table.remove(ch.localId)
		return nil, err
	}

	reply, ok := <-ch.msg
	if !ok {
		table.remove(ch.localId)
		return nil, errors.WithStack(ErrConnectionClosed)
	}
	switch r := reply.(type) {
	case *channelOpenConfirmMsg:
		return ch, nil
	case *channelOpenFailureMsg:
		table.remove(ch.localId)
		return nil, errors.Errorf("ssh: channel open failed: %s (reason %d)", r.Message, r.Reason)
	default:
		table.remove(ch.localId)
		return nil, errors.Errorf("ssh: unexpected reply to channel open: %T", reply)
	}
}
