package ssh

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ForwardedConnHandler is offered each inbound connection the server routes
// to a port previously registered with ListenForwardedPort. Returning true
// accepts the channel (the handler now owns pumping it); false rejects it.
type ForwardedConnHandler func(ch *Channel, originatorAddr string, originatorPort uint32) bool

type forwardEntry struct {
	handler ForwardedConnHandler
}

// remotePortForwarder is the interceptor that owns the
// "tcpip-forward"/"cancel-tcpip-forward" global-request exchange and
// inbound "forwarded-tcpip" channel opens.
type remotePortForwarder struct {
	fr      *framer
	table   *channelTable
	conn    closer
	log     *logrus.Entry
	metrics MetricsSink

	// globalMu serializes the send-then-await critical section of every
	// global request onto a single in-flight slot.
	globalMu sync.Mutex
	slot     *responseSlot

	// sf collapses concurrent identical Listen/Cancel calls (same verb
	// and address) onto one wire round trip instead of issuing redundant
	// requests the server would answer identically.
	sf singleflight.Group

	mu       sync.Mutex
	registry map[uint32]forwardEntry
}

func newRemotePortForwarder(fr *framer, table *channelTable, conn closer, log *logrus.Entry, metrics MetricsSink) *remotePortForwarder {
	if metrics == nil {
		metrics = NoopMetricsSink{}
	}
	return &remotePortForwarder{
		fr:       fr,
		table:    table,
		conn:     conn,
		log:      log,
		metrics:  metrics,
		slot:     newResponseSlot(),
		registry: make(map[uint32]forwardEntry),
	}
}

func (p *remotePortForwarder) interceptPacket(payload []byte) interceptResult {
	if len(payload) == 0 {
		return passThrough
	}
	switch payload[0] {
	case msgRequestSuccess, msgRequestFailure:
		p.slot.deliver(payload)
		return consumed
	case msgChannelOpen:
		var m channelOpenMsg
		if err := unmarshal(&m, payload, msgChannelOpen); err != nil {
			return passThrough
		}
		if m.ChanType != "forwarded-tcpip" {
			return passThrough
		}
		p.handleForwardedTCPIP(&m)
		return consumed
	}
	return passThrough
}

func (p *remotePortForwarder) onConnectionClosed() {
	p.slot.closeSlot()
}

// sendGlobalRequest writes a GLOBAL_REQUEST and, if wantReply, blocks for
// SUCCESS/FAILURE under globalMu so at most one global request is ever in
// flight.
func (p *remotePortForwarder) sendGlobalRequest(reqType string, wantReply bool, data []byte) (bool, []byte, error) {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	m := globalRequestMsg{Type: reqType, WantReply: wantReply, Data: data}
	if err := p.fr.writePacket(marshal(msgGlobalRequest, m)); err != nil {
		return false, nil, err
	}
	if !wantReply {
		return true, nil, nil
	}
	payload, err := p.slot.waitTimeout()
	if err != nil {
		return false, nil, err
	}
	switch payload[0] {
	case msgRequestSuccess:
		var r globalRequestSuccessMsg
		if err := unmarshal(&r, payload, msgRequestSuccess); err != nil {
			return false, nil, errors.WithStack(err)
		}
		return true, r.Data, nil
	case msgRequestFailure:
		return false, nil, nil
	default:
		return false, nil, errors.Errorf("ssh: unexpected reply to global request: opcode %d", payload[0])
	}
}

// ListenForwardedPort asks the server to listen on addr:port and route
// accepted connections to handler. Requesting port 0
// lets the server choose; the assigned port is returned.
func (p *remotePortForwarder) ListenForwardedPort(handler ForwardedConnHandler, addr string, port uint32) (uint32, error) {
	key := "listen:" + addr + ":" + portKey(port)
	result, err, _ := p.sf.Do(key, func() (interface{}, error) {
		data := appendString(nil, addr)
		data = appendU32(data, port)
		ok, reply, err := p.sendGlobalRequest("tcpip-forward", true, data)
		if err != nil {
			return uint32(0), err
		}
		if !ok {
			return uint32(0), errors.Errorf("ssh: tcpip-forward request for %s:%d rejected", addr, port)
		}
		assigned := port
		if port == 0 {
			n, _, ok := parseUint32(reply)
			if !ok {
				return uint32(0), errors.WithStack(ErrProtocolViolation)
			}
			assigned = n
		}
		p.mu.Lock()
		p.registry[assigned] = forwardEntry{handler: handler}
		p.mu.Unlock()
		return assigned, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(uint32), nil
}

// CancelForwardedPort undoes a prior ListenForwardedPort for addr:port. A
// port of 0 clears every registered forward.
func (p *remotePortForwarder) CancelForwardedPort(addr string, port uint32) error {
	key := "cancel:" + addr + ":" + portKey(port)
	_, err, _ := p.sf.Do(key, func() (interface{}, error) {
		data := appendString(nil, addr)
		data = appendU32(data, port)
		ok, _, err := p.sendGlobalRequest("cancel-tcpip-forward", true, data)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("ssh: cancel-tcpip-forward request for %s:%d rejected", addr, port)
		}
		p.mu.Lock()
		if port == 0 {
			p.registry = make(map[uint32]forwardEntry)
		} else {
			delete(p.registry, port)
		}
		p.mu.Unlock()
		return nil, nil
	})
	return err
}

func portKey(port uint32) string {
	var buf [10]byte
	n := len(buf)
	if port == 0 {
		return "0"
	}
	for port > 0 {
		n--
		buf[n] = byte('0' + port%10)
		port /= 10
	}
	return string(buf[n:])
}

// handleForwardedTCPIP implements RFC 4254 7.2's forwarded-tcpip channel
// open.
func (p *remotePortForwarder) handleForwardedTCPIP(msg *channelOpenMsg) {
	_, rest, ok := parseString(msg.TypeSpecificData)
	if !ok {
		p.reject(msg.PeersId, AdministrativelyProhibited, "malformed forwarded-tcpip request")
		return
	}
	connectedPort, rest, ok := parseUint32(rest)
	if !ok {
		p.reject(msg.PeersId, AdministrativelyProhibited, "malformed forwarded-tcpip request")
		return
	}
	originatorAddr, rest, ok := parseString(rest)
	if !ok {
		p.reject(msg.PeersId, AdministrativelyProhibited, "malformed forwarded-tcpip request")
		return
	}
	originatorPort, _, ok := parseUint32(rest)
	if !ok {
		p.reject(msg.PeersId, AdministrativelyProhibited, "malformed forwarded-tcpip request")
		return
	}
	p.mu.Lock()
	entry, ok := p.registry[connectedPort]
	p.mu.Unlock()
	if !ok {
		p.reject(msg.PeersId, AdministrativelyProhibited, "no listener for port")
		return
	}

	ch := newChannel(p.fr, p.log, 0)
	ch.remoteId = msg.PeersId
	ch.remoteWin.add(msg.PeersWindow)
	ch.maxPacket = msg.MaxPacketSize
	p.table.allocate(func(id uint32) *Channel {
		ch.localId = id
		return ch
	})

	if !entry.handler(ch, string(originatorAddr), originatorPort) {
		p.table.remove(ch.localId)
		p.reject(msg.PeersId, AdministrativelyProhibited, "rejected by handler")
		return
	}

	confirm := channelOpenConfirmMsg{
		PeersId:       msg.PeersId,
		MyId:          ch.localId,
		MyWindow:      channelWindowSize,
		MaxPacketSize: channelMaxPacket,
	}
	if err := p.fr.writePacket(marshal(msgChannelOpenConfirm, confirm)); err != nil {
		p.log.WithError(err).Warn("failed to confirm forwarded-tcpip channel")
		return
	}
	p.metrics.ForwardedChannelOpened("forwarded-tcpip")
}

func (p *remotePortForwarder) reject(peersId uint32, reason uint32, message string) {
	m := channelOpenFailureMsg{PeersId: peersId, Reason: reason, Message: message, Language: "en-US"}
	if err := p.fr.writePacket(marshal(msgChannelOpenFailure, m)); err != nil {
		p.log.WithError(err).Warn("failed to send channel open failure")
	}
}

// parseTCPAddr builds a *net.TCPAddr from an IP literal and a port; for a
// host name the returned address has no IP. It does no other validation.
func parseTCPAddr(addr string, port uint32) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(addr), Port: int(port)}
}
