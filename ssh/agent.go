package ssh

import (
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh/agent"
)

// AgentKeyProvider answers the standard OpenSSH agent protocol over a
// forwarded auth-agent@openssh.com channel. Set ClientConfig.AgentKeyProvider
// to agent.NewClient wrapping a local agent socket, or any other
// golang.org/x/crypto/ssh/agent.Agent implementation, to answer signing
// requests the server forwards back to us.
type AgentKeyProvider = agent.Agent

// agentForwarder is the interceptor handling inbound
// "auth-agent@openssh.com" channel opens, built against RFC-adjacent
// OpenSSH convention and golang.org/x/crypto/ssh/agent's wire protocol
// implementation, which answers the forwarded requests for us instead of
// this package hand-parsing SSH_AGENTC_*/SSH_AGENT_* messages.
type agentForwarder struct {
	fr       *framer
	table    *channelTable
	provider AgentKeyProvider
	log      *logrus.Entry
	metrics  MetricsSink
	spawn    func(task func() error)
}

func newAgentForwarder(fr *framer, table *channelTable, provider AgentKeyProvider, log *logrus.Entry, metrics MetricsSink, spawn func(func() error)) *agentForwarder {
	if spawn == nil {
		spawn = func(task func() error) {
			go func() {
				if err := task(); err != nil {
					log.WithError(err).Warn("agent forwarding session failed")
				}
			}()
		}
	}
	if metrics == nil {
		metrics = NoopMetricsSink{}
	}
	return &agentForwarder{fr: fr, table: table, provider: provider, log: log, metrics: metrics, spawn: spawn}
}

func (a *agentForwarder) interceptPacket(payload []byte) interceptResult {
	if len(payload) == 0 || payload[0] != msgChannelOpen {
		return passThrough
	}
	var m channelOpenMsg
	if err := unmarshal(&m, payload, msgChannelOpen); err != nil {
		return passThrough
	}
	if m.ChanType != "auth-agent@openssh.com" {
		return passThrough
	}
	a.handleOpen(&m)
	return consumed
}

func (a *agentForwarder) onConnectionClosed() {}

func (a *agentForwarder) handleOpen(msg *channelOpenMsg) {
	if a.provider == nil {
		a.reject(msg.PeersId, "agent forwarding not configured")
		return
	}

	ch := newChannel(a.fr, a.log, 0)
	ch.remoteId = msg.PeersId
	ch.remoteWin.add(msg.PeersWindow)
	ch.maxPacket = msg.MaxPacketSize
	a.table.allocate(func(id uint32) *Channel {
		ch.localId = id
		return ch
	})

	confirm := channelOpenConfirmMsg{
		PeersId:       msg.PeersId,
		MyId:          ch.localId,
		MyWindow:      channelWindowSize,
		MaxPacketSize: channelMaxPacket,
	}
	if err := a.fr.writePacket(marshal(msgChannelOpenConfirm, confirm)); err != nil {
		a.log.WithError(err).Warn("failed to confirm auth-agent channel")
		return
	}
	a.metrics.ForwardedChannelOpened("auth-agent@openssh.com")

	a.spawn(func() error {
		defer ch.Close()
		err := agent.ServeAgent(a.provider, ch)
		if err == io.EOF {
			return nil
		}
		return err
	})
}

func (a *agentForwarder) reject(peersId uint32, message string) {
	m := channelOpenFailureMsg{PeersId: peersId, Reason: AdministrativelyProhibited, Message: message, Language: "en-US"}
	if err := a.fr.writePacket(marshal(msgChannelOpenFailure, m)); err != nil {
		a.log.WithError(err).Warn("failed to send channel open failure")
	}
}
