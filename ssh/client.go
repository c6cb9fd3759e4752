package ssh

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// clientVersion is the default identification string sent during version
// exchange when ClientConfig.ClientVersion is unset.
var clientVersion = []byte("SSH-2.0-Go")

// authOutcome carries the result of an asynchronous keyboard-interactive
// run back to the goroutine blocked in clientWithAddress.
type authOutcome struct {
	err error
}

// Connection is the client side of an SSH connection: it owns the socket,
// the Framer, and the Interceptor Chain, and exposes the operations named
// here. Construct one with Dial or Client.
type Connection struct {
	id  uint64
	log *logrus.Entry
	cfg *ClientConfig

	fr       *framer
	chain    *interceptorChain
	channels *channelTable

	kex     *keyExchanger
	auth    *userAuthenticator
	forward *remotePortForwarder
	agent   *agentForwarder

	group    *errgroup.Group
	groupCtx context.Context
	rekeying int32

	dialAddress   string
	serverVersion string
	sessionID     []byte

	// OnError is invoked, at most once, with the non-nil error that closed
	// the connection; a local Close(nil) or Disconnect does not invoke it. OnBanner
	// and OnUnknownPacket surface packets the default dispatch has no more
	// specific home for. All three are optional.
	OnError         func(err error)
	OnBanner        func(message string)
	OnUnknownPacket func(opcode byte, payload []byte)

	authDone chan authOutcome

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Dial connects to addr over network and runs the handshake, authentication,
// and background machinery.
func Dial(network, addr string, config *ClientConfig) (*Connection, error) {
	conn, err := config.dialer().Dial(network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "ssh: dial")
	}
	c, err := clientWithAddress(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Client runs the handshake, authentication, and background machinery over
// an already-established connection, e.g. one accepted from a proxy.
func Client(conn net.Conn, config *ClientConfig) (*Connection, error) {
	return clientWithAddress(conn, "", config)
}

func clientWithAddress(conn net.Conn, dialAddress string, cfg *ClientConfig) (*Connection, error) {
	id := nextConnID()
	group, groupCtx := errgroup.WithContext(context.Background())

	c := &Connection{
		id:          id,
		cfg:         cfg,
		log:         newConnLogger(cfg.logger(), id, "connection"),
		fr:          newFramer(conn, cfg.rand()),
		chain:       &interceptorChain{},
		channels:    &channelTable{},
		group:       group,
		groupCtx:    groupCtx,
		dialAddress: dialAddress,
		closed:      make(chan struct{}),
		authDone:    make(chan authOutcome, 1),
	}
	spawn := func(task func() error) { c.group.Go(task) }

	clientVer := clientVersion
	if cfg.ClientVersion != "" {
		clientVer = []byte(cfg.ClientVersion)
	}
	if _, err := conn.Write(append(append([]byte(nil), clientVer...), '\r', '\n')); err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	serverVer, err := readVersion(c.fr.br)
	if err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	c.serverVersion = string(serverVer)

	c.kex = newKeyExchanger(c.fr, cfg, c, newConnLogger(cfg.logger(), id, "kex"), clientVer, serverVer, dialAddress, conn.RemoteAddr(), spawn)
	c.chain.install(c.kex)

	c.group.Go(func() error {
		c.readLoop()
		return nil
	})

	if err := c.kex.ExecKeyExchange(true); err != nil {
		c.Close(err)
		return nil, err
	}
	c.sessionID = c.kex.sessionID

	c.auth = newUserAuthenticator(c.fr, cfg, c, newConnLogger(cfg.logger(), id, "auth"), c.sessionID, c.handleBanner, spawn)
	c.auth.onComplete = c.handleAuthComplete
	c.chain.install(c.auth)

	state, err := c.auth.ExecAuthentication(cfg.Auth)
	if err != nil {
		c.Close(err)
		return nil, err
	}
	if state == authAwaitingPromptResponse {
		outcome := <-c.authDone
		if outcome.err != nil {
			return nil, outcome.err
		}
	}

	c.forward = newRemotePortForwarder(c.fr, c.channels, c, newConnLogger(cfg.logger(), id, "forward"), cfg.metrics())
	c.chain.install(c.forward)

	c.agent = newAgentForwarder(c.fr, c.channels, cfg.AgentKeyProvider, newConnLogger(cfg.logger(), id, "agent"), cfg.metrics(), spawn)
	c.chain.install(c.agent)

	c.log.Info("connection established")
	return c, nil
}

func (c *Connection) handleBanner(message string) {
	if c.OnBanner != nil {
		c.OnBanner(message)
	}
}

func (c *Connection) handleAuthComplete(success bool, err error) {
	outcome := authOutcome{}
	if !success {
		if err != nil {
			outcome.err = err
		} else {
			outcome.err = errors.WithStack(ErrAuthenticationFailed)
		}
	}
	select {
	case c.authDone <- outcome:
	default:
	}
}

// readLoop is the connection's single reader: it
// offers every inbound packet to the interceptor chain first, falls back to
// defaultDispatch, and schedules a rekey when the framer's thresholds are
// crossed.
func (c *Connection) readLoop() {
	for {
		select {
		case <-c.groupCtx.Done():
			c.Close(c.groupCtx.Err())
			return
		default:
		}

		payload, err := c.fr.readPacket()
		if err != nil {
			c.Close(errors.Wrap(err, "ssh: read"))
			return
		}
		c.cfg.metrics().PacketFramed("in", len(payload))

		if !c.chain.dispatch(payload) {
			if err := c.defaultDispatch(payload); err != nil {
				c.Close(err)
				return
			}
		}

		if c.fr.needsRekey() {
			c.maybeRekey()
		}
	}
}

// maybeRekey spawns at most one concurrent client-initiated rekey; a
// second call while one is already running is a harmless no-op, since
// keyExchanger.ExecKeyExchange itself rejects overlapping runs.
func (c *Connection) maybeRekey() {
	if !atomic.CompareAndSwapInt32(&c.rekeying, 0, 1) {
		return
	}
	c.group.Go(func() error {
		defer atomic.StoreInt32(&c.rekeying, 0)
		return c.kex.ExecKeyExchange(false)
	})
}

// defaultDispatch handles packets no interceptor
// claimed. CHANNEL_OPEN itself is excluded from the channel-message range
// on purpose -- it is owned by whichever interceptor recognizes the
// channel-type string (remote port forwarder, agent forwarder); one that
// reaches here unclaimed is reported via OnUnknownPacket.
func (c *Connection) defaultDispatch(payload []byte) error {
	if len(payload) == 0 {
		return errors.WithStack(ErrProtocolViolation)
	}
	switch payload[0] {
	case msgDisconnect:
		var m disconnectMsg
		if err := unmarshal(&m, payload, msgDisconnect); err != nil {
			return errors.WithStack(ErrProtocolViolation)
		}
		c.log.WithFields(logrus.Fields{"reason": m.Reason, "message": safeString(m.Message)}).Info("peer disconnected")
		return errors.Wrap(ErrConnectionClosed, safeString(m.Message))
	case msgIgnore:
		if c.OnUnknownPacket != nil {
			c.OnUnknownPacket(payload[0], payload)
		}
		return nil
	case msgDebug:
		var m debugMsg
		if err := unmarshal(&m, payload, msgDebug); err == nil {
			c.log.WithField("message", safeString(m.Message)).Debug("peer debug message")
		}
		return nil
	case msgChannelOpenConfirm, msgChannelOpenFailure, msgChannelWindowAdjust,
		msgChannelData, msgChannelExtendedData, msgChannelEOF, msgChannelClose,
		msgChannelRequest, msgChannelSuccess, msgChannelFailure:
		return c.channels.handlePacket(payload)
	default:
		if c.OnUnknownPacket != nil {
			c.OnUnknownPacket(payload[0], payload)
		}
		return nil
	}
}

// Close implements the closer capability given to every interceptor: it
// tears the connection down exactly once and reports err via OnError.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.chain.closeAll()
		c.channels.closeAll()
		c.fr.Close()
		if err != nil && c.OnError != nil {
			c.OnError(err)
		}
	})
}

// SessionID returns the exchange hash of the first key exchange, immutable
// for the life of the connection.
func (c *Connection) SessionID() []byte { return c.sessionID }

// Done returns a channel closed once the connection has shut down, for
// callers that want to select on it alongside other work.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns the error that closed the connection, or nil if it is still
// open or was closed cleanly (a local Close(nil) or Disconnect).
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// OpenShell opens a session channel and requests an interactive shell.
func (c *Connection) OpenShell() (*Channel, error) {
	ch, err := c.openSession()
	if err != nil {
		return nil, err
	}
	ok, err := ch.SendRequest("shell", true, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if !ok {
		ch.Close()
		return nil, errors.New("ssh: shell request denied")
	}
	return ch, nil
}

// ExecCommand opens a session channel and requests execution of cmd.
func (c *Connection) ExecCommand(cmd string) (*Channel, error) {
	ch, err := c.openSession()
	if err != nil {
		return nil, err
	}
	ok, err := ch.SendRequest("exec", true, appendString(nil, cmd))
	if err != nil {
		ch.Close()
		return nil, err
	}
	if !ok {
		ch.Close()
		return nil, errors.Errorf("ssh: exec request denied: %q", cmd)
	}
	return ch, nil
}

// OpenSubsystem opens a session channel and requests the named subsystem
// (e.g. "sftp").
func (c *Connection) OpenSubsystem(name string) (*Channel, error) {
	ch, err := c.openSession()
	if err != nil {
		return nil, err
	}
	ok, err := ch.SendRequest("subsystem", true, appendString(nil, name))
	if err != nil {
		ch.Close()
		return nil, err
	}
	if !ok {
		ch.Close()
		return nil, errors.Errorf("ssh: subsystem request denied: %q", name)
	}
	return ch, nil
}

func (c *Connection) openSession() (*Channel, error) {
	return openChannel(c.fr, newConnLogger(c.cfg.logger(), c.id, "channel"), c.channels, "session", nil)
}

// ListenForwardedPort asks the server to listen on addr:port and route
// accepted connections to handler. Port 0 lets the
// server choose; the assigned port is returned.
func (c *Connection) ListenForwardedPort(handler ForwardedConnHandler, addr string, port uint32) (uint32, error) {
	return c.forward.ListenForwardedPort(handler, addr, port)
}

// CancelForwardedPort undoes a prior ListenForwardedPort. Port 0 clears
// every registered forward.
func (c *Connection) CancelForwardedPort(addr string, port uint32) error {
	return c.forward.CancelForwardedPort(addr, port)
}

// ForwardLocalPort is the direct counterpart of ListenForwardedPort: given
// a channel already opened by an inbound
// "forwarded-tcpip" request, dial addr:port via the configured Dialer and
// pump bytes between the channel and that connection until either side is
// done. It is the natural ForwardedConnHandler body for remote port
// forwarding (ssh -R): the server routes a connection to us, and we relay
// it to whatever is actually listening at addr:port.
func (c *Connection) ForwardLocalPort(ch *Channel, addr string, port uint32) error {
	defer ch.Close()
	target, err := c.cfg.dialer().Dial("tcp", net.JoinHostPort(addr, portKey(port)))
	if err != nil {
		return errors.Wrap(err, "ssh: dial forward target")
	}
	defer target.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(target, ch)
		ch.CloseWrite()
		if half, ok := target.(interface{ CloseWrite() error }); ok {
			half.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(ch, target)
		done <- struct{}{}
	}()
	<-done
	<-done
	return nil
}

// SendIgnorable sends an SSH_MSG_IGNORE carrying data, e.g. as a keepalive.
func (c *Connection) SendIgnorable(data string) error {
	err := c.fr.writePacket(marshal(msgIgnore, ignoreMsg{Data: data}))
	if err == nil {
		c.cfg.metrics().PacketFramed("out", len(data)+5)
	}
	return err
}

// Disconnect sends SSH_MSG_DISCONNECT with reasonCode (RFC 4253 11.1) and
// message, then closes the connection locally.
func (c *Connection) Disconnect(reasonCode uint32, message string) error {
	err := c.fr.writePacket(marshal(msgDisconnect, disconnectMsg{Reason: reasonCode, Message: message, Language: "en-US"}))
	c.Close(nil)
	return err
}
