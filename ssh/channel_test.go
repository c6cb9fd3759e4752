package ssh

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func newLoopbackFramer() (*framer, *bytes.Buffer) {
	var buf bytes.Buffer
	return newFramer(&rwc{Reader: &buf, Writer: &buf}, bytes.NewReader(make([]byte, 1<<20))), &buf
}

func TestChannelTableAllocateNeverReusesFreedSlots(t *testing.T) {
	table := &channelTable{}
	a := table.allocate(func(id uint32) *Channel { return newChannel(nil, testLog(), id) })
	b := table.allocate(func(id uint32) *Channel { return newChannel(nil, testLog(), id) })
	assert.Equal(t, uint32(0), a.localId)
	assert.Equal(t, uint32(1), b.localId)

	table.remove(a.localId)
	c := table.allocate(func(id uint32) *Channel { return newChannel(nil, testLog(), id) })
	assert.Equal(t, uint32(2), c.localId)
}

func TestChannelTableGetMissing(t *testing.T) {
	table := &channelTable{}
	_, ok := table.get(5)
	assert.False(t, ok)
}

func TestChannelDataDelivery(t *testing.T) {
	fr, _ := newLoopbackFramer()
	table := &channelTable{}
	ch := table.allocate(func(id uint32) *Channel { return newChannel(fr, testLog(), id) })

	payload := append([]byte{msgChannelData}, marshalForTest(ch.localId, []byte("hello"))...)
	require.NoError(t, table.handlePacket(payload))

	got := make([]byte, 5)
	n, err := ch.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got[:n]))
}

func TestChannelExtendedDataStderr(t *testing.T) {
	fr, _ := newLoopbackFramer()
	table := &channelTable{}
	ch := table.allocate(func(id uint32) *Channel { return newChannel(fr, testLog(), id) })

	var buf []byte
	buf = appendU32(buf, ch.localId)
	buf = appendU32(buf, 1) // stderr data_type_code
	buf = appendU32(buf, uint32(len("oops")))
	buf = append(buf, "oops"...)
	payload := append([]byte{msgChannelExtendedData}, buf...)
	require.NoError(t, table.handlePacket(payload))

	got := make([]byte, 4)
	n, err := ch.Stderr().Read(got)
	require.NoError(t, err)
	assert.Equal(t, "oops", string(got[:n]))
}

func TestChannelEOFMarksBothStreams(t *testing.T) {
	fr, _ := newLoopbackFramer()
	table := &channelTable{}
	ch := table.allocate(func(id uint32) *Channel { return newChannel(fr, testLog(), id) })

	payload := marshal(msgChannelEOF, channelEOFMsg{PeersId: ch.localId})
	require.NoError(t, table.handlePacket(payload))

	_, err := ch.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
	_, err = ch.Stderr().Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}

func TestChannelCloseRemovesFromTable(t *testing.T) {
	fr, _ := newLoopbackFramer()
	table := &channelTable{}
	ch := table.allocate(func(id uint32) *Channel { return newChannel(fr, testLog(), id) })

	payload := marshal(msgChannelClose, channelCloseMsg{PeersId: ch.localId})
	require.NoError(t, table.handlePacket(payload))

	_, ok := table.get(ch.localId)
	assert.False(t, ok)
}

func TestChannelShutdownUnblocksSendRequest(t *testing.T) {
	fr, _ := newLoopbackFramer()
	ch := newChannel(fr, testLog(), 0)
	ch.remoteWin.add(channelWindowSize)

	done := make(chan error, 1)
	go func() {
		_, err := ch.SendRequest("shell", true, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.shutdown()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not unblock after shutdown")
	}
}

func TestChannelWriteRespectsWindow(t *testing.T) {
	fr, buf := newLoopbackFramer()
	ch := newChannel(fr, testLog(), 0)
	ch.remoteId = 7
	ch.remoteWin.add(3)
	ch.maxPacket = 1 << 15

	done := make(chan error, 1)
	go func() {
		_, err := ch.Write([]byte("hello"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Write returned before window permitted all bytes")
	default:
	}

	ch.remoteWin.add(2)
	require.NoError(t, <-done)
	assert.Greater(t, buf.Len(), 0)
}

// marshalForTest builds a CHANNEL_DATA body (sans opcode) for id/data.
func marshalForTest(id uint32, data []byte) []byte {
	var buf []byte
	buf = appendU32(buf, id)
	buf = appendU32(buf, uint32(len(data)))
	buf = append(buf, data...)
	return buf
}
