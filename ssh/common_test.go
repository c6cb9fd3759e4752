package ssh

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeStringStripsControlChars(t *testing.T) {
	in := "hello\x01world\tok\r\n"
	out := safeString(in)
	assert.Equal(t, "hello world\tok\r\n", out)
}

func TestSafeStringLeavesPlainTextAlone(t *testing.T) {
	assert.Equal(t, "plain text", safeString("plain text"))
}

func TestDhGroupForKnownGroups(t *testing.T) {
	g, err := dhGroupFor(kexAlgoDH1SHA1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.g.Int64())

	g14, err := dhGroupFor(kexAlgoDH14SHA256, nil)
	require.NoError(t, err)
	assert.NotNil(t, g14.p)
}

func TestDhGroupForExtraGroupRequiresModulus(t *testing.T) {
	_, err := dhGroupFor(kexAlgoDH16SHA512, nil)
	require.Error(t, err)

	p := big.NewInt(23)
	g, err := dhGroupFor(kexAlgoDH16SHA512, map[string]*big.Int{kexAlgoDH16SHA512: p})
	require.NoError(t, err)
	assert.Equal(t, 0, g.p.Cmp(p))
}

func TestDhGroupForUnknown(t *testing.T) {
	_, err := dhGroupFor("nonsense", nil)
	require.Error(t, err)
}

func TestDiffieHellmanRejectsOutOfBounds(t *testing.T) {
	group := &dhGroup{g: big.NewInt(2), p: big.NewInt(23)}
	_, err := group.diffieHellman(big.NewInt(0), big.NewInt(6))
	require.Error(t, err)
	_, err = group.diffieHellman(big.NewInt(23), big.NewInt(6))
	require.Error(t, err)

	shared, err := group.diffieHellman(big.NewInt(4), big.NewInt(6))
	require.NoError(t, err)
	assert.NotNil(t, shared)
}

func TestFindAgreedAlgorithms(t *testing.T) {
	client := &kexInitMsg{
		KexAlgos:                []string{kexAlgoDH14SHA256, kexAlgoDH1SHA1},
		ServerHostKeyAlgos:      []string{hostAlgoRSA},
		CiphersClientServer:     []string{"aes128-ctr"},
		CiphersServerClient:     []string{"aes128-ctr"},
		MACsClientServer:        []string{"hmac-sha1"},
		MACsServerClient:        []string{"hmac-sha1"},
		CompressionClientServer: []string{compressionNone},
		CompressionServerClient: []string{compressionNone},
	}
	server := &kexInitMsg{
		KexAlgos:                []string{kexAlgoDH1SHA1},
		ServerHostKeyAlgos:      []string{hostAlgoRSA, hostAlgoDSA},
		CiphersClientServer:     []string{"aes128-ctr", "aes256-ctr"},
		CiphersServerClient:     []string{"aes128-ctr"},
		MACsClientServer:        []string{"hmac-sha1"},
		MACsServerClient:        []string{"hmac-sha1"},
		CompressionClientServer: []string{compressionNone},
		CompressionServerClient: []string{compressionNone},
	}

	n, err := findAgreedAlgorithms(client, server)
	require.NoError(t, err)
	assert.Equal(t, kexAlgoDH1SHA1, n.kex)
	assert.Equal(t, hostAlgoRSA, n.hostKey)
	assert.Equal(t, "aes128-ctr", n.cipherClientServer)
}

func TestFindAgreedAlgorithmsNoCommonKex(t *testing.T) {
	client := &kexInitMsg{KexAlgos: []string{kexAlgoDH1SHA1}}
	server := &kexInitMsg{KexAlgos: []string{kexAlgoDH14SHA256}}
	_, err := findAgreedAlgorithms(client, server)
	require.Error(t, err)
}

func TestFindCommonCipherRejectsUnknownCipher(t *testing.T) {
	_, ok := findCommonCipher([]string{"made-up-cipher"}, []string{"made-up-cipher"})
	assert.False(t, ok)
}

func TestSerializeSignature(t *testing.T) {
	out := serializeSignature(hostAlgoRSA, []byte{1, 2, 3})

	name, rest, ok := parseString(out)
	require.True(t, ok)
	assert.Equal(t, hostAlgoRSA, string(name))

	sig, _, ok := parseString(rest)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, sig)
}

func TestWindowReserveAndAdd(t *testing.T) {
	w := newWindow(10)
	got := w.reserve(4)
	assert.Equal(t, uint32(4), got)

	ok := w.add(6)
	assert.True(t, ok)

	got = w.reserve(100)
	assert.Equal(t, uint32(12), got)
}

func TestWindowReserveBlocksUntilAdd(t *testing.T) {
	w := newWindow(0)
	var wg sync.WaitGroup
	wg.Add(1)
	var got uint32
	go func() {
		defer wg.Done()
		got = w.reserve(5)
	}()

	time.Sleep(20 * time.Millisecond)
	w.add(5)
	wg.Wait()
	assert.Equal(t, uint32(5), got)
}

func TestWindowCloseUnblocksReserve(t *testing.T) {
	w := newWindow(0)
	done := make(chan uint32, 1)
	go func() {
		done <- w.reserve(5)
	}()

	time.Sleep(20 * time.Millisecond)
	w.close()
	assert.Equal(t, uint32(0), <-done)
}

func TestWindowAddOverflowRejected(t *testing.T) {
	w := newWindow(^uint32(0))
	ok := w.add(1)
	assert.False(t, ok)
}

func TestWindowAddZeroIsNoop(t *testing.T) {
	w := newWindow(3)
	assert.True(t, w.add(0))
	assert.Equal(t, uint32(3), w.reserve(3))
}
