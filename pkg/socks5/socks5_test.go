package socks5_test

import (
	"testing"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiveGreeting(t *testing.T) {
	t.Parallel()

	t.Run("needs more until full buffer present", func(t *testing.T) {
		var p socks5.Parser
		status, err := p.ReceiveGreeting([]byte{0x05})
		require.NoError(t, err)
		assert.Equal(t, socks5.NeedMore, status)

		status, err = p.ReceiveGreeting([]byte{0x05, 0x02, 0x00})
		require.NoError(t, err)
		assert.Equal(t, socks5.NeedMore, status)
	})

	t.Run("accepts NO-AUTH offer", func(t *testing.T) {
		var p socks5.Parser
		status, err := p.ReceiveGreeting([]byte{0x05, 0x01, 0x00})
		require.NoError(t, err)
		assert.Equal(t, socks5.Done, status)
		assert.Equal(t, []byte{0x00}, p.OfferedMethods)
	})

	t.Run("rejects greeting offering only unsupported methods", func(t *testing.T) {
		var p socks5.Parser
		_, err := p.ReceiveGreeting([]byte{0x05, 0x01, 0x01})
		assert.Error(t, err)
	})
}

func TestSendGreetingAlwaysSelectsNoAuth(t *testing.T) {
	assert.Equal(t, []byte{0x05, 0x00}, socks5.SendGreeting())
}

func TestReceiveRequestIPv4(t *testing.T) {
	t.Parallel()

	buf := []byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50}
	var p socks5.Parser
	status, err := p.ReceiveRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, socks5.Done, status)
	assert.Equal(t, "1.2.3.4", p.DstAddr)
	assert.Equal(t, uint16(80), p.DstPort)
}

func TestReceiveRequestDomain(t *testing.T) {
	t.Parallel()

	host := "example.com"
	buf := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}, []byte(host)...)
	buf = append(buf, 0x01, 0xbb)

	var p socks5.Parser
	status, err := p.ReceiveRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, socks5.Done, status)
	assert.Equal(t, host, p.DstAddr)
	assert.Equal(t, uint16(443), p.DstPort)
}

func TestReceiveRequestNeedsMoreForTruncatedDomain(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x03, 11, 'e', 'x'}
	var p socks5.Parser
	status, err := p.ReceiveRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, socks5.NeedMore, status)
}

func TestReceiveRequestRejectsNonConnect(t *testing.T) {
	buf := []byte{0x05, 0x03, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50} // BIND
	var p socks5.Parser
	_, err := p.ReceiveRequest(buf)
	assert.Error(t, err)
}

func TestSendResponses(t *testing.T) {
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, socks5.SendSuccessResponse())
	assert.Equal(t, []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, socks5.SendFailedResponse(socks5.ErrGeneric))
}
