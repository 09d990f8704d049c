package main

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/socks5"
)

// chunkedConn is a minimal net.Conn that serves Read from a queue of
// pre-chunked byte slices, one chunk per call, so readSocks5's "read more
// and retry" loop can be exercised deterministically.
type chunkedConn struct {
	net.Conn
	chunks [][]byte
}

func (c *chunkedConn) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, net.ErrClosed
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	n := copy(p, chunk)
	return n, nil
}

func (c *chunkedConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *chunkedConn) Close() error                { return nil }
func (c *chunkedConn) SetDeadline(time.Time) error  { return nil }

func TestReadSocks5AccumulatesAcrossShortReads(t *testing.T) {
	t.Parallel()

	// Greeting: version 5, 1 method offered, NO-AUTH, split across two reads.
	conn := &chunkedConn{chunks: [][]byte{{0x05, 0x01}, {0x00}}}
	parser := &socks5.Parser{}

	buf, err := readSocks5(conn, parser.ReceiveGreeting)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x01, 0x00}, buf)
}

func TestReadSocks5ParsesDomainRequestAcrossReads(t *testing.T) {
	t.Parallel()

	// version, CONNECT, reserved, ATYP=domain, len=11, "example.com", port 80.
	domain := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, 0x00, 0x50)

	conn := &chunkedConn{chunks: [][]byte{req[:3], req[3:]}}
	parser := &socks5.Parser{}

	_, err := readSocks5(conn, parser.ReceiveRequest)
	require.NoError(t, err)
	assert.Equal(t, domain, parser.DstAddr)
	assert.Equal(t, uint16(80), parser.DstPort)
	assert.Equal(t, socks5.ATYPDomain, parser.AddressType)
}

func TestReadSocks5PropagatesParseError(t *testing.T) {
	t.Parallel()

	conn := &chunkedConn{chunks: [][]byte{{0x04, 0x01, 0x00}}}
	parser := &socks5.Parser{}

	_, err := readSocks5(conn, parser.ReceiveGreeting)
	assert.Error(t, err)
}
