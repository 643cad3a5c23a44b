package lakebase

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	sslRequestCode    = 80877103
	cancelRequestCode = 80877102
)

// silentServer speaks just enough of the Postgres wire protocol over TLS to
// authenticate a client and answer its first query (the ping). Every later
// query is read and never answered.
func silentServer(t *testing.T) (string, int) {
	t.Helper()
	cfg := &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			go serveSilently(c, cfg)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func serveSilently(raw net.Conn, cfg *tls.Config) {
	defer raw.Close()

	var req [8]byte
	if _, err := io.ReadFull(raw, req[:]); err != nil {
		return
	}
	if binary.BigEndian.Uint32(req[4:]) != sslRequestCode {
		return
	}
	if _, err := raw.Write([]byte{'S'}); err != nil {
		return
	}
	conn := tls.Server(raw, cfg)

	var startup [8]byte
	if _, err := io.ReadFull(conn, startup[:]); err != nil {
		return
	}
	if binary.BigEndian.Uint32(startup[4:]) == cancelRequestCode {
		return
	}
	if _, err := io.CopyN(io.Discard, conn, int64(binary.BigEndian.Uint32(startup[:4]))-8); err != nil {
		return
	}

	ready := []byte{'Z', 0, 0, 0, 5, 'I'}
	authOK := []byte{'R', 0, 0, 0, 8, 0, 0, 0, 0}
	if _, err := conn.Write(append(authOK, ready...)); err != nil {
		return
	}

	for answered := false; ; answered = true {
		var hdr [5]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		if _, err := io.CopyN(io.Discard, conn, int64(binary.BigEndian.Uint32(hdr[1:]))-4); err != nil {
			return
		}
		if !answered {
			emptyQuery := []byte{'I', 0, 0, 0, 4}
			if _, err := conn.Write(append(emptyQuery, ready...)); err != nil {
				return
			}
		}
	}
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
