package p2p

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

const alpn = "echochan-p2p"

// quicDescription is what an offer's sdp field carries for QUIC sessions.
type quicDescription struct {
	Addr        string `json:"addr"`
	Fingerprint string `json:"fingerprint"`
}

// QUICTransport opens one QUIC listener per offered session. The listener's
// certificate is derived from the identity seed and the session id, and the
// dialing side pins its fingerprint from the offer.
type QUICTransport struct {
	seed []byte
	// Host is advertised in offers; the listener binds to Host:0.
	Host string
	log  zerolog.Logger
}

func NewQUICTransport(seed []byte, host string, log zerolog.Logger) *QUICTransport {
	if host == "" {
		host = "127.0.0.1"
	}
	return &QUICTransport{seed: seed, Host: host, log: log.With().Str("component", "p2p_quic").Logger()}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// sessionCert derives a self-signed certificate unique to (seed, sid).
func sessionCert(seed []byte, sid string) (tls.Certificate, string, error) {
	kdf := hkdf.New(sha256.New, seed, []byte(sid), []byte(alpn+" session key"))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, keySeed); err != nil {
		return tls.Certificate{}, "", fmt.Errorf("derive session key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("create session certificate: %w", err)
	}
	sum := sha256.Sum256(der)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, hex.EncodeToString(sum[:]), nil
}

func pinnedTLSConfig(fingerprint string) (*tls.Config, error) {
	want, err := hex.DecodeString(fingerprint)
	if err != nil || len(want) != sha256.Size {
		return nil, errors.New("invalid certificate fingerprint")
	}
	return &tls.Config{
		// The chain is self-signed; VerifyPeerCertificate pins it instead.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("peer sent no certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(sum[:], want) {
				return errors.New("peer certificate does not match offer")
			}
			return nil
		},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 5 * time.Second,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      5 * time.Second,
	}
}

type quicListener struct {
	ln         *quic.Listener
	desc       string
	candidates []string
	log        zerolog.Logger
}

func (t *QUICTransport) Listen(_ context.Context, sid string) (Listener, error) {
	cert, fingerprint, err := sessionCert(t.seed, sid)
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpn}}
	ln, err := quic.ListenAddr(net.JoinHostPort(t.Host, "0"), tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	port := strconv.Itoa(ln.Addr().(*net.UDPAddr).Port)
	desc, err := json.Marshal(quicDescription{Addr: net.JoinHostPort(t.Host, port), Fingerprint: fingerprint})
	if err != nil {
		ln.Close()
		return nil, err
	}
	t.log.Debug().Str("sid", sid).Str("addr", ln.Addr().String()).Msg("p2p listener ready")
	return &quicListener{ln: ln, desc: string(desc), candidates: localCandidates(t.Host, port), log: t.log}, nil
}

// localCandidates lists other interface addresses when the advertised host is a
// wildcard, so peers on the same network can reach the listener directly.
func localCandidates(host, port string) []string {
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsUnspecified() {
		return nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLinkLocalUnicast() {
			out = append(out, net.JoinHostPort(ipnet.IP.String(), port))
		}
	}
	return out
}

func (l *quicListener) Description() string { return l.desc }

func (l *quicListener) Candidates() []string { return l.candidates }

func (l *quicListener) Accept(ctx context.Context) (Channel, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return newStreamChannel(stream, func() error {
		return conn.CloseWithError(0, "")
	}), nil
}

func (l *quicListener) Close() error { return l.ln.Close() }

// Dial tries the offered address, then every announced candidate.
func (t *QUICTransport) Dial(ctx context.Context, sid, description string, candidates []string) (Channel, error) {
	var desc quicDescription
	if err := json.Unmarshal([]byte(description), &desc); err != nil {
		return nil, fmt.Errorf("decode offer description: %w", err)
	}
	tlsConf, err := pinnedTLSConfig(desc.Fingerprint)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range append([]string{desc.Addr}, candidates...) {
		conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
		if err != nil {
			lastErr = err
			t.log.Debug().Err(err).Str("sid", sid).Str("addr", addr).Msg("p2p dial failed")
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			lastErr = err
			continue
		}
		return newStreamChannel(stream, func() error {
			return conn.CloseWithError(0, "")
		}), nil
	}
	return nil, fmt.Errorf("quic dial: %w", lastErr)
}
