package rquic

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/kardianos/rpcrt/rstore"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "rpcrt"

var ErrFingerprint = errors.New("rquic: server certificate fingerprint mismatch")

// Fingerprint is the SHA-256 of a DER certificate.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint parses the hex form written by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("rquic: fingerprint: %w", err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("rquic: fingerprint is %d bytes, want %d", len(b), len(f))
	}
	copy(f[:], b)
	return f, nil
}

// CertFingerprint returns the fingerprint of the leaf of cert.
func CertFingerprint(cert tls.Certificate) Fingerprint {
	if len(cert.Certificate) == 0 {
		return Fingerprint{}
	}
	return sha256.Sum256(cert.Certificate[0])
}

// FingerprintFile returns the fingerprint of the first certificate in a PEM
// file.
func FingerprintFile(certPath string) (Fingerprint, error) {
	b, err := os.ReadFile(certPath)
	if err != nil {
		return Fingerprint{}, err
	}
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			return Fingerprint{}, fmt.Errorf("rquic: %s: no certificate", certPath)
		}
		if block.Type == "CERTIFICATE" {
			return sha256.Sum256(block.Bytes), nil
		}
	}
}

func randomSerialNumber() (*big.Int, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("rquic: random serial: %w", err)
	}
	b[0] &= 0x7F
	return new(big.Int).SetBytes(b), nil
}

// SelfSigned creates a server certificate for the given host names, valid
// for one year from now. It returns the certificate and its PEM encoding.
func SelfSigned(now time.Time, hosts ...string) (tls.Certificate, []byte, []byte, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	serial, err := randomSerialNumber()
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hosts[0]},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		template.DNSNames = append(template.DNSNames, h)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	return cert, certPEM, keyPEM, nil
}

// LoadOrCreate loads a key pair from certPath and keyPath. If neither file
// exists a self-signed pair is created and written to them.
func LoadOrCreate(certPath, keyPath string, now time.Time, hosts ...string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return tls.Certificate{}, fmt.Errorf("rquic: load key pair: %w", err)
	}
	cert, certPEM, keyPEM, err := SelfSigned(now, hosts...)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := rstore.WriteFileAtomic(keyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, err
	}
	if err := rstore.WriteFileAtomic(certPath, certPEM, 0644); err != nil {
		return tls.Certificate{}, err
	}
	return cert, nil
}

func serverTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// clientTLS verifies the server either against roots or, when pin is set,
// by the fingerprint of its leaf certificate alone.
func clientTLS(serverName string, roots *x509.CertPool, pin *Fingerprint) *tls.Config {
	cfg := &tls.Config{
		ServerName: serverName,
		RootCAs:    roots,
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}
	if pin == nil {
		return cfg
	}
	want := *pin
	// Chain verification is replaced by the pin check below.
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("rquic: no server certificate")
		}
		got := sha256.Sum256(rawCerts[0])
		if !bytes.Equal(got[:], want[:]) {
			return fmt.Errorf("%w: got %x", ErrFingerprint, got)
		}
		return nil
	}
	return cfg
}
