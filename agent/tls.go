package agent

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// certValidity is how long generated certs are valid for.
const certValidity = 7 * 24 * time.Hour

// Certs contains the TLS client and server certs and keys for configuring mTLS on the client and server.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     Cert
}

// Cert is a PEM-encoded certificate and its private key.
type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte

	x509Cert *x509.Certificate
	key      crypto.Signer
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// GenerateCerts generates a CA and a server and client cert signed by it, for encrypting and authorizing agent traffic.
func GenerateCerts() (*Certs, error) {
	ca, err := newCert(pkix.Name{CommonName: "CarnifexCA"}, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := newCert(pkix.Name{CommonName: serverName}, &ca)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := newCert(pkix.Name{CommonName: "carnifex"}, &ca)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{Server: server, Client: client, CA: ca}, nil
}

// newCert builds a cert signed by parent, or a self-signed CA cert if parent is nil.
func newCert(subject pkix.Name, parent *Cert) (Cert, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Cert{}, fmt.Errorf("getting random serial number: %w", err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating private key: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	signerCert, signerKey := tmpl, crypto.Signer(key)
	if parent == nil {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	} else {
		tmpl.DNSNames = []string{serverName}
		signerCert, signerKey = parent.x509Cert, parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Cert{}, fmt.Errorf("parsing created cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return Cert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		x509Cert:     cert,
		key:          key,
	}, nil
}

// DecodeCert decodes a base64-encoded cert and key PEM pair, as passed on command lines.
func DecodeCert(certPEMBase64, keyPEMBase64 string) (Cert, error) {
	certPEM, err := base64.StdEncoding.DecodeString(certPEMBase64)
	if err != nil {
		return Cert{}, fmt.Errorf("decoding cert PEM: %w", err)
	}
	var keyPEM []byte
	if keyPEMBase64 != "" {
		keyPEM, err = base64.StdEncoding.DecodeString(keyPEMBase64)
		if err != nil {
			return Cert{}, fmt.Errorf("decoding key PEM: %w", err)
		}
	}
	return Cert{CertPEMBytes: certPEM, KeyPEMBytes: keyPEM}, nil
}
