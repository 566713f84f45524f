package web

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// selfSignedCert generates a throwaway TLS certificate for exposing the
// server beyond loopback. It always covers localhost and the loopback
// addresses; extra hosts extend the SANs.
func selfSignedCert(hosts ...string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	dnsNames, ips := assembleSANs(hosts)
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Flywheel"},
			CommonName:   "flywheel-web",
		},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("build key pair: %w", err)
	}
	cert.Leaf, _ = x509.ParseCertificate(certDER)
	return cert, nil
}

// assembleSANs splits hosts into DNS names and IP addresses, prepending the
// loopback defaults and dropping blanks and duplicates.
func assembleSANs(hosts []string) ([]string, []net.IP) {
	var (
		dnsNames []string
		ips      []net.IP
		seen     = map[string]struct{}{}
	)
	for _, raw := range append([]string{"127.0.0.1", "localhost", "::1"}, hosts...) {
		host := strings.TrimSpace(raw)
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			if _, dup := seen["ip:"+ip.String()]; dup {
				continue
			}
			seen["ip:"+ip.String()] = struct{}{}
			ips = append(ips, ip)
			continue
		}
		if _, dup := seen["dns:"+host]; dup {
			continue
		}
		seen["dns:"+host] = struct{}{}
		dnsNames = append(dnsNames, host)
	}
	return dnsNames, ips
}
