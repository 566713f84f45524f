package web

import (
	"crypto/ecdsa"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"
)

func TestAssembleSANs(t *testing.T) {
	dns, ips := assembleSANs([]string{"loops.local", " 127.0.0.1 ", "", "loops.local", "10.0.0.7"})

	if !slices.Equal(dns, []string{"localhost", "loops.local"}) {
		t.Fatalf("dns names = %v", dns)
	}

	var got []string
	for _, ip := range ips {
		got = append(got, ip.String())
	}
	want := []string{"127.0.0.1", "::1", "10.0.0.7"}
	if !slices.Equal(got, want) {
		t.Fatalf("ips = %v, want %v", got, want)
	}
}

func TestSelfSignedCert(t *testing.T) {
	cert, err := selfSignedCert("loops.local")
	if err != nil {
		t.Fatalf("selfSignedCert: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("certificate chain is empty")
	}
	if _, ok := cert.PrivateKey.(*ecdsa.PrivateKey); !ok {
		t.Fatalf("private key type = %T, want *ecdsa.PrivateKey", cert.PrivateKey)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if leaf.Subject.CommonName != "flywheel-web" {
		t.Fatalf("subject CN = %q", leaf.Subject.CommonName)
	}
	if time.Until(leaf.NotAfter) < 300*24*time.Hour {
		t.Fatalf("validity too short: not_after=%s", leaf.NotAfter.Format(time.RFC3339))
	}
	if !slices.Contains(leaf.DNSNames, "loops.local") {
		t.Fatalf("missing loops.local SAN: %v", leaf.DNSNames)
	}
	if !slices.ContainsFunc(leaf.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("::1")) }) {
		t.Fatalf("missing ::1 SAN: %v", leaf.IPAddresses)
	}
}
