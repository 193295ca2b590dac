package cert

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// cached leaf plus the moment it stops being handed out. The safety
// margin keeps a session from receiving a certificate about to expire
// mid-handshake.
type leafEntry struct {
	cert      *tls.Certificate
	staleAt   time.Time
	notBefore time.Time
	notAfter  time.Time
}

// GetCert returns a leaf certificate for host signed by the root.
// Concurrent sessions for the same host share the cached entry; an
// expired entry is evicted and a fresh leaf is generated.
func (ca *CA) GetCert(host string) (*tls.Certificate, error) {
	ca.cacheMu.Lock()
	if val, ok := ca.cache.Get(host); ok {
		entry := val.(*leafEntry)
		if ca.timeNow().Before(entry.staleAt) {
			ca.cacheMu.Unlock()
			log.Debugf("cert GetCert cache hit: %v", host)
			return entry.cert, nil
		}
		ca.cache.Remove(host)
	}
	ca.cacheMu.Unlock()

	val, err := ca.group.Do(host, func() (interface{}, error) {
		entry, err := ca.newLeaf(host)
		if err != nil {
			return nil, err
		}
		ca.cacheMu.Lock()
		ca.cache.Add(host, entry)
		ca.cacheMu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	return val.(*leafEntry).cert, nil
}

func (ca *CA) newLeaf(host string) (*leafEntry, error) {
	log.Debugf("cert newLeaf: %v", host)
	now := ca.timeNow()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano() / 100000),
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"previewproxy"},
		},
		NotBefore:          now.Add(-time.Hour * 48),
		NotAfter:           now.Add(ca.leafTTL),
		SignatureAlgorithm: x509.SHA256WithRSA,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, &ca.RootCert, &ca.PrivateKey.PublicKey, &ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: host %q: %v", ErrGenerate, host, err)
	}

	return &leafEntry{
		cert: &tls.Certificate{
			Certificate: [][]byte{certBytes},
			PrivateKey:  &ca.PrivateKey,
		},
		staleAt:   template.NotAfter.Add(-ca.safety),
		notBefore: template.NotBefore,
		notAfter:  template.NotAfter,
	}, nil
}
