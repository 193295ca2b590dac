package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	log "github.com/sirupsen/logrus"
)

// ErrUnavailable means the configured root key pair could not be read.
// This is the only cert error that is fatal to process startup.
var ErrUnavailable = errors.New("cert: ca store unavailable")

// ErrGenerate wraps leaf key generation and signing failures. Fatal to
// the one session that needed the certificate, never to the process.
var ErrGenerate = errors.New("cert: leaf generation failed")

// CA holds the process-wide root key pair and issues short-lived leaf
// certificates per host. Leafs are cached with an expiry and a bounded
// LRU so one CA serves many concurrent sessions.
type CA struct {
	rsa.PrivateKey
	RootCert x509.Certificate

	leafTTL time.Duration
	safety  time.Duration
	cache   *lru.Cache
	group   *singleflight.Group
	cacheMu sync.Mutex
	timeNow func() time.Time
}

const defaultLeafTTL = 24 * time.Hour
const defaultSafetyMargin = time.Hour
const defaultCacheCap = 500

func createRoot() (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano() / 100000),
		Subject: pkix.Name{
			CommonName:   "previewproxy",
			Organization: []string{"previewproxy"},
		},
		NotBefore:             time.Now().Add(-time.Hour * 48),
		NotAfter:              time.Now().Add(time.Hour * 24 * 365 * 3),
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, nil, err
	}

	return key, cert, nil
}

func newCA() *CA {
	return &CA{
		leafTTL: defaultLeafTTL,
		safety:  defaultSafetyMargin,
		cache:   lru.New(defaultCacheCap),
		group:   new(singleflight.Group),
		timeNow: time.Now,
	}
}

// NewMemory creates a root key pair that only lives in memory,
// it changes on every process restart.
func NewMemory() (*CA, error) {
	key, cert, err := createRoot()
	if err != nil {
		return nil, err
	}
	ca := newCA()
	ca.PrivateKey = *key
	ca.RootCert = *cert
	return ca, nil
}

// Load reads the root private key and certificate from the configured
// path pair. A missing or unreadable pair fails with ErrUnavailable.
func Load(keyFile, certFile string) (*CA, error) {
	ca := newCA()
	if err := ca.load(keyFile, certFile); err != nil {
		return nil, err
	}
	log.Debugf("loaded root ca from %v", certFile)
	return ca, nil
}

// Create generates a fresh root key pair and stores it at the configured
// path pair.
func Create(keyFile, certFile string) (*CA, error) {
	key, cert, err := createRoot()
	if err != nil {
		return nil, err
	}

	ca := newCA()
	ca.PrivateKey = *key
	ca.RootCert = *cert

	if err := ca.save(keyFile, certFile); err != nil {
		return nil, err
	}
	log.Infof("created root ca at %v", certFile)
	return ca, nil
}

func (ca *CA) load(keyFile, certFile string) error {
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	certData, err := os.ReadFile(certFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	keyDERBlock, _ := pem.Decode(keyData)
	if keyDERBlock == nil {
		return fmt.Errorf("%w: no PRIVATE KEY block in %v", ErrUnavailable, keyFile)
	}
	certDERBlock, _ := pem.Decode(certData)
	if certDERBlock == nil {
		return fmt.Errorf("%w: no CERTIFICATE block in %v", ErrUnavailable, certFile)
	}

	var privateKey *rsa.PrivateKey
	key, err := x509.ParsePKCS8PrivateKey(keyDERBlock.Bytes)
	if err != nil {
		if strings.Contains(err.Error(), "use ParsePKCS1PrivateKey instead") {
			privateKey, err = x509.ParsePKCS1PrivateKey(keyDERBlock.Bytes)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		} else {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	} else {
		v, ok := key.(*rsa.PrivateKey)
		if !ok {
			return fmt.Errorf("%w: unknown private key type in PKCS#8 wrapping", ErrUnavailable)
		}
		privateKey = v
	}
	ca.PrivateKey = *privateKey

	x509Cert, err := x509.ParseCertificate(certDERBlock.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ca.RootCert = *x509Cert

	return nil
}

func (ca *CA) saveKeyTo(out io.Writer) error {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(&ca.PrivateKey)
	if err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}

func (ca *CA) saveCertTo(out io.Writer) error {
	return pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: ca.RootCert.Raw})
}

func (ca *CA) save(keyFile, certFile string) error {
	kf, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer kf.Close()
	if err := ca.saveKeyTo(kf); err != nil {
		return err
	}

	cf, err := os.Create(certFile)
	if err != nil {
		return err
	}
	defer cf.Close()
	return ca.saveCertTo(cf)
}

// GetRootCA returns the root certificate every leaf is signed by.
func (ca *CA) GetRootCA() *x509.Certificate {
	return &ca.RootCert
}
