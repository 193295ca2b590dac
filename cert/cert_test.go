package cert

import (
	"bytes"
	"crypto/x509"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "nope-key.pem"), filepath.Join(dir, "nope-cert.pem"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestCreateThenLoad(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "ca-key.pem")
	certFile := filepath.Join(dir, "ca-cert.pem")

	created, err := Create(keyFile, certFile)
	require.NoError(t, err)

	loaded, err := Load(keyFile, certFile)
	require.NoError(t, err)
	assert.Equal(t, created.RootCert.Raw, loaded.RootCert.Raw)

	buf := bytes.NewBuffer(nil)
	require.NoError(t, loaded.saveCertTo(buf))
	fileContent, err := os.ReadFile(certFile)
	require.NoError(t, err)
	assert.Equal(t, fileContent, buf.Bytes())
}

func TestGetCert(t *testing.T) {
	ca, err := NewMemory()
	require.NoError(t, err)

	c, err := ca.GetCert("example.com")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(c.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "example.com", leaf.Subject.CommonName)
	assert.Equal(t, []string{"example.com"}, leaf.DNSNames)
	require.NoError(t, leaf.CheckSignatureFrom(&ca.RootCert))
}

func TestGetCertIPLiteral(t *testing.T) {
	ca, err := NewMemory()
	require.NoError(t, err)

	c, err := ca.GetCert("10.1.2.3")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(c.Certificate[0])
	require.NoError(t, err)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "10.1.2.3", leaf.IPAddresses[0].String())
	assert.Empty(t, leaf.DNSNames)
}

func TestGetCertCachedWithinTTL(t *testing.T) {
	ca, err := NewMemory()
	require.NoError(t, err)

	now := time.Now()
	ca.timeNow = func() time.Time { return now }

	first, err := ca.GetCert("example.com")
	require.NoError(t, err)

	// still inside the TTL minus safety margin
	now = now.Add(ca.leafTTL - ca.safety - time.Minute)
	second, err := ca.GetCert("example.com")
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestGetCertRegeneratedAfterExpiry(t *testing.T) {
	ca, err := NewMemory()
	require.NoError(t, err)

	now := time.Now()
	ca.timeNow = func() time.Time { return now }

	first, err := ca.GetCert("example.com")
	require.NoError(t, err)

	now = now.Add(ca.leafTTL) // past staleAt
	second, err := ca.GetCert("example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])

	// the fresh leaf replaced the evicted one in the cache
	third, err := ca.GetCert("example.com")
	require.NoError(t, err)
	assert.Equal(t, second.Certificate[0], third.Certificate[0])
}

func TestGetCertGenerateError(t *testing.T) {
	ca, err := NewMemory()
	require.NoError(t, err)

	// cripple the root key so signing must fail
	ca.PublicKey.N = big.NewInt(1)

	_, err = ca.GetCert("example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGenerate))
}

func TestCacheBounded(t *testing.T) {
	ca, err := NewMemory()
	require.NoError(t, err)
	assert.Equal(t, defaultCacheCap, ca.cache.MaxEntries)
}
