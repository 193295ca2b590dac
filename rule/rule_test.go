package rule

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetRejectsEmptyFields(t *testing.T) {
	_, err := NewSet([]Rule{{HostContains: "", Header: "X-Test", Value: "v"}})
	assert.Error(t, err)

	_, err = NewSet([]Rule{{HostContains: "example.com", Header: "", Value: "v"}})
	assert.Error(t, err)

	_, err = NewSet(nil)
	assert.NoError(t, err)
}

func TestApplySubstringMatch(t *testing.T) {
	s, err := NewSet([]Rule{{HostContains: "example.com", Header: DefaultHeader, Value: "abc123"}})
	require.NoError(t, err)

	header := make(http.Header)
	matched := s.Apply("shop.example.com", header)
	require.Len(t, matched, 1)
	assert.Equal(t, "abc123", header.Get(DefaultHeader))
}

func TestApplyNoMatchLeavesHeadersUntouched(t *testing.T) {
	s, err := NewSet([]Rule{{HostContains: "example.com", Header: DefaultHeader, Value: "abc123"}})
	require.NoError(t, err)

	header := make(http.Header)
	header.Set("Accept", "text/html")
	matched := s.Apply("other.org", header)
	assert.Empty(t, matched)
	assert.Equal(t, http.Header{"Accept": []string{"text/html"}}, header)
}

func TestApplyCaseSensitive(t *testing.T) {
	s, err := NewSet([]Rule{{HostContains: "Example.com", Header: DefaultHeader, Value: "v"}})
	require.NoError(t, err)

	header := make(http.Header)
	assert.Empty(t, s.Apply("example.com", header))
	assert.Empty(t, header.Get(DefaultHeader))
}

func TestApplyOverwritesExistingValue(t *testing.T) {
	s, err := NewSet([]Rule{{HostContains: "example.com", Header: DefaultHeader, Value: "new"}})
	require.NoError(t, err)

	header := make(http.Header)
	header.Set(DefaultHeader, "old")
	s.Apply("example.com", header)
	assert.Equal(t, []string{"new"}, header.Values(DefaultHeader))
}

func TestApplyLastRuleWinsOnConflict(t *testing.T) {
	s, err := NewSet([]Rule{
		{HostContains: "example", Header: DefaultHeader, Value: "first"},
		{HostContains: "example.com", Header: DefaultHeader, Value: "second"},
	})
	require.NoError(t, err)

	header := make(http.Header)
	matched := s.Apply("shop.example.com", header)
	require.Len(t, matched, 2)
	assert.Equal(t, "second", header.Get(DefaultHeader))
}

func TestApplyIdempotent(t *testing.T) {
	s, err := NewSet([]Rule{
		{HostContains: "example.com", Header: DefaultHeader, Value: "abc123"},
		{HostContains: "shop", Header: "X-Other", Value: "x"},
	})
	require.NoError(t, err)

	once := make(http.Header)
	s.Apply("shop.example.com", once)

	twice := make(http.Header)
	s.Apply("shop.example.com", twice)
	s.Apply("shop.example.com", twice)

	assert.Equal(t, once, twice)
}
