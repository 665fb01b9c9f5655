package geoip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolverDisabledWithoutPath(t *testing.T) {
	r, err := NewResolver("  ")
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = r.CountryCode("1.1.1.1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, r.Close())
}

func TestNewResolverMissingFile(t *testing.T) {
	_, err := NewResolver("/nonexistent/GeoLite2-Country.mmdb")
	require.Error(t, err)
}

func TestStatic(t *testing.T) {
	var resolver CountryResolver = Static{"203.0.113.7": "id"}
	code, err := resolver.CountryCode(" 203.0.113.7 ")
	require.NoError(t, err)
	assert.Equal(t, "ID", code)

	code, _ = resolver.CountryCode("198.51.100.1")
	assert.Empty(t, code)
}
