package sshpool

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/relayerr"
)

func TestNewAndNames(t *testing.T) {
	p, err := New(zerolog.Nop(), "insecure-ignore-host-key", []config.HostSpec{
		{Name: "dev", User: "root", Addr: "10.0.0.1:22"},
		{Name: "prod", User: "deploy", Addr: "10.0.0.2:22"},
	})
	require.NoError(t, err)
	defer p.Close()

	names := p.Names()
	assert.Len(t, names, 2)
	assert.Contains(t, names, "dev")
	assert.Contains(t, names, "prod")
}

func TestGetUnknownHost(t *testing.T) {
	p, err := New(zerolog.Nop(), "insecure-ignore-host-key", nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Get("nope")
	assert.Equal(t, relayerr.NotFound, relayerr.CodeOf(err))
}

func TestReloadAddsAndRemovesHosts(t *testing.T) {
	p, err := New(zerolog.Nop(), "insecure-ignore-host-key", []config.HostSpec{
		{Name: "dev", User: "root", Addr: "10.0.0.1:22"},
	})
	require.NoError(t, err)
	defer p.Close()

	err = p.Reload("insecure-ignore-host-key", []config.HostSpec{
		{Name: "prod", User: "deploy", Addr: "10.0.0.2:22"},
	})
	require.NoError(t, err)

	_, err = p.Get("dev")
	assert.Equal(t, relayerr.NotFound, relayerr.CodeOf(err))

	_, err = p.Get("prod")
	assert.NoError(t, err)
}

func TestReloadKeepsExistingHostOnSameName(t *testing.T) {
	p, err := New(zerolog.Nop(), "insecure-ignore-host-key", []config.HostSpec{
		{Name: "dev", User: "root", Addr: "10.0.0.1:22"},
	})
	require.NoError(t, err)
	defer p.Close()

	before, err := p.Get("dev")
	require.NoError(t, err)

	err = p.Reload("insecure-ignore-host-key", []config.HostSpec{
		{Name: "dev", User: "root", Addr: "10.0.0.1:2222"},
	})
	require.NoError(t, err)

	after, err := p.Get("dev")
	require.NoError(t, err)
	assert.Same(t, before, after, "same host name should keep its underlying host instance")
	assert.Equal(t, "10.0.0.1:2222", after.spec.Addr)
}
