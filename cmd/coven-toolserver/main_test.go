// ABOUTME: Tests for coven-toolserver argument parsing and service selection
// ABOUTME: Services are built but never started

package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectServices(t *testing.T) {
	tests := []struct {
		args  []string
		names []string
	}{
		{nil, []string{"tickets", "kb"}},
		{[]string{"all"}, []string{"tickets", "kb"}},
		{[]string{"tickets"}, []string{"tickets"}},
		{[]string{"--kb-addr", "127.0.0.1:9001", "kb"}, []string{"kb"}},
	}
	for _, tt := range tests {
		opts, err := parseOptions(tt.args)
		require.NoError(t, err, "args %v", tt.args)

		services, err := selectServices(opts)
		require.NoError(t, err)

		var names []string
		for _, svc := range services {
			names = append(names, svc.name)
			assert.NotNil(t, svc.srv)
		}
		assert.Equal(t, tt.names, names, "args %v", tt.args)
	}
}

func TestSelectServicesAddresses(t *testing.T) {
	opts, err := parseOptions([]string{"--tickets-addr", "127.0.0.1:9000"})
	require.NoError(t, err)

	services, err := selectServices(opts)
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "127.0.0.1:9000", services[0].addr)
	assert.Equal(t, "127.0.0.1:8001", services[1].addr)
}

func TestParseRejectsUnknownService(t *testing.T) {
	opts, err := parseOptions([]string{"billing"})
	if err == nil {
		t.Fatalf("expected error for unknown service, got %+v", opts)
	}
	assert.Contains(t, err.Error(), `"billing"`)

	var unchecked options
	unchecked.Args.Service = "billing"
	_, err = selectServices(&unchecked)
	assert.Error(t, err)
}

func TestServeAllStopsOnAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	opts, err := parseOptions([]string{"--kb-addr", ln.Addr().String(), "kb"})
	require.NoError(t, err)
	services, err := selectServices(opts)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err = serveAll(context.Background(), services, logger)
	assert.Error(t, err)
}
