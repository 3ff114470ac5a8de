package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunServersStopsAllOnFailure(t *testing.T) {
	healthy := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	boom := errors.New("bind failed")

	err := runServers(context.Background(),
		listener{server: healthy, start: listenPlain},
		listener{server: &http.Server{Addr: "127.0.0.1:0"}, start: func(*http.Server) error { return boom }},
	)
	require.ErrorIs(t, err, boom)
}

func TestRunServersShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- runServers(ctx, listener{server: srv, start: listenPlain}) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("servers did not stop")
	}
}
