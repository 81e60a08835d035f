package main

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCredentialResolverRoundTrip exercises the credential(id) bridge end
// to end: the resolver writes a credential-request wireEvent and blocks on
// the matching wireCredentialReply, mimicking engine.drive intercepting a
// KindCredentialRequest event and replying over the child's stdin.
func TestCredentialResolverRoundTrip(t *testing.T) {
	outR, outW := io.Pipe()
	bw := bufio.NewWriter(outW)
	enc := &encoder{enc: json.NewEncoder(bw), bw: bw}

	replyR, replyW := io.Pipe()
	resolver := newCredentialResolver(enc, json.NewDecoder(replyR))

	resultCh := make(chan struct {
		cred map[string]any
		err  error
	}, 1)
	go func() {
		cred, err := resolver("db-prod")
		resultCh <- struct {
			cred map[string]any
			err  error
		}{cred, err}
	}()

	var req wireEvent
	require.NoError(t, json.NewDecoder(outR).Decode(&req))
	require.Equal(t, kindCredentialRequest, req.Kind)
	require.Equal(t, "db-prod", req.CredentialID)
	require.NotEmpty(t, req.RequestID)

	require.NoError(t, json.NewEncoder(replyW).Encode(wireCredentialReply{
		RequestID:  req.RequestID,
		Credential: map[string]any{"username": "svc", "password": "hunter2"},
	}))

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, "svc", res.cred["username"])
}

func TestCredentialResolverPropagatesCoordinatorError(t *testing.T) {
	outR, outW := io.Pipe()
	bw := bufio.NewWriter(outW)
	enc := &encoder{enc: json.NewEncoder(bw), bw: bw}

	replyR, replyW := io.Pipe()
	resolver := newCredentialResolver(enc, json.NewDecoder(replyR))

	resultCh := make(chan error, 1)
	go func() {
		_, err := resolver("missing")
		resultCh <- err
	}()

	var req wireEvent
	require.NoError(t, json.NewDecoder(outR).Decode(&req))

	require.NoError(t, json.NewEncoder(replyW).Encode(wireCredentialReply{
		RequestID: req.RequestID,
		Error:     "credential not found",
	}))

	require.ErrorContains(t, <-resultCh, "credential not found")
}
