package broker

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = writeFrame(server, Request{ID: "abc", Kind: KindDetectMotion, Camera: "cam1", Width: 640, Height: 360})
	}()

	var got Request
	require.NoError(t, readFrame(client, &got))
	assert.Equal(t, "abc", got.ID)
	assert.Equal(t, KindDetectMotion, got.Kind)
	assert.Equal(t, 640, got.Width)
}

func TestAuthKeyPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "authkey")

	k1, err := LoadOrCreateAuthKey(path)
	require.NoError(t, err)
	require.Len(t, k1, authKeySize)

	k2, err := LoadOrCreateAuthKey(path)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "key must survive reload")
}

func TestProveChallengeDeterministic(t *testing.T) {
	key := make([]byte, authKeySize)
	challenge := []byte("nonce")

	m1, err := proveChallenge(key, challenge)
	require.NoError(t, err)
	m2, err := proveChallenge(key, challenge)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)

	other := make([]byte, authKeySize)
	other[0] = 1
	m3, err := proveChallenge(other, challenge)
	require.NoError(t, err)
	assert.NotEqual(t, m1, m3, "different keys must produce different MACs")
}

// fakeSidecar accepts one connection on a unix socket, performs the
// handshake, and answers every request with a canned detection.
func fakeSidecar(t *testing.T, socket string, key []byte) {
	t.Helper()
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		challenge := []byte("test-challenge")
		if err := writeFrame(conn, challengeMsg{Challenge: challenge}); err != nil {
			return
		}
		var proof proofMsg
		if err := readFrame(conn, &proof); err != nil {
			return
		}
		want, _ := proveChallenge(key, challenge)
		if string(want) != string(proof.MAC) {
			_ = writeFrame(conn, handshakeAck{OK: false, Error: "bad mac"})
			return
		}
		if err := writeFrame(conn, handshakeAck{OK: true}); err != nil {
			return
		}

		for {
			var req Request
			if err := readFrame(conn, &req); err != nil {
				return
			}
			resp := Response{ID: req.ID}
			switch req.Kind {
			case KindDetectObjects:
				resp.Objects = []Detection{{Label: "person", Confidence: 0.92, BBox: BBox{X: 0.1, Y: 0.1, W: 0.2, H: 0.5}}}
			case KindDetectMotion:
				resp.Contours = []Polygon{{Area: 0.12, Points: []Point{{0, 0}, {0.3, 0}, {0.3, 0.4}}}}
			default:
				resp.Error = "unknown kind"
			}
			if err := writeFrame(conn, resp); err != nil {
				return
			}
		}
	}()
}

func TestClientCall(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "det.sock")
	key := make([]byte, authKeySize)
	key[3] = 7

	fakeSidecar(t, socket, key)

	c := NewClient(socket, key)
	c.Start()
	defer c.Stop()

	// Wait for the handshake to finish.
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, c.Connected())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := c.Call(ctx, Request{Kind: KindDetectObjects, Camera: "cam1"})
	require.NoError(t, err)
	require.Len(t, resp.Objects, 1)
	assert.Equal(t, "person", resp.Objects[0].Label)

	resp, err = c.Call(ctx, Request{Kind: KindDetectMotion, Camera: "cam1"})
	require.NoError(t, err)
	require.Len(t, resp.Contours, 1)
	assert.InDelta(t, 0.12, resp.Contours[0].Area, 1e-9)
}

func TestClientCallSidecarError(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "det.sock")
	key := make([]byte, authKeySize)

	fakeSidecar(t, socket, key)

	c := NewClient(socket, key)
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, c.Connected())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Call(ctx, Request{Kind: "bogus"})
	assert.ErrorContains(t, err, "unknown kind")
}
