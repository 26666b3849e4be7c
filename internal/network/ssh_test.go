package network

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSHAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.5:22", sshAddress("10.0.0.5", 0))
	assert.Equal(t, "10.0.0.5:2222", sshAddress("10.0.0.5", 2222))
	assert.Equal(t, "host:2200", sshAddress("host:2200", 22))
}

// silentListener accepts connections and never writes to them.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
			select {
			case <-done:
				return
			default:
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		ln.Close()
	})
	return ln.Addr().String()
}

func TestSSHProberSilentServer(t *testing.T) {
	creds := json.RawMessage(`{"username":"root","password":"secret"}`)

	t.Run("The handshake should time out", func(t *testing.T) {
		p := NewSSHProber(100 * time.Millisecond)

		start := time.Now()
		res, err := p.TestConnection(context.Background(), silentListener(t), creds)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "SSH connection failed")
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("Cancelling the context should abort the handshake", func(t *testing.T) {
		p := NewSSHProber(time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		start := time.Now()
		res, err := p.TestConnection(ctx, silentListener(t), creds)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestSSHProberRequiresUsername(t *testing.T) {
	res, err := NewSSHProber(time.Second).TestConnection(context.Background(), "10.0.0.5", nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Success: false, Error: "Username is required for SSH probe"}, res)
}
