package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort = 22
	probeCommand   = `echo "Connection test successful"`
	probeReply     = "Connection test successful"
)

// SSHProber checks connectivity by logging into the target directly instead of
// asking the backup service.
type SSHProber struct {
	timeout time.Duration
}

// NewSSHProber creates a prober with the given connect timeout
func NewSSHProber(timeout time.Duration) *SSHProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SSHProber{timeout: timeout}
}

type sshCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Port     int    `json:"port"`
}

// TestConnection dials address over SSH with password auth and runs an echo.
func (p *SSHProber) TestConnection(ctx context.Context, address string, credentials json.RawMessage) (Result, error) {
	var creds sshCredentials
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return Result{}, fmt.Errorf("could not decode credentials: %w", err)
		}
	}
	if creds.Username == "" {
		return Result{Success: false, Error: "Username is required for SSH probe"}, nil
	}

	addr := sshAddress(address, creds.Port)
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var d net.Dialer
	netConn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("Connection failed: %v", err)}, nil
	}

	// ClientConfig.Timeout only covers ssh.Dial; bound the whole probe here.
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := netConn.SetDeadline(deadline); err != nil {
		netConn.Close()
		return Result{Success: false, Error: fmt.Sprintf("Connection failed: %v", err)}, nil
	}
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return Result{Success: false, Error: "Authentication failed - Invalid username or password"}, nil
		}
		return Result{Success: false, Error: fmt.Sprintf("SSH connection failed: %v", err)}, nil
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("SSH connection failed: %v", err)}, nil
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run(probeCommand); err != nil {
		return Result{Success: false, Error: "Connection test failed"}, nil
	}
	if !strings.Contains(out.String(), probeReply) {
		return Result{Success: false, Error: "Connection test failed"}, nil
	}

	log.Debug().Str("address", addr).Msg("SSH probe succeeded")
	return Result{Success: true, Message: "Connection successful"}, nil
}

func sshAddress(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	if port == 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}
