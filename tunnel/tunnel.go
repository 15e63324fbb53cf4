// Package tunnel provides an in-process SSH port forward for reaching
// network-isolated sources.
package tunnel

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Config is the optional SSH forwarding sub-document of a source
// configuration.
type Config struct {
	SSHEndpoint string `json:"ssh_endpoint,omitempty" jsonschema:"title=SSH Endpoint,description=Endpoint of the remote SSH server that supports tunneling (in the form of ssh://user@hostname[:port])" jsonschema_extras:"pattern=^ssh://.+@.+$"`
	PrivateKey  string `json:"private_key,omitempty" jsonschema:"title=SSH Private Key,description=Private key to connect to the remote SSH server." jsonschema_extras:"secret=true,multiline=true"`
}

// InUse reports whether SSH forwarding is configured at all.
func (c *Config) InUse() bool {
	return c != nil && c.SSHEndpoint != ""
}

// Validate checks that the endpoint parses and a key is present.
func (c *Config) Validate() error {
	if !c.InUse() {
		return nil
	}
	if _, _, err := c.endpoint(); err != nil {
		return err
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("missing 'private_key'")
	}
	return nil
}

func (c *Config) endpoint() (user string, address string, err error) {
	var u *url.URL
	if u, err = url.Parse(c.SSHEndpoint); err != nil {
		return "", "", fmt.Errorf("invalid ssh endpoint %q: %w", c.SSHEndpoint, err)
	}
	if u.Scheme != "ssh" {
		return "", "", fmt.Errorf("invalid ssh endpoint %q: scheme must be 'ssh'", c.SSHEndpoint)
	}
	if u.User == nil || u.User.Username() == "" {
		return "", "", fmt.Errorf("invalid ssh endpoint %q: missing user", c.SSHEndpoint)
	}
	var address_ = u.Host
	if u.Port() == "" {
		address_ = net.JoinHostPort(u.Hostname(), "22")
	}
	return u.User.Username(), address_, nil
}

// Tunnel is a running SSH port forward. Connections accepted on the local
// listener are piped to the forward address through the SSH connection.
type Tunnel struct {
	client *ssh.Client
	ln     net.Listener
	logger *logrus.Entry

	closeOnce sync.Once
}

// Start dials the SSH server and begins forwarding a local ephemeral port to
// forwardAddr on the far side. The returned tunnel stays up until Stop.
func (c *Config) Start(forwardAddr string, logger *logrus.Entry) (*Tunnel, error) {
	var user, address, err = c.endpoint()
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey([]byte(c.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing ssh private key: %w", err)
	}

	var sshConfig = &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	logger.WithFields(logrus.Fields{
		"ssh-endpoint": address,
		"forward-addr": forwardAddr,
	}).Info("starting ssh tunnel")

	client, err := ssh.Dial("tcp", address, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("dialing ssh server %q: %w", address, err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("opening local listener: %w", err)
	}

	var tunnel = &Tunnel{client: client, ln: ln, logger: logger}
	go tunnel.serve(forwardAddr)

	logger.WithField("local-addr", ln.Addr().String()).Info("ssh tunnel ready")
	return tunnel, nil
}

// Addr is the local address the source should connect to instead of its
// configured host and port.
func (t *Tunnel) Addr() string {
	return t.ln.Addr().String()
}

// Stop tears down the listener and the SSH connection. In-flight forwards are
// interrupted.
func (t *Tunnel) Stop() {
	if t == nil {
		return
	}
	t.closeOnce.Do(func() {
		t.ln.Close()
		t.client.Close()
	})
}

func (t *Tunnel) serve(forwardAddr string) {
	for {
		var local, err = t.ln.Accept()
		if err != nil {
			return // Listener closed by Stop.
		}
		go t.forward(local, forwardAddr)
	}
}

func (t *Tunnel) forward(local net.Conn, forwardAddr string) {
	defer local.Close()

	var remote, err = t.client.Dial("tcp", forwardAddr)
	if err != nil {
		t.logger.WithError(err).Error("ssh tunnel failed to reach forward address")
		return
	}
	defer remote.Close()

	var done = make(chan struct{})
	go func() {
		io.Copy(remote, local)
		remote.Close()
		close(done)
	}()
	io.Copy(local, remote)
	<-done
}
