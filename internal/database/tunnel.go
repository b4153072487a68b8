package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cuixiaotu/lbdm/internal/config"
)

// forwarder opens channels to the target through the SSH connection.
// *ssh.Client satisfies it.
type forwarder interface {
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

// Tunnel listens on an ephemeral loopback port and forwards every accepted
// connection to a fixed target through an SSH client.
type Tunnel struct {
	listener net.Listener
	client   forwarder
	target   string
	logger   *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// OpenTunnel connects to the SSH host in cfg and starts forwarding to target.
func OpenTunnel(ctx context.Context, cfg config.TunnelConfig, target string, logger *slog.Logger) (*Tunnel, error) {
	clientCfg, err := sshClientConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnel: ssh handshake with %s: %w", addr, err)
	}

	tunnel, err := newTunnel(ssh.NewClient(sshConn, chans, reqs), target, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("ssh tunnel established", "ssh_host", addr, "local", tunnel.Addr(), "target", target)
	return tunnel, nil
}

func newTunnel(client forwarder, target string, logger *slog.Logger) (*Tunnel, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("tunnel: listen: %w", err)
	}

	t := &Tunnel{
		listener: listener,
		client:   client,
		target:   target,
		logger:   logger,
	}
	t.wg.Add(1)
	go t.serve()
	return t, nil
}

// Addr returns the local listen address.
func (t *Tunnel) Addr() string {
	return t.listener.Addr().String()
}

// Port returns the local listen port.
func (t *Tunnel) Port() int {
	return t.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting, closes the SSH client and waits for the accept loop.
// Forwarded connections end when the SSH client goes away.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		lerr := t.listener.Close()
		cerr := t.client.Close()
		t.wg.Wait()
		t.closeErr = errors.Join(lerr, cerr)
	})
	return t.closeErr
}

func (t *Tunnel) serve() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Error("tunnel: accept failed", "error", err)
			}
			return
		}
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.target)
	if err != nil {
		t.logger.Error("tunnel: forward dial failed", "target", t.target, "error", err)
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remote, local)
		remote.Close() // unblock remote -> local
	}()
	go func() {
		defer wg.Done()
		io.Copy(local, remote)
		local.Close() // unblock local -> remote
	}()
	wg.Wait()
}

func sshClientConfig(cfg config.TunnelConfig, logger *slog.Logger) (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod

	keyPEM := []byte(cfg.PrivateKey)
	if len(keyPEM) == 0 && cfg.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("tunnel: read private key: %w", err)
		}
		keyPEM = data
	}
	if len(keyPEM) > 0 {
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyPEM, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyPEM)
		}
		if err != nil {
			return nil, fmt.Errorf("tunnel: parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auths = append(auths, ssh.Password(cfg.Password))
	}
	if len(auths) == 0 {
		return nil, errors.New("tunnel: no password or private key configured")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("tunnel: load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		logger.Warn("ssh host key verification disabled; set TUNNEL_KNOWN_HOSTS to enable it")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}, nil
}
