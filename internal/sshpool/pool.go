// Package sshpool maintains one persistent, multiplexed SSH control channel
// per host (spec §4.1): lazy-opened, health-checked every minute with a
// no-op command, reconnected with exponential backoff on failure. The
// reconnect shape is grounded on the reference's WebSocket gateway client —
// a CAS-guarded single in-flight reconnect goroutine with a capped backoff —
// generalized here from one gateway connection to a pool of per-host ones.
package sshpool

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/relayerr"
)

const (
	baseBackoff    = 1 * time.Second
	maxBackoff     = 30 * time.Second
	healthInterval = 1 * time.Minute
	defaultOpTimeout = 8 * time.Second
	// maxQueueDepth bounds in-flight operations per host so a slow or wedged
	// host can't let callers pile up unboundedly (spec §5).
	maxQueueDepth = 8
)

// Result is the output of a command run over a host's control channel.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Pool owns one *host per configured Host, keyed by name.
type Pool struct {
	mu     sync.RWMutex
	hosts  map[string]*host
	logger zerolog.Logger
}

// New creates an empty pool and loads the given host specs.
func New(logger zerolog.Logger, knownHostsFile string, specs []config.HostSpec) (*Pool, error) {
	p := &Pool{
		hosts:  make(map[string]*host),
		logger: logger.With().Str("component", "sshpool").Logger(),
	}
	if err := p.Reload(knownHostsFile, specs); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the host set (spec §4.1 supplemented Reload operation,
// wired to SIGHUP in cmd/aily). Hosts present in both the old and new sets
// keep their live connection; removed hosts are closed; added hosts are
// lazily opened on first use.
func (p *Pool) Reload(knownHostsFile string, specs []config.HostSpec) error {
	clientCfg, err := buildClientConfig(knownHostsFile)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	keep := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		keep[spec.Name] = struct{}{}
		if existing, ok := p.hosts[spec.Name]; ok {
			existing.spec = spec
			continue
		}
		p.hosts[spec.Name] = newHost(spec, clientCfg, p.logger)
	}
	for name, h := range p.hosts {
		if _, ok := keep[name]; !ok {
			h.close()
			delete(p.hosts, name)
		}
	}
	return nil
}

func buildClientConfig(knownHostsFile string) (*ssh.ClientConfig, error) {
	auth, err := sshAgentAuth()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if knownHostsFile == "insecure-ignore-host-key" {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else if knownHostsFile != "" {
		cb, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.ProtocolError, "loading known_hosts", err)
		}
		hostKeyCallback = cb
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         defaultOpTimeout,
	}, nil
}

// sshAgentAuth wires SSH_AUTH_SOCK forwarding, the standard way an operator
// supplies credentials for a fleet of hosts without per-host key files.
func sshAgentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, relayerr.New(relayerr.InvalidArgument, "SSH_AUTH_SOCK not set, cannot authenticate to hosts")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Unreachable, "dialing SSH agent socket", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// Get returns the named host, or not_found if it isn't configured.
func (p *Pool) Get(name string) (*host, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.hosts[name]
	if !ok {
		return nil, relayerr.New(relayerr.NotFound, fmt.Sprintf("unknown host %q", name))
	}
	return h, nil
}

// Names returns the configured host names.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.hosts))
	for n := range p.hosts {
		names = append(names, n)
	}
	return names
}

// Run executes cmd on the named host's control channel, queued behind the
// host's bounded semaphore and bounded by a default 8s operation timeout.
func (p *Pool) Run(ctx context.Context, hostName, cmd string) (*Result, error) {
	h, err := p.Get(hostName)
	if err != nil {
		return nil, err
	}
	return h.run(ctx, cmd)
}

// Close shuts down every host's control channel.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.hosts {
		h.close()
	}
}

// host is one persistent, lazily-opened, auto-reconnecting control channel.
type host struct {
	spec   config.HostSpec
	cfg    *ssh.ClientConfig
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client

	connecting atomic.Bool
	closed     atomic.Bool
	sem        chan struct{}

	stopCh chan struct{}
}

func newHost(spec config.HostSpec, cfg *ssh.ClientConfig, logger zerolog.Logger) *host {
	h := &host{
		spec:   spec,
		cfg:    cfg,
		logger: logger.With().Str("host", spec.Name).Logger(),
		sem:    make(chan struct{}, maxQueueDepth),
		stopCh: make(chan struct{}),
	}
	go h.healthLoop()
	return h
}

func (h *host) run(ctx context.Context, cmd string) (*Result, error) {
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, relayerr.Wrap(relayerr.Cancelled, "queue wait cancelled", ctx.Err())
	}
	defer func() { <-h.sem }()

	opCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	client, err := h.ensureConnected(opCtx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		h.onFailure(err)
		return nil, relayerr.Wrap(relayerr.Unreachable, "opening ssh session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-opCtx.Done():
		session.Close()
		return nil, relayerr.Wrap(relayerr.Cancelled, "command timed out", opCtx.Err())
	case runErr := <-done:
		result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if runErr == nil {
			return result, nil
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, relayerr.Wrap(relayerr.ProtocolError, "command exited nonzero", runErr)
		}
		h.onFailure(runErr)
		return nil, relayerr.Wrap(relayerr.Unreachable, "running command", runErr)
	}
}

func (h *host) ensureConnected(ctx context.Context) (*ssh.Client, error) {
	h.mu.Lock()
	if h.client != nil {
		c := h.client
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()
	return h.connect(ctx)
}

func (h *host) connect(ctx context.Context) (*ssh.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}

	deadline := defaultOpTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			deadline = d
		}
	}
	d := net.Dialer{Timeout: deadline}
	conn, err := d.Dial("tcp", h.spec.Addr)
	if err != nil {
		h.scheduleReconnect()
		return nil, relayerr.Wrap(relayerr.Unreachable, "dialing host", err)
	}

	cfg := *h.cfg
	cfg.User = h.spec.User
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, h.spec.Addr, &cfg)
	if err != nil {
		conn.Close()
		h.scheduleReconnect()
		return nil, relayerr.Wrap(relayerr.Unreachable, "ssh handshake", err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	h.client = client
	h.logger.Info().Msg("ssh control channel connected")
	return client, nil
}

// onFailure drops the current client and schedules a reconnect; the next
// run() call lazily re-opens.
func (h *host) onFailure(err error) {
	h.mu.Lock()
	if h.client != nil {
		h.client.Close()
		h.client = nil
	}
	h.mu.Unlock()
	h.logger.Warn().Err(err).Msg("ssh control channel failed")
	h.scheduleReconnect()
}

// scheduleReconnect ensures only one reconnect attempt loop runs at a time,
// via CAS on connecting — the same shape the reference gateway client uses
// for its WebSocket reconnect loop, generalized to a retry-until-success
// background attempt rather than a caller-blocking one.
func (h *host) scheduleReconnect() {
	if h.closed.Load() {
		return
	}
	if !h.connecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.connecting.Store(false)
		delay := baseBackoff
		for {
			select {
			case <-h.stopCh:
				return
			case <-time.After(delay):
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
			_, err := h.connect(ctx)
			cancel()
			if err == nil {
				return
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}
	}()
}

func (h *host) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
			if _, err := h.run(ctx, "true"); err != nil {
				h.logger.Debug().Err(err).Msg("health check failed")
			}
			cancel()
		}
	}
}

func (h *host) close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		h.client.Close()
		h.client = nil
	}
}
