// Package hostexec implements the Host Executor (spec §4.1): enumerating,
// creating, and killing terminal-multiplexer sessions on a configured SSH
// host, injecting keystrokes with the two-step submit rule, and capturing
// pane scrollback. All commands run over internal/sshpool's persistent
// per-host control channel.
package hostexec

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/relayerr"
	"github.com/jiunbae/aily/internal/sshpool"
)

// submitDelay is the pause between the text-payload invocation and the
// submit-keystroke invocation (spec §4.1): combining them in one batch is
// read by some agent front-ends as a soft newline rather than a submit.
const submitDelay = 300 * time.Millisecond

// ControlKey is one of the single-keystroke shortcuts that bypass the
// two-step submit rule.
type ControlKey string

const (
	KeyInterrupt ControlKey = "interrupt" // !c
	KeyEOF       ControlKey = "eof"       // !d
	KeySuspend   ControlKey = "suspend"   // !z
	KeyLiteralQ  ControlKey = "literal_q" // !q
	KeySubmit    ControlKey = "submit"    // !enter
	KeyEscape    ControlKey = "escape"    // !esc
)

var tmuxKeystroke = map[ControlKey]string{
	KeyInterrupt: "C-c",
	KeyEOF:       "C-d",
	KeySuspend:   "C-z",
	KeyLiteralQ:  "q",
	KeySubmit:    "Enter",
	KeyEscape:    "Escape",
}

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Runner is the subset of *sshpool.Pool the Host Executor needs — an
// interface so tests can substitute a fake control channel instead of
// dialing real hosts.
type Runner interface {
	Run(ctx context.Context, hostName, cmd string) (*sshpool.Result, error)
	Reload(knownHostsFile string, hosts []config.HostSpec) error
}

// Executor is the Host Executor, backed by a pool of per-host SSH channels.
type Executor struct {
	pool   Runner
	logger zerolog.Logger
}

// New wraps an sshpool.Pool (or any Runner) as a Host Executor.
func New(pool Runner, logger zerolog.Logger) *Executor {
	return &Executor{pool: pool, logger: logger.With().Str("component", "hostexec").Logger()}
}

// Reload replaces the configured host set (spec §4.1 supplemented Reload;
// wired to SIGHUP in cmd/aily).
func (e *Executor) Reload(knownHostsFile string, hosts []config.HostSpec) error {
	return e.pool.Reload(knownHostsFile, hosts)
}

// ListSessions lists live multiplexer session names on host.
func (e *Executor) ListSessions(ctx context.Context, host string) (map[string]struct{}, error) {
	res, err := e.pool.Run(ctx, host, "tmux list-sessions -F '#{session_name}' 2>/dev/null || true")
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{})
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names[line] = struct{}{}
		}
	}
	return names, nil
}

// HasSession reports whether a named session is live on host.
func (e *Executor) HasSession(ctx context.Context, host, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := e.pool.Run(ctx, host, fmt.Sprintf("tmux has-session -t %s", shellQuote(name)))
	if err == nil {
		return true, nil
	}
	if relayerr.Is(err, relayerr.ProtocolError) {
		return false, nil
	}
	return false, err
}

// CreateSession creates a detached session named name on host.
func (e *Executor) CreateSession(ctx context.Context, host, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	exists, err := e.HasSession(ctx, host, name)
	if err != nil {
		return err
	}
	if exists {
		return relayerr.New(relayerr.Duplicate, "session already exists")
	}
	_, err = e.pool.Run(ctx, host, fmt.Sprintf("tmux new-session -d -s %s", shellQuote(name)))
	return err
}

// KillSession terminates a session on host.
func (e *Executor) KillSession(ctx context.Context, host, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	exists, err := e.HasSession(ctx, host, name)
	if err != nil {
		return err
	}
	if !exists {
		return relayerr.New(relayerr.NotFound, "no such session")
	}
	_, err = e.pool.Run(ctx, host, fmt.Sprintf("tmux kill-session -t %s", shellQuote(name)))
	return err
}

// Inject sends payload to the named session. When submit is true, a
// separate submit keystroke follows ~300ms later, per the two-step rule —
// combining the two in one invocation reads as a soft newline to some agent
// front-ends rather than a submit.
func (e *Executor) Inject(ctx context.Context, host, name, payload string, submit bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	_, err := e.pool.Run(ctx, host, fmt.Sprintf("tmux send-keys -t %s -l %s", shellQuote(name), shellQuote(payload)))
	if err != nil {
		return err
	}
	if !submit {
		return nil
	}
	select {
	case <-time.After(submitDelay):
	case <-ctx.Done():
		return relayerr.Wrap(relayerr.Cancelled, "waiting to submit", ctx.Err())
	}
	return e.InjectControlKey(ctx, host, name, KeySubmit)
}

// InjectControlKey sends one of the single-keystroke shortcuts that bypass
// the two-step submit rule.
func (e *Executor) InjectControlKey(ctx context.Context, host, name string, key ControlKey) error {
	if err := validateName(name); err != nil {
		return err
	}
	keystroke, ok := tmuxKeystroke[key]
	if !ok {
		return relayerr.New(relayerr.InvalidArgument, fmt.Sprintf("unknown control key %q", key))
	}
	_, err := e.pool.Run(ctx, host, fmt.Sprintf("tmux send-keys -t %s %s", shellQuote(name), keystroke))
	return err
}

// Capture returns the last `lines` lines of the pane's scrollback.
// lines=0 returns "" without touching the control channel (spec §8 boundary
// behaviour); a negative count falls back to the 200-line default.
func (e *Executor) Capture(ctx context.Context, host, name string, lines int) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if lines == 0 {
		return "", nil
	}
	if lines < 0 {
		lines = 200
	}
	res, err := e.pool.Run(ctx, host, fmt.Sprintf("tmux capture-pane -t %s -p -S -%d", shellQuote(name), lines))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func validateName(name string) error {
	if !sessionNamePattern.MatchString(name) {
		return relayerr.New(relayerr.InvalidArgument, "session name must match ^[A-Za-z0-9_-]{1,64}$")
	}
	return nil
}

// shellQuote wraps s in single quotes for safe inclusion in a shell command
// run over the control channel, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
