// Package scrape implements the transcript scraper (spec §4.8): tailing a
// session's agent transcript file and feeding new assistant messages to the
// Router as hook-equivalent events. Grounded on the reference's
// internal/event package — an event-sourced ingestion concern — so it uses
// log/slog rather than zerolog, matching the split already present between
// the reference's service plumbing and its ingestion sources.
//
// Transcript is authoritative for past messages; tmux capture-pane output is
// never fed to the Router as a message source (spec §9 Open Question #1) —
// it is used only for liveness/status elsewhere (internal/hostexec.Capture,
// consumed by the !sessions command and the per-host ssh health check in
// cmd/aily).
package scrape

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jiunbae/aily/internal/sshpool"
)

// Runner is the subset of *sshpool.Pool the scraper needs to tail a remote
// transcript file over the existing SSH control channel — same minimal-
// surface pattern as hostexec.Runner and router.Executor.
type Runner interface {
	Run(ctx context.Context, host, cmd string) (*sshpool.Result, error)
}

// Notifier is the subset of *router.Router the scraper feeds discovered
// messages into.
type Notifier interface {
	NotifyHook(ctx context.Context, sessionName, role, source, text, externalID string)
}

// PathFunc resolves a session's transcript file path on its host. Returns
// ok=false when no log path is known for this agent type (spec §4.8: the
// scraper only runs "when a session log path is known").
type PathFunc func(host, sessionName, agentType string) (path string, ok bool)

// line is the tolerant subset of fields read across claude/gemini/codex/
// opencode transcript formats — each agent's JSONL schema differs, so only
// fields that some form of every one of them carries are read, with
// fallbacks.
type line struct {
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Text    string `json:"text"`
	ID      string `json:"id"`
	UUID    string `json:"uuid"`
}

func (l line) role() string {
	if l.Role != "" {
		return l.Role
	}
	return l.Type
}

func (l line) content() string {
	if l.Content != "" {
		return l.Content
	}
	return l.Text
}

func (l line) externalID(sessionName string, seq int) string {
	if l.ID != "" {
		return l.ID
	}
	if l.UUID != "" {
		return l.UUID
	}
	return fmt.Sprintf("%s:line:%d", sessionName, seq)
}

// Scraper tails per-session transcript files, tracking how much of each has
// already been consumed so repeated ticks only forward new lines.
type Scraper struct {
	runner   Runner
	notifier Notifier
	pathFor  PathFunc
	logger   *slog.Logger

	mu      sync.Mutex
	offsets map[string]int64 // session name -> bytes already consumed
	seq     map[string]int   // session name -> lines already consumed
}

// New creates a Scraper. logger defaults to slog.Default() when nil.
func New(runner Runner, notifier Notifier, pathFor PathFunc, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		runner:   runner,
		notifier: notifier,
		pathFor:  pathFor,
		logger:   logger,
		offsets:  make(map[string]int64),
		seq:      make(map[string]int),
	}
}

// Scrape tails one session's transcript once, forwarding any new assistant
// lines to the Notifier. Called by the scheduler's transcript-scraper job,
// once per active or waiting session per tick.
func (s *Scraper) Scrape(ctx context.Context, host, sessionName, agentType string) error {
	path, ok := s.pathFor(host, sessionName, agentType)
	if !ok {
		return nil
	}

	s.mu.Lock()
	offset := s.offsets[sessionName]
	seq := s.seq[sessionName]
	s.mu.Unlock()

	res, err := s.runner.Run(ctx, host, fmt.Sprintf("tail -c +%d %s 2>/dev/null || true", offset+1, shellQuote(path)))
	if err != nil {
		return err
	}
	if res.Stdout == "" {
		return nil
	}

	consumed := 0
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		consumed += len(raw) + 1
		if strings.TrimSpace(raw) == "" {
			continue
		}
		seq++

		var l line
		if jsonErr := json.Unmarshal([]byte(raw), &l); jsonErr != nil {
			s.logger.Warn("transcript line not valid JSON, skipping", "session", sessionName, "error", jsonErr)
			continue
		}
		if l.role() != "assistant" {
			continue
		}
		content := strings.TrimSpace(l.content())
		if content == "" {
			continue
		}
		s.notifier.NotifyHook(ctx, sessionName, "assistant", "jsonl", content, l.externalID(sessionName, seq))
	}
	if serr := scanner.Err(); serr != nil {
		return serr
	}

	s.mu.Lock()
	s.offsets[sessionName] = offset + int64(consumed)
	s.seq[sessionName] = seq
	s.mu.Unlock()
	return nil
}

// Forget drops tracked offsets for a session — called on kill/archive so a
// reused session name starts its transcript fresh rather than tailing from a
// stale byte offset forever.
func (s *Scraper) Forget(sessionName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, sessionName)
	delete(s.seq, sessionName)
}

func shellQuote(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}
