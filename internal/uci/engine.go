// Package uci drives a UCI chess engine process and turns its output into
// position evaluations.
//
// Scores returned by Evaluate are normalized to White's point of view. This
// is the only place in the module where side-to-move normalization happens.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/fen"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrStartup indicates the engine could not be spawned or never
	// completed the handshake.
	ErrStartup = errors.New("uci: engine startup failed")

	// ErrClosed indicates the engine has been terminated.
	ErrClosed = errors.New("uci: engine closed")

	// ErrEngineExited indicates the engine stopped producing output in the
	// middle of a request.
	ErrEngineExited = errors.New("uci: engine exited")
)

// Eval is the result of evaluating one position.
type Eval struct {
	// Score is in centipawns from White's point of view. Nil when the
	// engine reported no score at the target depth (for example when the
	// position is already mate).
	Score *int

	// BestMove is the engine's preferred move in coordinate notation.
	BestMove string

	// Depth is the search depth of the captured score.
	Depth int
}

// HasScore reports whether the evaluation carries a usable score.
func (e Eval) HasScore() bool {
	return e.Score != nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithDepth sets the search depth. Default is 15.
func WithDepth(depth int) Option {
	return func(e *Engine) { e.depth = depth }
}

// WithThreads sets the engine's Threads option. Zero leaves the engine default.
func WithThreads(n int) Option {
	return func(e *Engine) { e.threads = n }
}

// WithHash sets the engine's Hash option in MB. Zero leaves the engine default.
func WithHash(mb int) Option {
	return func(e *Engine) { e.hashMB = mb }
}

// WithStartupTimeout bounds the handshake. Default is 10 seconds.
func WithStartupTimeout(d time.Duration) Option {
	return func(e *Engine) { e.startupTimeout = d }
}

// WithLogger sets the logger. If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is a single UCI engine process.
//
// Evaluate calls are serialized: one request is outstanding at a time and
// its output lines are matched to it in order.
type Engine struct {
	path           string
	args           []string
	depth          int
	threads        int
	hashMB         int
	startupTimeout time.Duration
	quitTimeout    time.Duration
	logger         *zap.Logger

	mu      sync.Mutex // held for a whole Evaluate request
	writeMu sync.Mutex // guards w
	cmd     *exec.Cmd
	w       io.WriteCloser
	lines   chan string
	done    chan struct{}
	closed  atomic.Bool
}

// New creates an engine for the binary at path. The process is not started
// until Initialize is called.
func New(path string, opts ...Option) *Engine {
	e := &Engine{
		path:           path,
		depth:          15,
		startupTimeout: 10 * time.Second,
		quitTimeout:    2 * time.Second,
		logger:         zap.NewNop(),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Depth returns the configured search depth.
func (e *Engine) Depth() int {
	return e.depth
}

// Initialize starts the engine process and blocks until it reports ready.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}

	cmd := exec.Command(e.path, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %w", ErrStartup, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %w", ErrStartup, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting %s: %w", ErrStartup, e.path, err)
	}
	e.cmd = cmd

	if err := e.attach(ctx, stdout, stdin); err != nil {
		e.Terminate()
		return err
	}

	e.logger.Debug("engine ready",
		zap.String("path", e.path),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("depth", e.depth),
	)
	return nil
}

// attach wires the engine to its output and input streams and performs the
// handshake: uci, uciok, setoption, isready, readyok.
func (e *Engine) attach(ctx context.Context, r io.Reader, w io.WriteCloser) error {
	e.w = w
	e.lines = make(chan string, 64)
	go e.readLines(r)

	ctx, cancel := context.WithTimeout(ctx, e.startupTimeout)
	defer cancel()

	if err := e.send("uci"); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if err := e.await(ctx, EventUCIOK); err != nil {
		return fmt.Errorf("%w: waiting for uciok: %w", ErrStartup, err)
	}
	if e.threads > 0 {
		if err := e.send(fmt.Sprintf("setoption name Threads value %d", e.threads)); err != nil {
			return fmt.Errorf("%w: %w", ErrStartup, err)
		}
	}
	if e.hashMB > 0 {
		if err := e.send(fmt.Sprintf("setoption name Hash value %d", e.hashMB)); err != nil {
			return fmt.Errorf("%w: %w", ErrStartup, err)
		}
	}
	if err := e.send("isready"); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if err := e.await(ctx, EventReadyOK); err != nil {
		return fmt.Errorf("%w: waiting for readyok: %w", ErrStartup, err)
	}
	return nil
}

// Evaluate searches fenStr to the configured depth. Only info lines at or
// beyond the target depth are considered; the last one before bestmove wins.
func (e *Engine) Evaluate(ctx context.Context, fenStr string) (Eval, error) {
	if err := fen.Validate(fenStr); err != nil {
		return Eval{}, fmt.Errorf("evaluating %q: %w", fenStr, err)
	}
	side, err := fen.SideToMove(fenStr)
	if err != nil {
		return Eval{}, fmt.Errorf("evaluating %q: %w", fenStr, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() || e.lines == nil {
		return Eval{}, ErrClosed
	}

	if err := e.send("position fen " + fenStr); err != nil {
		return Eval{}, err
	}
	if err := e.send(fmt.Sprintf("go depth %d", e.depth)); err != nil {
		return Eval{}, err
	}

	var result Eval
	for {
		select {
		case <-ctx.Done():
			e.abortSearch()
			return Eval{}, ctx.Err()
		case line, ok := <-e.lines:
			if !ok {
				return Eval{}, ErrEngineExited
			}
			ev := ParseLine(line)
			switch ev.Kind {
			case EventInfo:
				if ev.Score == nil || ev.Depth < e.depth {
					continue
				}
				cp := ev.Score.Centipawns() * side.Sign()
				result.Score = &cp
				result.Depth = ev.Depth
				result.BestMove = ev.PV
			case EventBestMove:
				if result.BestMove == "" && ev.Move != "(none)" {
					result.BestMove = ev.Move
				}
				return result, nil
			}
		}
	}
}

// Terminate shuts the engine down. It is safe to call more than once and
// never fails.
func (e *Engine) Terminate() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	if e.w != nil {
		_ = e.send("quit")
		e.writeMu.Lock()
		_ = e.w.Close()
		e.writeMu.Unlock()
	}
	close(e.done)

	if e.cmd == nil || e.cmd.Process == nil {
		return
	}

	exited := make(chan error, 1)
	go func() { exited <- e.cmd.Wait() }()

	select {
	case <-exited:
	case <-time.After(e.quitTimeout):
		e.logger.Warn("engine did not quit, killing", zap.String("path", e.path))
		_ = e.cmd.Process.Kill()
		<-exited
	}
}

// abortSearch stops a running search and discards its output up to the
// bestmove line, so the next request starts on a clean stream.
func (e *Engine) abortSearch() {
	if err := e.send("stop"); err != nil {
		return
	}
	timeout := time.NewTimer(e.quitTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-timeout.C:
			e.logger.Warn("engine did not acknowledge stop")
			return
		case line, ok := <-e.lines:
			if !ok || ParseLine(line).Kind == EventBestMove {
				return
			}
		}
	}
}

// await reads lines until one of the given kind arrives.
func (e *Engine) await(ctx context.Context, kind EventKind) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-e.lines:
			if !ok {
				return ErrEngineExited
			}
			if ParseLine(line).Kind == kind {
				return nil
			}
		}
	}
}

func (e *Engine) send(cmd string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := io.WriteString(e.w, cmd+"\n"); err != nil {
		return fmt.Errorf("writing %q: %w", strings.Fields(cmd)[0], err)
	}
	return nil
}

func (e *Engine) readLines(r io.Reader) {
	defer close(e.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case e.lines <- scanner.Text():
		case <-e.done:
			return
		}
	}
}
