package detector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/project-theia/theia-api/internal/domain/density"
	apperrors "github.com/project-theia/theia-api/internal/errors"
)

// maxLineBytes bounds one response line from a subprocess detector.
const maxLineBytes = 8 << 20

// SubprocessOptions configures a SubprocessDetector.
type SubprocessOptions struct {
	Command []string
	Env     []string // appended to the parent environment
	Timeout time.Duration
	Logger  *slog.Logger
}

// SubprocessDetector keeps a model server process alive and exchanges one
// JSON line per image over its stdin and stdout. Calls are serialized.
type SubprocessDetector struct {
	argv    []string
	env     []string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	proc   *process
	seq    uint64
	closed bool
}

type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan lineResult
	done  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

// stop tells the reader to stop forwarding lines.
func (p *process) stop() {
	p.once.Do(func() { close(p.quit) })
}

type lineResult struct {
	line []byte
	err  error
}

type response struct {
	Seq        uint64              `json:"seq,omitempty"`
	Detections []density.Detection `json:"detections"`
	Error      string              `json:"error,omitempty"`
}

// NewSubprocessDetector validates opts. The process starts on first use.
func NewSubprocessDetector(opts SubprocessOptions) (*SubprocessDetector, error) {
	if len(opts.Command) == 0 || opts.Command[0] == "" {
		return nil, errors.New("detector command is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessDetector{
		argv:    append([]string(nil), opts.Command...),
		env:     append([]string(nil), opts.Env...),
		timeout: opts.Timeout,
		logger:  logger.With("component", "subprocess_detector", "command", opts.Command[0]),
	}, nil
}

// Detect implements density.Detector.
func (d *SubprocessDetector) Detect(ctx context.Context, img image.Image) ([]density.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("detector closed")
	}

	proc, err := d.ensureStarted()
	if err != nil {
		return nil, err
	}

	d.seq++
	req, err := encodeRequest(d.seq, img)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal detector request: %w", err)
	}
	if _, err := proc.stdin.Write(append(line, '\n')); err != nil {
		d.killLocked()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "write to detector process")
	}

	res, err := d.awaitLine(ctx, proc)
	if err != nil {
		d.killLocked()
		return nil, err
	}

	var resp response
	if err := json.Unmarshal(res, &resp); err != nil {
		d.killLocked()
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	if resp.Seq != 0 && resp.Seq != d.seq {
		d.killLocked()
		return nil, apperrors.Unavailablef("detector answered seq %d, want %d", resp.Seq, d.seq)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detector error: %s", resp.Error)
	}
	return resp.Detections, nil
}

func (d *SubprocessDetector) awaitLine(ctx context.Context, proc *process) ([]byte, error) {
	var timeout <-chan time.Time
	if d.timeout > 0 {
		timer := time.NewTimer(d.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case res, ok := <-proc.lines:
		if !ok {
			return nil, apperrors.Unavailablef("detector process exited")
		}
		if res.err != nil {
			return nil, apperrors.Wrap(res.err, apperrors.ErrCodeUnavailable, "read from detector process")
		}
		return res.line, nil
	case <-timeout:
		return nil, apperrors.Wrapf(context.DeadlineExceeded, apperrors.ErrCodeTimeout,
			"detector did not answer within %s", d.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *SubprocessDetector) ensureStarted() (*process, error) {
	if d.proc != nil {
		select {
		case <-d.proc.done:
			d.logger.Warn("detector process exited; restarting")
			d.proc = nil
		default:
			return d.proc, nil
		}
	}

	cmd := exec.Command(d.argv[0], d.argv[1:]...) // #nosec G204 - argv comes from operator configuration
	cmd.Env = append(os.Environ(), d.env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("detector stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("detector stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start detector %s: %w", d.argv[0], err)
	}

	proc := &process{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan lineResult),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
	}
	go readLines(stdout, proc)
	d.proc = proc
	d.logger.Info("detector process started", "pid", cmd.Process.Pid)
	return proc, nil
}

// readLines forwards stdout lines until EOF, then reaps the process.
func readLines(stdout io.Reader, proc *process) {
	defer close(proc.done)
	defer close(proc.lines)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case proc.lines <- lineResult{line: line}:
		case <-proc.quit:
			_, _ = io.Copy(io.Discard, stdout)
			_ = proc.cmd.Wait()
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case proc.lines <- lineResult{err: err}:
		case <-proc.quit:
		}
	}
	_ = proc.cmd.Wait()
}

// killLocked discards a process whose protocol state is unknown.
func (d *SubprocessDetector) killLocked() {
	if d.proc == nil {
		return
	}
	d.proc.stop()
	_ = d.proc.stdin.Close()
	if d.proc.cmd.Process != nil {
		_ = d.proc.cmd.Process.Kill()
	}
	d.proc = nil
}

// Close stops the process. Closing stdin asks it to exit; it is killed if
// it has not exited within five seconds. Close is idempotent.
func (d *SubprocessDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.proc == nil {
		return nil
	}
	proc := d.proc
	d.proc = nil

	proc.stop()
	err := proc.stdin.Close()
	select {
	case <-proc.done:
	case <-time.After(5 * time.Second):
		if proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
		<-proc.done
	}
	return err
}
