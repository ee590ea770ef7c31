package classifier

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

const (
	socketName = "runner.sock"
	// DefaultTimeout bounds a single request to the model process.
	DefaultTimeout = 5 * time.Second
	// socketWait bounds how long the model process may take to open its socket.
	socketWait = 5 * time.Second
)

// Options configures a model runner.
type Options struct {
	// WorkDir holds the runner socket. A temporary directory is created and
	// removed on Close when empty.
	WorkDir string
	// TraceDir receives JSON copies of every request and response when set.
	TraceDir string
	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration
}

type runnerResponse struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type helloRequest struct {
	ID    int64 `json:"id"`
	Hello int   `json:"hello"`
}

type helloResponse struct {
	runnerResponse
	ModelParameters ModelParameters `json:"model_parameters"`
	Project         Project         `json:"project"`
}

type classifyRequest struct {
	ID       int64     `json:"id"`
	Classify []float64 `json:"classify"`
}

type classifyResponse struct {
	runnerResponse
	Result struct {
		Classification map[string]float64 `json:"classification,omitempty"`
		Anomaly        *float64           `json:"anomaly,omitempty"`
	} `json:"result"`
	Timing struct {
		DSP            float64 `json:"dsp"`
		Classification float64 `json:"classification"`
		Anomaly        float64 `json:"anomaly"`
	} `json:"timing"`
}

// RunnerProcess is a running model process speaking the runner protocol over
// a Unix socket: newline-terminated JSON requests, NUL-terminated responses.
type RunnerProcess struct {
	params  ModelParameters
	project Project
	opts    Options
	logger  *slog.Logger

	tempDir string
	cancel  context.CancelFunc
	exited  chan struct{}

	mu      sync.Mutex // serializes requests
	conn    net.Conn
	reader  *bufio.Reader
	partial []byte // unterminated response left by a timed-out read
	broken  error  // set when the request stream can no longer be trusted
	lastID  int64
}

var _ Classifier = (*RunnerProcess)(nil)

// Open starts the model at modelPath and performs the hello handshake.
// Always call Close on the returned runner.
func Open(ctx context.Context, modelPath string, opts Options) (runner *RunnerProcess, rerr error) {
	modelPath, err := filepath.Abs(modelPath)
	if err != nil {
		return nil, util.WrapError("resolve model path", err)
	}

	r := &RunnerProcess{opts: opts, logger: slog.Default()}
	defer func() {
		if rerr != nil {
			_ = r.Close()
		}
	}()

	if r.opts.WorkDir == "" {
		dir, err := TempDir()
		if err != nil {
			return nil, util.WrapError("create runner directory", err)
		}
		r.opts.WorkDir = dir
		r.tempDir = dir
	}

	procCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	cmd := exec.CommandContext(procCtx, modelPath, socketName)
	cmd.Dir = r.opts.WorkDir
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout
	if err := cmd.Start(); err != nil {
		return nil, util.WrapError("start model process", err)
	}
	r.exited = make(chan struct{})
	go func() {
		defer close(r.exited)
		if err := cmd.Wait(); err != nil && procCtx.Err() == nil {
			r.logger.Error("model process exited", "error", err)
		}
	}()

	conn, err := dialSocket(ctx, filepath.Join(r.opts.WorkDir, socketName), r.exited)
	if err != nil {
		return nil, err
	}
	r.attach(conn)

	if err := r.hello(); err != nil {
		return nil, err
	}
	return r, nil
}

// dialSocket waits for the model process to create its socket.
func dialSocket(ctx context.Context, path string, exited <-chan struct{}) (net.Conn, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, socketWait, errors.New("no socket from model process"))
	defer cancel()

	var d net.Dialer
	ticker := time.NewTicker(types.PollInterval)
	defer ticker.Stop()
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, syscall.ENOENT) && !errors.Is(err, syscall.ECONNREFUSED) && ctx.Err() == nil {
			return nil, util.WrapError("open runner socket", err)
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-exited:
			return nil, errors.New("model process exited before opening its socket")
		case <-ticker.C:
		}
	}
}

// attach binds the runner to an established connection.
func (r *RunnerProcess) attach(conn net.Conn) {
	r.conn = conn
	r.reader = bufio.NewReader(conn)
	r.partial = nil
	r.broken = nil
	if r.opts.Timeout <= 0 {
		r.opts.Timeout = DefaultTimeout
	}
}

func (r *RunnerProcess) hello() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req := helloRequest{ID: r.nextID(), Hello: 1}
	var resp helloResponse
	if err := r.transact(time.Now().Add(r.opts.Timeout), req.ID, req, &resp, &resp.runnerResponse); err != nil {
		return util.WrapError("hello to model", err)
	}
	resp.ModelParameters.resolveSensor()
	r.params = resp.ModelParameters
	r.project = resp.Project
	return nil
}

// ModelParameters returns the parameters reported by the model.
func (r *RunnerProcess) ModelParameters() ModelParameters {
	return r.params
}

// Project returns the project embedded in the model.
func (r *RunnerProcess) Project() Project {
	return r.project
}

// Labels returns the model's categories in output order.
func (r *RunnerProcess) Labels() []string {
	return r.params.Labels
}

// Classify runs the model on features.
func (r *RunnerProcess) Classify(ctx context.Context, features []float64) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return Result{}, errors.New("runner is closed")
	}

	deadline := time.Now().Add(r.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := classifyRequest{ID: r.nextID(), Classify: features}
	var resp classifyResponse
	if err := r.transact(deadline, req.ID, req, &resp, &resp.runnerResponse); err != nil {
		return Result{}, util.WrapError("classify", err)
	}

	result, err := ResultFromMap(resp.Result.Classification, r.params.Labels)
	if err != nil {
		return Result{}, err
	}
	if r.params.HasAnomaly != 0 {
		result.Anomaly = resp.Result.Anomaly
	}
	result.Timing = time.Duration((resp.Timing.DSP + resp.Timing.Classification + resp.Timing.Anomaly) * float64(time.Millisecond))
	return result, nil
}

// transact writes one request and reads its NUL-terminated response.
// Replies to earlier requests that timed out are read and discarded, so one
// slow answer never shifts later requests out of step.
func (r *RunnerProcess) transact(deadline time.Time, id int64, req, resp any, status *runnerResponse) error {
	if r.broken != nil {
		return r.broken
	}
	if err := r.conn.SetDeadline(deadline); err != nil {
		return util.WrapError("set runner deadline", err)
	}

	if err := json.NewEncoder(r.conn).Encode(req); err != nil {
		// A partially written request leaves the model's parser in an
		// unknown state.
		r.broken = util.WrapError("write request to model", err)
		return r.broken
	}
	r.writeTrace(id, "request", req)

	for {
		raw, err := r.readFrame()
		if err != nil {
			return util.WrapError("read response from model", err)
		}

		var head runnerResponse
		if err := json.Unmarshal(raw, &head); err != nil {
			return util.WrapError("decode model response", err)
		}
		if head.ID < id {
			r.logger.Debug("discarding late model response", "id", head.ID, "waiting_for", id)
			continue
		}
		if head.ID != id {
			return fmt.Errorf("response id %d does not match request id %d", head.ID, id)
		}

		if err := json.Unmarshal(raw, resp); err != nil {
			return util.WrapError("decode model response", err)
		}
		r.writeTrace(id, "response", resp)
		if !status.Success {
			return fmt.Errorf("model error: %s", status.Error)
		}
		return nil
	}
}

// readFrame returns the next NUL-terminated response. Bytes read before a
// deadline are kept and completed by the next call.
func (r *RunnerProcess) readFrame() ([]byte, error) {
	chunk, err := r.reader.ReadBytes(0)
	if err != nil {
		r.partial = append(r.partial, chunk...)
		return nil, err
	}
	if len(r.partial) > 0 {
		chunk = append(r.partial, chunk...)
		r.partial = nil
	}
	return bytes.TrimRight(chunk, "\x00\r\n "), nil
}

func (r *RunnerProcess) writeTrace(id int64, kind string, data any) {
	if r.opts.TraceDir == "" {
		return
	}

	filename := filepath.Join(r.opts.TraceDir, fmt.Sprintf("runner-%d-%s.json", id, kind))
	f, err := os.Create(filename)
	if err != nil {
		r.logger.Warn("failed to create trace file", "file", filename, "error", err)
		return
	}
	defer util.SafeCloseFunc(f, "trace file")()

	if err := json.NewEncoder(f).Encode(data); err != nil {
		r.logger.Warn("failed to write trace file", "file", filename, "error", err)
	}
}

func (r *RunnerProcess) nextID() int64 {
	r.lastID++
	return r.lastID
}

// Close stops the model process and removes its temporary directory.
func (r *RunnerProcess) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.conn != nil {
		errs = append(errs, r.conn.Close())
		r.conn = nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.exited != nil {
		select {
		case <-r.exited:
		case <-time.After(types.ShutdownTimeout):
			errs = append(errs, errors.New("model process did not exit"))
		}
	}
	if r.tempDir != "" {
		errs = append(errs, os.RemoveAll(r.tempDir))
		r.tempDir = ""
	}
	return errors.Join(errs...)
}
