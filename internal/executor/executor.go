// Package executor implements the HTTP Executor (C3): drives one task's
// HTTP transfer from Running/Retrying to a terminal outcome, handling
// range/resume, response-code policy, low-speed detection, rate-limited
// self-throttling, and error classification into spec.md §7's Reason
// taxonomy.
//
// Grounded on the teacher's internal/http/retry.go (ClassifyError/
// CalculateBackoff/ExecuteWithRetry pattern, reused via internal/httpclient)
// and internal/cloud/download/resume.go (range/resume semantics, rewritten
// against If-Range validators instead of S3/Azure SDK calls).
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/constants"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/events"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/httpclient"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/ratelimit"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/resources"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/taskrecord"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// Config tunes one Executor instance; defaults come from internal/config.
type Config struct {
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	LowSpeedBytesPerS  int64
	LowSpeedWindow     int // sample count, see resources.ThroughputMonitor
	MaxRetries         int
}

// Executor runs HTTP download/upload tasks. One Executor is shared by the
// Task Manager across all concurrently-running tasks; per-task state
// (throttle, throughput samples) is keyed by TaskId.
type Executor struct {
	client   *http.Client
	cfg      Config
	monitor  *resources.ThroughputMonitor
	bus      *events.Bus

	mu       sync.Mutex
	limiters map[types.TaskId]*ratelimit.Limiter
	lastInfo map[types.TaskId]types.DownloadInfo
}

// New builds an Executor sharing client across tasks (spec.md §5's pooled
// connections) and publishing progress/completion onto bus.
func New(cfg Config, bus *events.Bus) *Executor {
	return &Executor{
		client:   httpclient.New(),
		cfg:      cfg,
		monitor:  resources.NewThroughputMonitor(),
		bus:      bus,
		limiters: map[types.TaskId]*ratelimit.Limiter{},
		lastInfo: map[types.TaskId]types.DownloadInfo{},
	}
}

// Result carries what the Task Manager needs after one Run attempt.
type Result struct {
	Reason types.Reason
	Info   types.DownloadInfo
}

// Run drives record through exactly one HTTP attempt (not a retry loop —
// the Task Manager owns the Retrying/Waiting backoff cycle via its own
// backoffDelay, matching spec.md §4.3's separation between
// "one attempt" and "the retry policy around attempts").
func (e *Executor) Run(ctx context.Context, r *taskrecord.Record) Result {
	cfg := r.Config
	var res Result
	switch cfg.Action {
	case types.ActionUpload:
		res = e.runUpload(ctx, r)
	default:
		res = e.runDownload(ctx, r)
	}

	e.mu.Lock()
	e.lastInfo[r.ID] = res.Info
	e.mu.Unlock()
	return res
}

// LastInfo returns the DownloadInfo recorded by the most recent Run for
// id, for the Download Info Registry (C8) to cache.
func (e *Executor) LastInfo(id types.TaskId) types.DownloadInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastInfo[id]
}

func (e *Executor) throttle(id types.TaskId) *ratelimit.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[id]
	if !ok {
		l = ratelimit.New(1<<30, 1<<30) // effectively unlimited until demoted
		e.limiters[id] = l
	}
	return l
}

// Demote installs a byte-rate cap on id, called by the Task Manager when
// the Scheduler demotes a task High→Low (spec.md §4.5).
func (e *Executor) Demote(id types.TaskId, bytesPerSecond float64) {
	e.throttle(id).Reconfigure(bytesPerSecond, bytesPerSecond)
}

// Promote clears a task's throttle, called on Low→High promotion.
func (e *Executor) Promote(id types.TaskId) {
	e.throttle(id).Reconfigure(1<<30, 1<<30)
}

// Forget releases per-task throttle and throughput bookkeeping once a task
// reaches a terminal state. The last DownloadInfo is kept so LastInfo can
// still serve it after the task's completion event.
func (e *Executor) Forget(id types.TaskId) {
	e.mu.Lock()
	delete(e.limiters, id)
	e.mu.Unlock()
	e.monitor.Cleanup(id)
}

func (e *Executor) runDownload(ctx context.Context, r *taskrecord.Record) Result {
	cfg := r.Config
	progress := r.Progress()

	destPath := destinationPath(cfg)
	var resumeFrom int64
	if progress.Sizes != nil && len(progress.Processed) > 0 {
		resumeFrom = progress.Processed[0]
	}

	ctx = httpclient.WithFollowRedirect(ctx, cfg.FollowRedirect)
	req, err := http.NewRequestWithContext(ctx, method(cfg.Method, http.MethodGet), cfg.URL, nil)
	if err != nil {
		return Result{Reason: types.ReasonBuildRequestFailed}
	}
	applyHeaders(req, cfg.Headers)

	var etag, lastMod string
	extras := progress.Extras
	if extras != nil {
		etag = extras["etag"]
		lastMod = extras["last_modified"]
	}

	begins := cfg.Range.Begins + resumeFrom
	if cfg.Range.Begins != 0 || cfg.Range.Ends != -1 || resumeFrom > 0 {
		rangeHeader := fmt.Sprintf("bytes=%d-", begins)
		if cfg.Range.Ends > 0 {
			rangeHeader = fmt.Sprintf("bytes=%d-%d", begins, cfg.Range.Ends)
		}
		req.Header.Set("Range", rangeHeader)
		// If-Range ensures a changed resource restarts from scratch instead
		// of splicing mismatched bytes (spec.md §4.3 resume semantics).
		if etag != "" {
			req.Header.Set("If-Range", etag)
		} else if lastMod != "" {
			req.Header.Set("If-Range", lastMod)
		}
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return Result{Reason: classifyToReason(err)}
	}
	if resp.StatusCode == http.StatusRequestTimeout {
		// spec.md §4.3: a single automatic retry on 408, same attempt;
		// a second 408 fails ProtocolError.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		retryReq, rerr := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
		if rerr != nil {
			return Result{Reason: types.ReasonProtocolError}
		}
		retryReq.Header = req.Header.Clone()
		resp, err = e.client.Do(retryReq)
		if err != nil {
			return Result{Reason: classifyToReason(err)}
		}
		if resp.StatusCode == http.StatusRequestTimeout {
			resp.Body.Close()
			return Result{Reason: types.ReasonProtocolError}
		}
	}
	defer resp.Body.Close()
	connectDur := time.Since(start)

	info := types.DownloadInfo{
		ServerAddr: req.URL.Host,
		Connect:    connectDur,
	}

	flags := os.O_CREATE | os.O_WRONLY
	var openAt int64
	switch {
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		openAt = 0
	case resp.StatusCode == http.StatusPartialContent:
		flags |= os.O_APPEND
		openAt = begins
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return Result{Reason: types.ReasonUnsupportRangeRequest}
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// a 3xx surfacing here means too-many-redirects or redirect
		// disabled; the client follows redirects transparently otherwise.
		return Result{Reason: types.ReasonProtocolError}
	case resp.StatusCode >= 400:
		return Result{Reason: types.ReasonProtocolError}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		flags |= os.O_TRUNC
		openAt = 0
	}

	total := resp.ContentLength
	if total >= 0 && resp.StatusCode == http.StatusPartialContent {
		total += openAt
	}

	f, err := os.OpenFile(destPath, flags, 0o600)
	if err != nil {
		return Result{Reason: types.ReasonIoError}
	}
	defer f.Close()

	info.ResourceSize = total
	newEtag := resp.Header.Get("ETag")
	newLastMod := resp.Header.Get("Last-Modified")
	mimeType := resp.Header.Get("Content-Type")

	written, reason := e.copyWithThrottleAndProgress(ctx, r, f, resp.Body, openAt, total)
	info.Total = time.Since(start)
	if reason != types.ReasonOk {
		return Result{Reason: reason, Info: info}
	}

	r.UpdateProgress(0, []int64{written}, []int64{total}, map[string]string{
		"etag":          newEtag,
		"last_modified": newLastMod,
		"mime_type":     mimeType,
	})

	// Zero-length body is success (Open Question decision, SPEC_FULL.md §9).
	return Result{Reason: types.ReasonOk, Info: info}
}

func (e *Executor) runUpload(ctx context.Context, r *taskrecord.Record) Result {
	cfg := r.Config

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		defer mw.Close()
		for _, item := range cfg.FormItems {
			if err := mw.WriteField(item.Name, item.Value); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		for _, fs := range cfg.FileSpecs {
			part, err := mw.CreateFormFile(fs.Name, fs.FileName)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			f, err := os.Open(fs.Path)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(part, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}()

	ctx = httpclient.WithFollowRedirect(ctx, cfg.FollowRedirect)
	req, err := http.NewRequestWithContext(ctx, method(cfg.Method, http.MethodPost), cfg.URL, pr)
	if err != nil {
		return Result{Reason: types.ReasonBuildRequestFailed}
	}
	applyHeaders(req, cfg.Headers)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{Reason: classifyToReason(err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var total int64
		for _, fs := range cfg.FileSpecs {
			if st, err := os.Stat(fs.Path); err == nil {
				total += st.Size()
			}
		}
		r.UpdateProgress(0, []int64{total}, []int64{total}, nil)
		return Result{Reason: types.ReasonOk}
	}
	if resp.StatusCode >= 500 {
		return Result{Reason: types.ReasonConnectError}
	}
	return Result{Reason: types.ReasonUploadFileError}
}

// copyWithThrottleAndProgress streams body into f, consulting the task's
// rate limiter at each chunk and publishing progress + checking for
// cancellation/low-speed every constants.CancelCheckInterval bytes (spec.md §5).
func (e *Executor) copyWithThrottleAndProgress(ctx context.Context, r *taskrecord.Record, f *os.File, body io.Reader, startAt, total int64) (int64, types.Reason) {
	buf := make([]byte, 256*1024)
	written := startAt
	lastTick := time.Now()
	var sinceTick int64

	limiter := e.throttle(r.ID)

	for {
		select {
		case <-ctx.Done():
			return written, types.ReasonUserOperation
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			if r.IsRateLimited() {
				if werr := limiter.Wait(ctx, float64(n)); werr != nil {
					return written, types.ReasonUserOperation
				}
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, types.ReasonIoError
			}
			written += int64(n)
			sinceTick += int64(n)

			if sinceTick >= constants.CancelCheckInterval {
				now := time.Now()
				elapsed := now.Sub(lastTick).Seconds()
				if elapsed > 0 {
					e.monitor.Record(r.ID, float64(sinceTick)/elapsed)
				}
				sinceTick = 0
				lastTick = now

				r.UpdateProgress(0, []int64{written}, []int64{total}, nil)
				if e.bus != nil {
					e.bus.Publish(events.BusEvent{
						Type:     events.EvProgress,
						TaskId:   r.ID,
						Progress: r.Progress(),
					})
				}

				if e.cfg.LowSpeedBytesPerS > 0 && e.monitor.LowSpeed(r.ID, float64(e.cfg.LowSpeedBytesPerS), e.lowSpeedWindow()) {
					return written, types.ReasonLowSpeed
				}
			}
		}
		if err == io.EOF {
			return written, types.ReasonOk
		}
		if err != nil {
			return written, classifyToReason(err)
		}
	}
}

func (e *Executor) lowSpeedWindow() int {
	if e.cfg.LowSpeedWindow > 0 {
		return e.cfg.LowSpeedWindow
	}
	return constants.MaxThroughputSamples
}

func classifyToReason(err error) types.Reason {
	switch httpclient.Classify(err) {
	case httpclient.ClassTimeout:
		return types.ReasonContinuousTaskTimeout
	case httpclient.ClassUserAborted:
		return types.ReasonUserOperation
	case httpclient.ClassBodyTransfer:
		return types.ReasonIoError
	case httpclient.ClassRedirect:
		return types.ReasonRedirectError
	case httpclient.ClassConnect:
		return types.ReasonConnectError
	case httpclient.ClassRequest:
		return types.ReasonRequestError
	default:
		return types.ReasonOthersError
	}
}

func applyHeaders(req *http.Request, headers []types.HeaderKV) {
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}
}

func method(configured, def string) string {
	if configured == "" {
		return def
	}
	return strings.ToUpper(configured)
}

func destinationPath(cfg types.TaskConfig) string {
	if len(cfg.FileSpecs) > 0 {
		return cfg.FileSpecs[0].Path
	}
	return ""
}

// ErrNoDestination is returned when a download task has no file spec to
// write into — a configuration error the Task Manager should reject at
// construct time rather than let reach the Executor.
var ErrNoDestination = errors.New("download task has no destination file")

func validateDownloadDestination(cfg types.TaskConfig) error {
	if destinationPath(cfg) == "" {
		return ErrNoDestination
	}
	return nil
}

// BuildRangeHeader is exported for the Preload Cache Manager (C7), which
// issues its own single-shot range GETs through the same conventions.
func BuildRangeHeader(begins, ends int64) string {
	if ends > 0 {
		return fmt.Sprintf("bytes=%d-%d", begins, ends)
	}
	return fmt.Sprintf("bytes=%d-", begins)
}

// ParseContentRangeTotal extracts the resource's full size from a
// "Content-Range: bytes X-Y/Z" header, used when a server omits
// Content-Length on 206 responses.
func ParseContentRangeTotal(headerValue string) (int64, bool) {
	idx := strings.LastIndex(headerValue, "/")
	if idx < 0 || idx == len(headerValue)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(headerValue[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
