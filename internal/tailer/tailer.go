package tailer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"logwarden/internal/bus"
	"logwarden/internal/config"
	"logwarden/internal/logging"
	"logwarden/internal/metrics"
	"logwarden/internal/model"
)

type Options struct {
	PollInterval     time.Duration
	OpenBackoff      time.Duration
	MissingBackoff   time.Duration
	PublishRetryWait time.Duration
	Notify           bool
}

func OptionsFromConfig(cfg config.TailerConfig) Options {
	return Options{
		PollInterval:     cfg.PollInterval,
		OpenBackoff:      cfg.OpenBackoff,
		MissingBackoff:   cfg.MissingBackoff,
		PublishRetryWait: cfg.PublishRetryWait,
		Notify:           cfg.Notify,
	}
}

// Tailer streams lines appended to watched files onto the raw_logs channel.
type Tailer struct {
	bus     bus.Bus
	opts    Options
	health  *Health
	metrics *metrics.Metrics
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func New(b bus.Bus, opts Options, health *Health, m *metrics.Metrics, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.OpenBackoff <= 0 {
		opts.OpenBackoff = 2 * time.Second
	}
	if opts.MissingBackoff <= 0 {
		opts.MissingBackoff = time.Second
	}
	if opts.PublishRetryWait <= 0 {
		opts.PublishRetryWait = 500 * time.Millisecond
	}
	return &Tailer{bus: b, opts: opts, health: health, metrics: m, logger: logger}
}

// Watch starts a worker for path and returns immediately. The worker stops
// when ctx is cancelled.
func (t *Tailer) Watch(ctx context.Context, path, label string) {
	w := &worker{
		t:       t,
		path:    filepath.Clean(path),
		label:   label,
		seekEnd: true,
		wake:    make(chan struct{}, 1),
		openLog: rate.Sometimes{First: 3, Interval: time.Minute},
		logger:  t.logger.With("path", path, "label", label),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		w.run(ctx)
	}()
}

// Wait blocks until every started worker has returned.
func (t *Tailer) Wait() {
	t.wg.Wait()
}

type worker struct {
	t      *Tailer
	path   string
	label  string
	logger *slog.Logger

	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial string
	// seekEnd is true until the worker has either opened the file once or
	// seen it absent; later opens read from the start. Seeking to the end on
	// every reopen would lose lines written between rotation and reopen.
	seekEnd bool

	wake    chan struct{}
	openLog rate.Sometimes
	failed  int
}

func (w *worker) run(ctx context.Context) {
	defer w.closeFile()
	defer w.report(ctx, healthUpdate{state: StateStopped})
	w.report(ctx, healthUpdate{state: StateStarting})
	if w.t.opts.Notify {
		w.startNotify(ctx)
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if w.file == nil {
			if err := w.open(ctx); err != nil {
				w.logOpenFailure(ctx, err)
				if !w.sleep(ctx, w.t.opts.OpenBackoff) {
					return
				}
				continue
			}
		}
		n, err := w.readLines(ctx)
		if err != nil {
			w.logger.Warn("tail read error", "err", err)
			w.closeFile()
			if !w.sleep(ctx, w.t.opts.OpenBackoff) {
				return
			}
			continue
		}
		if n > 0 {
			continue
		}
		switch w.checkIdentity() {
		case identityRotated:
			w.logger.Info("file rotated, reopening")
			w.drain(ctx)
			w.report(ctx, healthUpdate{rotations: 1})
			continue
		case identityMissing:
			w.logger.Info("file missing, waiting for it to reappear")
			w.drain(ctx)
			w.seekEnd = false
			w.report(ctx, healthUpdate{state: StateMissing})
			if !w.sleep(ctx, w.t.opts.MissingBackoff) {
				return
			}
			continue
		case identityTruncated:
			w.logger.Info("file truncated, reading from start")
			if _, err := w.file.Seek(0, io.SeekStart); err != nil {
				w.closeFile()
				continue
			}
			w.reader.Reset(w.file)
			w.offset = 0
			w.partial = ""
			continue
		}
		if !w.sleep(ctx, w.t.opts.PollInterval) {
			return
		}
	}
}

func (w *worker) open(ctx context.Context) error {
	f, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.seekEnd = false
		}
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	var offset int64
	if w.seekEnd {
		pos, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return err
		}
		offset = pos
	}
	w.file = f
	w.info = info
	w.offset = offset
	w.reader = bufio.NewReader(f)
	w.partial = ""
	w.seekEnd = false
	if w.failed > 0 {
		w.logger.Info("file opened after failures", "attempts", w.failed)
	}
	w.failed = 0
	w.openLog = rate.Sometimes{First: 3, Interval: time.Minute}
	w.report(ctx, healthUpdate{state: StateOpen})
	return nil
}

func (w *worker) closeFile() {
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file = nil
	w.info = nil
	w.reader = nil
}

// logOpenFailure warns for the first attempts and once a minute after that;
// every other attempt goes to debug.
func (w *worker) logOpenFailure(ctx context.Context, err error) {
	w.failed++
	state := StateWaiting
	if errors.Is(err, fs.ErrNotExist) {
		state = StateMissing
	}
	w.report(ctx, healthUpdate{state: state, openFailures: 1})
	logged := false
	w.openLog.Do(func() {
		logged = true
		w.logger.Warn("tail open failed", "attempt", w.failed, "err", err)
	})
	if !logged {
		w.logger.Debug("tail open failed", "attempt", w.failed, "err", err)
	}
}

// readLines publishes every complete line currently available and returns
// how many it read. A trailing fragment is held until its newline arrives.
func (w *worker) readLines(ctx context.Context) (int, error) {
	n := 0
	for {
		chunk, err := w.reader.ReadString('\n')
		w.offset += int64(len(chunk))
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.partial += chunk
				return n, nil
			}
			return n, err
		}
		line := w.partial + chunk
		w.partial = ""
		w.publish(ctx, strings.TrimRight(line, "\r\n"))
		n++
		if ctx.Err() != nil {
			return n, nil
		}
	}
}

// drain reads what is left in the old handle, including an unterminated
// last line, and closes it.
func (w *worker) drain(ctx context.Context) {
	if _, err := w.readLines(ctx); err != nil {
		w.logger.Warn("tail read error", "err", err)
	}
	if w.partial != "" {
		line := w.partial
		w.partial = ""
		w.publish(ctx, strings.TrimRight(line, "\r"))
	}
	w.closeFile()
}

func (w *worker) publish(ctx context.Context, line string) {
	ev := model.LogEvent{
		Source:    w.label,
		Line:      line,
		Timestamp: time.Now().UTC(),
		File:      w.path,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("encode log event", "err", err)
		return
	}
	if err := bus.PublishRetry(ctx, w.t.bus, model.ChannelRawLogs, data, w.t.opts.PublishRetryWait); err != nil {
		w.logger.Warn("publish failed, dropping line", "err", err)
		w.t.metrics.LineDropped(w.label)
		w.report(ctx, healthUpdate{dropped: 1})
		return
	}
	w.t.metrics.LinePublished(w.label)
	w.report(ctx, healthUpdate{published: 1, at: ev.Timestamp})
}

type identity int

const (
	identitySame identity = iota
	identityRotated
	identityMissing
	identityTruncated
)

func (w *worker) checkIdentity() identity {
	info, err := os.Stat(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return identityMissing
		}
		w.logger.Debug("stat failed", "err", err)
		return identitySame
	}
	if !os.SameFile(w.info, info) {
		return identityRotated
	}
	if info.Size() < w.offset {
		return identityTruncated
	}
	return identitySame
}

// sleep waits for d, a filesystem wake-up or cancellation.
func (w *worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// startNotify watches the parent directory so renames and recreation of the
// file are seen. Polling keeps working when the watch cannot be set up.
func (w *worker) startNotify(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Debug("fsnotify unavailable, polling only", "err", err)
		return
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Debug("fsnotify watch failed, polling only", "err", err)
		_ = watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path {
					continue
				}
				select {
				case w.wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Debug("fsnotify error", "err", err)
			}
		}
	}()
}

func (w *worker) report(ctx context.Context, u healthUpdate) {
	u.path = w.path
	u.label = w.label
	w.t.health.report(ctx, u)
}
