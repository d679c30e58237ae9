// Package probe implements the single-attempt readiness checks and the polling loop that
// repeats them.
package probe

import (
	"bufio"
	"context"
	"io"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/go-go-golems/stackup/pkg/logmatch"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultTimeout  = 60 * time.Second
)

// ErrNotReady is returned by a check that ran fine but did not observe readiness.
var ErrNotReady = errors.New("not ready")

// LogSource opens the combined log stream of a started service from the beginning.
type LogSource func(ctx context.Context) (io.ReadCloser, error)

type Target struct {
	Service string
	Probe   *topology.Probe
	Logs    LogSource
}

// Prober runs one check attempt per call. It keeps compiled regexes and loaded scripts
// so repeated attempts stay cheap.
type Prober struct {
	http *resty.Client

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
	scripts map[string]*logmatch.Script
	opts    logmatch.Options
}

func NewProber() *Prober {
	return &Prober{
		http:    resty.New().SetTimeout(2 * time.Second),
		regexes: map[string]*regexp.Regexp{},
		scripts: map[string]*logmatch.Script{},
		opts:    logmatch.Options{HookTimeout: time.Second},
	}
}

// Check returns nil once the service is ready, ErrNotReady (possibly wrapped) when it is
// not yet, or another error when the probe itself is broken.
func (p *Prober) Check(ctx context.Context, t Target) error {
	pr := t.Probe
	if pr == nil {
		return nil
	}
	switch pr.Kind() {
	case "tcp":
		return CheckTCP(ctx, pr.TCP)
	case "http":
		return p.CheckHTTP(ctx, pr.HTTP)
	case "log":
		re, err := p.regex(pr.Log)
		if err != nil {
			return err
		}
		return scanLogs(ctx, t.Logs, func(line string, _ int64) (bool, error) {
			return re.MatchString(line), nil
		})
	case "script":
		s, err := p.script(pr.Script)
		if err != nil {
			return err
		}
		if !s.CanReady() {
			return errors.Errorf("script %s has no ready hook", pr.Script)
		}
		return scanLogs(ctx, t.Logs, func(line string, n int64) (bool, error) {
			return s.Ready(line, t.Service, n)
		})
	default:
		return errors.Errorf("service %s: unsupported probe %q", t.Service, pr.Kind())
	}
}

func CheckTCP(ctx context.Context, address string) error {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return errors.Wrapf(ErrNotReady, "dial %s: %v", address, err)
	}
	_ = conn.Close()
	return nil
}

// CheckHTTP treats any response below 500 as up: the server is accepting requests.
func (p *Prober) CheckHTTP(ctx context.Context, url string) error {
	resp, err := p.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return errors.Wrapf(ErrNotReady, "GET %s: %v", url, err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 500 {
		return errors.Wrapf(ErrNotReady, "GET %s: status %d", url, code)
	}
	return nil
}

func scanLogs(ctx context.Context, src LogSource, match func(string, int64) (bool, error)) error {
	if src == nil {
		return errors.New("log probe needs a log source")
	}
	rc, err := src(ctx)
	if err != nil {
		return errors.Wrapf(ErrNotReady, "open logs: %v", err)
	}
	defer func() { _ = rc.Close() }()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var n int64
	for sc.Scan() {
		n++
		ok, err := match(sc.Text(), n)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(ErrNotReady, "read logs: %v", err)
	}
	return errors.Wrap(ErrNotReady, "no matching log line yet")
}

func (p *Prober) regex(expr string) (*regexp.Regexp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.regexes[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "compile log probe %q", expr)
	}
	p.regexes[expr] = re
	return re, nil
}

func (p *Prober) script(path string) (*logmatch.Script, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.scripts[path]; ok {
		return s, nil
	}
	s, err := logmatch.Load(path, p.opts)
	if err != nil {
		return nil, errors.Wrapf(err, "load probe script %s", path)
	}
	p.scripts[path] = s
	return s, nil
}

// Poll runs check every interval until it succeeds or ctx ends. The last check error is
// returned together with the context error.
func Poll(ctx context.Context, interval time.Duration, check func(context.Context) error) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		err := check(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return &TimeoutError{Last: err, Err: ctx.Err()}
		case <-t.C:
		}
	}
}

type TimeoutError struct {
	Last error
	Err  error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return e.Err.Error()
	}
	return e.Err.Error() + " (last: " + e.Last.Error() + ")"
}

func (e *TimeoutError) Unwrap() error { return e.Err }
