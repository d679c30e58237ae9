// Package logmatch runs small JavaScript matchers over service log lines. A script calls
// register() once:
//
//	register({
//	  name: "mysql",
//	  ready(line, ctx) { return line.includes("ready for connections"); },
//	  parse(line, ctx) { return { level: "INFO", message: line }; },
//	});
//
// ready drives the log readiness probe; parse shapes lines for `stackup logs --js`.
package logmatch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoRegister  = errors.New("logmatch: script did not call register()")
	ErrHookTimeout = errors.New("logmatch: hook timeout")
)

type Options struct {
	// HookTimeout bounds every call into the script. Zero disables the bound.
	HookTimeout time.Duration
}

type Stats struct {
	Lines    int64 `json:"lines"`
	Matched  int64 `json:"matched"`
	Dropped  int64 `json:"dropped"`
	Errors   int64 `json:"errors"`
	Timeouts int64 `json:"timeouts"`
}

type Event struct {
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Source    string         `json:"source"`
	Line      int64          `json:"line"`
}

// Script is a loaded matcher. A goja runtime is single threaded, so calls are serialized.
type Script struct {
	mu   sync.Mutex
	vm   *goja.Runtime
	opts Options
	path string
	name string

	readyFn goja.Callable
	parseFn goja.Callable
	state   *goja.Object
	stats   Stats
}

func Load(path string, opts Options) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read script")
	}
	return Compile(path, string(b), opts)
}

func Compile(name, src string, opts Options) (*Script, error) {
	s := &Script{vm: goja.New(), opts: opts, path: name}
	s.state = s.vm.NewObject()
	installConsole(s.vm, name)

	var config *goja.Object
	if err := s.vm.Set("register", func(v goja.Value) error {
		if config != nil {
			return errors.New("register() called more than once")
		}
		if isNullish(v) {
			return errors.New("register(config) requires a config object")
		}
		config = v.ToObject(s.vm)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "set register")
	}
	if _, err := s.vm.RunString(preludeJS); err != nil {
		return nil, errors.Wrap(err, "load prelude")
	}
	if err := s.installTimestampHelper(); err != nil {
		return nil, err
	}

	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, errors.Wrap(err, "compile script")
	}
	if _, err := s.vm.RunProgram(prog); err != nil {
		return nil, errors.Wrap(err, "run script")
	}
	if config == nil {
		return nil, ErrNoRegister
	}

	if v := config.Get("name"); !isNullish(v) {
		s.name = strings.TrimSpace(v.String())
	}
	if s.name == "" {
		return nil, errors.New("register({ name }) is required")
	}
	s.readyFn, _ = goja.AssertFunction(config.Get("ready"))
	s.parseFn, _ = goja.AssertFunction(config.Get("parse"))
	if s.readyFn == nil && s.parseFn == nil {
		return nil, errors.Errorf("script %s registers neither ready nor parse", s.name)
	}
	if initFn, ok := goja.AssertFunction(config.Get("init")); ok {
		if _, err := s.call(initFn, s.context("init", "", 0)); err != nil {
			return nil, errors.Wrap(err, "init hook")
		}
	}
	return s, nil
}

func (s *Script) Name() string { return s.name }
func (s *Script) Path() string { return s.path }

func (s *Script) CanReady() bool { return s.readyFn != nil }

func (s *Script) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Ready reports whether line signals readiness.
func (s *Script) Ready(line, source string, n int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readyFn == nil {
		return false, errors.Errorf("script %s has no ready hook", s.name)
	}
	s.stats.Lines++
	v, err := s.call(s.readyFn, s.vm.ToValue(trimEOL(line)), s.context("ready", source, n))
	if err != nil {
		s.stats.Errors++
		return false, err
	}
	ok := v.ToBoolean()
	if ok {
		s.stats.Matched++
	}
	return ok, nil
}

// Parse turns a line into an event. A nil event means the script dropped the line.
// Without a parse hook every line passes through unchanged.
func (s *Script) Parse(line, source string, n int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := trimEOL(line)
	s.stats.Lines++
	ev := &Event{Level: "INFO", Message: raw, Source: source, Line: n}
	if s.parseFn == nil {
		s.stats.Matched++
		return ev, nil
	}
	v, err := s.call(s.parseFn, s.vm.ToValue(raw), s.context("parse", source, n))
	if err != nil {
		s.stats.Errors++
		return nil, err
	}
	if b, isBool := v.Export().(bool); isNullish(v) || (isBool && !b) {
		s.stats.Dropped++
		return nil, nil
	}
	if b, isBool := v.Export().(bool); isBool && b {
		s.stats.Matched++
		return ev, nil
	}
	if str, ok := v.Export().(string); ok {
		ev.Message = str
		s.stats.Matched++
		return ev, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		s.stats.Errors++
		return nil, errors.Errorf("parse must return an object, string or null, got %T", v.Export())
	}
	s.fill(ev, obj)
	s.stats.Matched++
	return ev, nil
}

func (s *Script) fill(ev *Event, obj *goja.Object) {
	for _, k := range obj.Keys() {
		v := obj.Get(k)
		if isNullish(v) {
			continue
		}
		switch k {
		case "level":
			ev.Level = v.String()
		case "message":
			ev.Message = v.String()
		case "timestamp":
			if t, ok := exportTime(v); ok {
				ev.Timestamp = &t
			}
		case "fields":
			if m, ok := v.Export().(map[string]any); ok {
				if ev.Fields == nil {
					ev.Fields = map[string]any{}
				}
				for fk, fv := range m {
					ev.Fields[fk] = fv
				}
			}
		default:
			if ev.Fields == nil {
				ev.Fields = map[string]any{}
			}
			if _, exists := ev.Fields[k]; !exists {
				ev.Fields[k] = v.Export()
			}
		}
	}
}

func (s *Script) context(hook, source string, n int64) *goja.Object {
	obj := s.vm.NewObject()
	_ = obj.Set("hook", hook)
	_ = obj.Set("source", source)
	_ = obj.Set("lineNumber", n)
	_ = obj.Set("state", s.state)
	return obj
}

func (s *Script) call(fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	if s.opts.HookTimeout > 0 {
		timer := time.AfterFunc(s.opts.HookTimeout, func() {
			s.vm.Interrupt(ErrHookTimeout)
		})
		defer s.vm.ClearInterrupt()
		defer timer.Stop()
	}
	v, err := fn(goja.Undefined(), args...)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			s.stats.Timeouts++
			return nil, ErrHookTimeout
		}
		return nil, err
	}
	return v, nil
}

// installTimestampHelper adds log.parseTimestamp(value, layouts?) which returns a Date or
// null. Layouts are Go reference layouts; without them dateparse guesses the format.
func (s *Script) installTimestampHelper() error {
	logObj := s.vm.Get("log").ToObject(s.vm)
	return errors.Wrap(logObj.Set("parseTimestamp", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 || isNullish(call.Arguments[0]) {
			return goja.Null()
		}
		arg := call.Arguments[0]
		var layouts []string
		if len(call.Arguments) > 1 {
			if list, ok := call.Arguments[1].Export().([]any); ok {
				for _, l := range list {
					if ls, ok := l.(string); ok {
						layouts = append(layouts, ls)
					}
				}
			}
		}
		t, ok := parseTime(arg.Export(), layouts)
		if !ok {
			return goja.Null()
		}
		d, err := s.vm.New(s.vm.Get("Date"), s.vm.ToValue(t.UnixMilli()))
		if err != nil {
			return goja.Null()
		}
		return d
	}), "set log.parseTimestamp")
}

func parseTime(v any, layouts []string) (time.Time, bool) {
	numeric := func(i int64) time.Time {
		// values below 10^12 are seconds, above are milliseconds
		if i > 0 && i < 1_000_000_000_000 {
			return time.Unix(i, 0).UTC()
		}
		return time.UnixMilli(i).UTC()
	}
	switch vv := v.(type) {
	case time.Time:
		return vv.UTC(), true
	case int64:
		return numeric(vv), true
	case float64:
		return numeric(int64(vv)), true
	case string:
		str := strings.TrimSpace(vv)
		if str == "" {
			return time.Time{}, false
		}
		for _, l := range layouts {
			if t, err := time.Parse(l, str); err == nil {
				return t.UTC(), true
			}
		}
		if i, err := strconv.ParseInt(str, 10, 64); err == nil {
			return numeric(i), true
		}
		t, err := dateparse.ParseAny(str)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

func exportTime(v goja.Value) (time.Time, bool) {
	if t, ok := v.Export().(time.Time); ok {
		return t.UTC(), true
	}
	return parseTime(v.Export(), nil)
}

func installConsole(vm *goja.Runtime, script string) {
	obj := vm.NewObject()
	emit := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, fmt.Sprint(a.Export()))
			}
			msg := strings.Join(parts, " ")
			switch level {
			case "warn":
				log.Warn().Str("script", script).Msg(msg)
			case "error":
				log.Error().Str("script", script).Msg(msg)
			default:
				log.Info().Str("script", script).Msg(msg)
			}
			return goja.Undefined()
		}
	}
	_ = obj.Set("log", emit("info"))
	_ = obj.Set("warn", emit("warn"))
	_ = obj.Set("error", emit("error"))
	_ = vm.Set("console", obj)
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func trimEOL(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
