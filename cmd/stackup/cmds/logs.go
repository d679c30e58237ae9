package cmds

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-go-golems/stackup/pkg/logmatch"
	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type logLine struct {
	text   string
	source string
}

func newLogsCmd() *cobra.Command {
	var scriptPath string
	var follow bool
	var format string
	var jsTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "logs SERVICE",
		Short: "Print the output of a running service, optionally shaped by a JS matcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "ndjson" && format != "pretty" {
				return errors.New("--format must be ndjson or pretty")
			}
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			p, err := loadProject(opts, nil, overlay.Patch{})
			if err != nil {
				return err
			}
			if !state.Exists(p.Dir) {
				return errors.Errorf("no stack is up in %s", p.Dir)
			}
			st, err := state.Load(p.Dir)
			if err != nil {
				return err
			}
			rec, ok := st.Service(args[0])
			if !ok {
				return errors.Errorf("service %q is not in the running stack", args[0])
			}

			var script *logmatch.Script
			if scriptPath != "" {
				script, err = logmatch.Load(scriptPath, logmatch.Options{HookTimeout: jsTimeout})
				if err != nil {
					return err
				}
			}

			backends, err := openBackends(p, rec.Backend == topology.BackendDocker, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer backends.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			readers, err := openLogs(ctx, backends, *rec, follow)
			if err != nil {
				return err
			}
			defer func() {
				for _, r := range readers {
					_ = r.rc.Close()
				}
			}()

			return printLogs(ctx, cmd, readers, script, format)
		},
	}

	cmd.Flags().StringVar(&scriptPath, "js", "", "JS matcher whose parse hook turns lines into events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new output")
	cmd.Flags().StringVar(&format, "format", "ndjson", "Event output format with --js: ndjson|pretty")
	cmd.Flags().DurationVar(&jsTimeout, "js-timeout", 0, "Per-hook JS timeout (e.g. 50ms)")
	return cmd
}

type namedReader struct {
	source string
	rc     io.ReadCloser
}

// openLogs returns one reader per output stream. Process logs are followed by watching the
// log files; containers stream through the engine.
func openLogs(ctx context.Context, backends *backendSet, rec state.ServiceRecord, follow bool) ([]namedReader, error) {
	if rec.Backend == topology.BackendProcess && follow {
		var out []namedReader
		for _, src := range []struct{ name, path string }{{"stdout", rec.StdoutLog}, {"stderr", rec.StderrLog}} {
			if src.path == "" {
				continue
			}
			tr, err := newTailReader(ctx, src.path)
			if err != nil {
				for _, r := range out {
					_ = r.rc.Close()
				}
				return nil, errors.Wrapf(err, "follow %s log", src.name)
			}
			out = append(out, namedReader{source: src.name, rc: tr})
		}
		return out, nil
	}
	if rec.Backend == topology.BackendDocker && follow {
		rc, err := backends.Docker.Follow(ctx, orchestrate.HandleOf(rec))
		if err != nil {
			return nil, err
		}
		return []namedReader{{source: rec.Name, rc: rc}}, nil
	}

	orch := orchestrate.New(orchestrate.Options{Backends: backends.Backends})
	running := orchestrate.FromState(&state.State{Services: []state.ServiceRecord{rec}})
	rc, err := orch.Logs(ctx, running[rec.Name])
	if err != nil {
		return nil, err
	}
	return []namedReader{{source: rec.Name, rc: rc}}, nil
}

func printLogs(ctx context.Context, cmd *cobra.Command, readers []namedReader, script *logmatch.Script, format string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan logLine, 64)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range readers {
		r := r
		g.Go(func() error {
			br := bufio.NewReader(r.rc)
			for {
				line, err := br.ReadString('\n')
				if line != "" {
					select {
					case lines <- logLine{text: line, source: r.source}:
					case <-gctx.Done():
						return nil
					}
				}
				if err != nil {
					if errors.Is(err, io.EOF) || ctx.Err() != nil {
						return nil
					}
					return errors.Wrapf(err, "read %s", r.source)
				}
			}
		})
	}
	go func() {
		_ = g.Wait()
		close(lines)
	}()

	bw := bufio.NewWriter(cmd.OutOrStdout())
	defer func() { _ = bw.Flush() }()
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	var n int64
	for l := range lines {
		n++
		if script == nil {
			if _, err := bw.WriteString(l.text); err != nil {
				return err
			}
			if len(lines) == 0 {
				_ = bw.Flush()
			}
			continue
		}
		ev, err := script.Parse(l.text, l.source, n)
		if err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "logs: line %d: %v\n", n, err)
		}
		if ev == nil {
			continue
		}
		switch format {
		case "pretty":
			b, err := json.MarshalIndent(ev, "", "  ")
			if err != nil {
				return err
			}
			if _, err := bw.Write(append(b, '\n')); err != nil {
				return err
			}
		default:
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		if len(lines) == 0 {
			_ = bw.Flush()
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if script != nil {
		stats := script.Stats()
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "logs: %d lines, %d matched, %d dropped, %d errors\n",
			stats.Lines, stats.Matched, stats.Dropped, stats.Errors)
	}
	return nil
}

// tailReader reads a growing file. At EOF it waits for the next write event until ctx ends.
type tailReader struct {
	ctx     context.Context
	f       *os.File
	watcher *fsnotify.Watcher
}

func newTailReader(ctx context.Context, path string) (*tailReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "create watcher")
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		_ = f.Close()
		return nil, errors.Wrapf(err, "watch %s", path)
	}
	return &tailReader{ctx: ctx, f: f, watcher: watcher}, nil
}

func (t *tailReader) Read(p []byte) (int, error) {
	for {
		n, err := t.f.Read(p)
		if n > 0 || (err != nil && !errors.Is(err, io.EOF)) {
			return n, err
		}
		select {
		case <-t.ctx.Done():
			return 0, io.EOF
		case _, ok := <-t.watcher.Events:
			if !ok {
				return 0, io.EOF
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return 0, io.EOF
			}
			return 0, errors.Wrap(err, "watch log")
		}
	}
}

func (t *tailReader) Close() error {
	_ = t.watcher.Close()
	return t.f.Close()
}
