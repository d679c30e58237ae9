package state

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

const tailChunk = 32 << 10

// TailLines returns up to n trailing lines of a log file. The file is read backwards in
// chunks and never more than maxBytes from its end, so a huge log costs the same as a small
// one. A partial first line inside the window is dropped.
func TailLines(path string, n int, maxBytes int64) ([]string, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	if n <= 0 {
		n = 20
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open log")
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat log")
	}

	end := info.Size()
	floor := end - maxBytes
	if floor < 0 {
		floor = 0
	}
	var buf []byte
	pos := end
	for pos > floor && bytes.Count(buf, []byte{'\n'}) <= n {
		size := int64(tailChunk)
		if pos-floor < size {
			size = pos - floor
		}
		pos -= size
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "read log")
		}
		buf = append(chunk, buf...)
	}

	buf = bytes.TrimSuffix(buf, []byte{'\n'})
	if len(buf) == 0 {
		return nil, nil
	}
	lines := bytes.Split(buf, []byte{'\n'})
	if pos > 0 && len(lines) > 1 {
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out, nil
}
