package calllog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"
)

// FileReader reads a JSON-lines call log exported by the host, one Entry per
// line. Malformed and oversized lines are skipped.
type FileReader struct {
	path string
	log  *slog.Logger
}

func NewFileReader(path string, log *slog.Logger) *FileReader {
	if log == nil {
		log = slog.Default()
	}
	return &FileReader{path: path, log: log}
}

func (r *FileReader) Path() string { return r.path }

func (r *FileReader) ReadEntries(ctx context.Context, since, until time.Time) ([]Entry, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open call log: %w", err)
	}
	defer f.Close()

	var out []Entry
	rd := bufio.NewReader(f)
	line := 0
	for {
		raw, tooLong, err := readLine(rd)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read call log: %w", err)
		}
		line++
		if line%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if tooLong {
			r.log.Debug("call log line skipped", "line", line, "err", "line too long")
			continue
		}
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			r.log.Debug("call log line skipped", "line", line, "err", err)
			continue
		}
		if e.Timestamp.Before(since) || e.Timestamp.After(until) {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// maxLineBytes bounds one call log line. Longer lines are consumed and
// reported as too long.
const maxLineBytes = 1 << 20

func readLine(rd *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		part, isPrefix, err := rd.ReadLine()
		if err != nil {
			return nil, false, err
		}
		if !tooLong {
			if len(line)+len(part) > maxLineBytes {
				tooLong, line = true, nil
			} else {
				line = append(line, part...)
			}
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}
