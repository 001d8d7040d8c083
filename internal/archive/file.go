package archive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
)

const (
	fileName     = "events.jsonl"
	bytesPerMiB  = 1 << 20
	maxLineBytes = 4 * bytesPerMiB
)

// File is a JSON-lines archive that rotates to a timestamped file once
// the active file reaches its size limit
type File struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	dir string
}

// NewFile creates a file archive in dir rotating at roughly maxBytes
func NewFile(dir string, maxBytes int64) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	maxMiB := int(maxBytes / bytesPerMiB)
	if maxMiB < 1 {
		maxMiB = 1
	}

	return &File{
		dir: dir,
		out: &lumberjack.Logger{
			Filename: filepath.Join(dir, fileName),
			MaxSize:  maxMiB,
		},
	}, nil
}

// Dir returns the archive directory
func (f *File) Dir() string {
	return f.dir
}

// Append writes one JSON line per event. A batch is written with a
// single write so it never straddles a rotation.
func (f *File) Append(ctx context.Context, events []*domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf []byte
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.EventID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.out.Write(buf); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

// Rotate closes the active file and starts a new one
func (f *File) Rotate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Rotate()
}

// Close closes the active file
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}

// Replay reads archived events from path, a single file or a directory of
// archive files, and passes each to fn in write order. Rotated files are
// read before the active one.
func Replay(ctx context.Context, path string, fn func(*domain.Event) error) error {
	files, err := archiveFiles(path)
	if err != nil {
		return err
	}

	for _, name := range files {
		if err := replayFile(ctx, name, fn); err != nil {
			return err
		}
	}
	return nil
}

func archiveFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}

	var rotated []string
	active := ""
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir() || !strings.HasSuffix(name, ".jsonl"):
		case name == fileName:
			active = filepath.Join(path, name)
		default:
			rotated = append(rotated, filepath.Join(path, name))
		}
	}

	// rotated names carry a sortable UTC timestamp
	sort.Strings(rotated)
	if active != "" {
		rotated = append(rotated, active)
	}
	return rotated, nil
}

func replayFile(ctx context.Context, name string, fn func(*domain.Event) error) error {
	file, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev domain.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("%s:%d: failed to decode event: %w", filepath.Base(name), line, err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}
