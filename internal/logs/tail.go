package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const pollInterval = 250 * time.Millisecond

// Options controls a Tail call. A negative Offset reads the last Limit lines;
// otherwise reading resumes at Offset.
type Options struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
	// Match keeps only lines it accepts. Nil keeps every line.
	Match func(line string) bool
}

// Result carries the lines read and the offset to resume from.
type Result struct {
	Lines  []string
	Offset int64
}

// consoleIDLen matches the study id prefix the console format prints.
const consoleIDLen = 8

// ForStudy matches records logged for studyID in the JSON or console format.
// Console records span several lines; indented field lines follow the
// decision made for their header line.
func ForStudy(studyID string) func(string) bool {
	studyID = strings.TrimSpace(studyID)
	if studyID == "" {
		return nil
	}
	short := studyID
	if len(short) > consoleIDLen {
		short = short[:consoleIDLen]
	}
	jsonField := `"study_id":"` + studyID + `"`
	header := " Study " + short
	var inRecord bool
	return func(line string) bool {
		if strings.HasPrefix(line, "    ") {
			return inRecord
		}
		inRecord = strings.Contains(line, jsonField) || strings.Contains(line, header+" ") || strings.HasSuffix(line, header)
		return inRecord
	}
}

// Tail reads path according to opts. A missing file yields no lines.
func Tail(ctx context.Context, path string, opts Options) (Result, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return Result{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}
	opts.Wait = max(opts.Wait, 0)

	var res Result
	if opts.Offset < 0 {
		res, err = lastLines(path, opts.Limit, opts.Match)
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			// Truncated or rotated; start over from the current end.
			offset = info.Size()
		}
		res, err = readFrom(path, offset, opts.Match)
	}
	if err != nil {
		return res, err
	}
	if opts.Follow && opts.Wait > 0 && len(res.Lines) == 0 {
		return waitForLines(ctx, path, res.Offset, opts.Wait, opts.Match)
	}
	return res, nil
}

func lastLines(path string, limit int, match func(string) bool) (Result, error) {
	if limit <= 0 {
		info, err := os.Stat(path)
		if err != nil {
			return Result{}, fmt.Errorf("stat log file: %w", err)
		}
		return Result{Offset: info.Size()}, nil
	}
	ring := make([]string, 0, limit)
	offset, err := scan(path, 0, func(line string) {
		if match != nil && !match(line) {
			return
		}
		if len(ring) == limit {
			ring = append(ring[:0:0], ring[1:]...)
		}
		ring = append(ring, line)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Lines: ring, Offset: offset}, nil
}

func readFrom(path string, offset int64, match func(string) bool) (Result, error) {
	var lines []string
	next, err := scan(path, offset, func(line string) {
		if match == nil || match(line) {
			lines = append(lines, line)
		}
	})
	if err != nil {
		return Result{Offset: offset}, err
	}
	return Result{Lines: lines, Offset: next}, nil
}

// scan feeds complete lines from offset to fn and returns the offset just past
// the last complete line, so a half-written line is read again next time.
func scan(path string, offset int64, fn func(string)) (int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	pos := offset
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return pos, nil
		}
		if err != nil {
			return pos, fmt.Errorf("read log file: %w", err)
		}
		pos += int64(len(line))
		fn(strings.TrimRight(line, "\r\n"))
	}
}

func waitForLines(ctx context.Context, path string, offset int64, wait time.Duration, match func(string) bool) (Result, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		res, err := readFrom(path, offset, match)
		if err != nil || len(res.Lines) > 0 || time.Now().After(deadline) {
			return res, err
		}
		offset = res.Offset
		select {
		case <-ctx.Done():
			return Result{Offset: offset}, ctx.Err()
		case <-ticker.C:
		}
	}
}
