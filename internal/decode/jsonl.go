// Package decode turns gzip-compressed JSONL object streams into findings.
package decode

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"guardbridge/internal/model"
)

// maxLineBytes caps a single JSONL line. GuardDuty findings are a few KiB;
// anything near this limit is corrupt.
const maxLineBytes = 10 * 1024 * 1024

// errLineTooLong marks a line over maxLineBytes; the remainder of the line
// is already consumed when readLine returns it.
var errLineTooLong = errors.New("line exceeds size cap")

// Stats aggregates per-stream decode counters.
type Stats struct {
	Parsed    int
	Malformed int
	Empty     int
}

// Decode reads a newline-delimited JSON stream and invokes emit once per
// well-formed finding, in stream order. Gzip is detected from the magic
// bytes so uncompressed fixtures and replayed payloads decode too. Malformed
// lines are counted and skipped; an error from emit aborts the stream.
func Decode(r io.Reader, emit func(model.Finding) error) (Stats, error) {
	var stats Stats

	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return stats, fmt.Errorf("read stream head: %w", err)
	}

	var src io.Reader = br
	if len(head) == 2 && head[0] == 0x1f && head[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return stats, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	rd := bufio.NewReaderSize(src, 64*1024)
	for {
		line, err := readLine(rd)
		if errors.Is(err, errLineTooLong) {
			// oversize lines are skipped like any other malformed line
			stats.Malformed++
			continue
		}
		if err != nil && err != io.EOF {
			return stats, fmt.Errorf("read stream: %w", err)
		}
		done := err == io.EOF
		if !done || len(line) > 0 {
			switch {
			case isBlank(line):
				stats.Empty++
			default:
				f, perr := parseLine(line)
				if perr != nil {
					stats.Malformed++
					break
				}
				stats.Parsed++
				if eerr := emit(f); eerr != nil {
					return stats, eerr
				}
			}
		}
		if done {
			return stats, nil
		}
	}
}

// readLine returns the next line without its trailing LF. io.EOF with a
// non-empty line means the stream ended without a final newline. A line over
// maxLineBytes returns errLineTooLong after consuming through the next LF so
// the stream keeps its framing.
func readLine(rd *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := rd.ReadSlice('\n')
		buf = append(buf, chunk...)
		switch err {
		case nil, io.EOF:
			if n := len(buf); n > 0 && buf[n-1] == '\n' {
				buf = buf[:n-1]
			}
			if n := len(buf); n > 0 && buf[n-1] == '\r' {
				buf = buf[:n-1]
			}
			if len(buf) > maxLineBytes {
				return nil, errLineTooLong
			}
			if err == io.EOF && len(buf) == 0 {
				return nil, io.EOF
			}
			return buf, err
		case bufio.ErrBufferFull:
			if len(buf) > maxLineBytes {
				if derr := discardLine(rd); derr != nil && derr != io.EOF {
					return nil, derr
				}
				return nil, errLineTooLong
			}
		default:
			return nil, err
		}
	}
}

// discardLine consumes input through the next LF.
func discardLine(rd *bufio.Reader) error {
	for {
		_, err := rd.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		return err
	}
}

func isBlank(line []byte) bool {
	for _, b := range line {
		if b != ' ' && b != '\t' && b != '\r' {
			return false
		}
	}
	return true
}

// parseLine decodes one finding. A line must be a JSON object carrying a
// non-empty string id to count as parsed.
func parseLine(line []byte) (model.Finding, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(line, &fields); err != nil {
		return model.Finding{}, err
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return model.Finding{}, fmt.Errorf("missing id field")
	}

	f := model.Finding{
		ID:          id,
		AccountID:   str(fields, "accountId"),
		Region:      str(fields, "region"),
		Partition:   str(fields, "partition"),
		Type:        str(fields, "type"),
		CreatedAt:   str(fields, "createdAt"),
		UpdatedAt:   str(fields, "updatedAt"),
		Title:       str(fields, "title"),
		Description: str(fields, "description"),
		Raw:         append([]byte(nil), line...),
		Fields:      fields,
	}
	if sev, ok := fields["severity"].(float64); ok {
		f.Severity = sev
	}
	return f, nil
}

func str(fields map[string]interface{}, key string) string {
	s, _ := fields[key].(string)
	return s
}
