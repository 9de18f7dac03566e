// SPDX-License-Identifier: MIT

// Package transcript parses the scene transcript files produced by the
// transcription web service.
//
// A transcript consists of a small key/value header, a VOLLTEXT section with
// the full recognised text and a ZEITGESTEMPELTE SEGMENTE section with one
// timestamped line per segment.
package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrNotFound is returned when the transcript file does not exist.
var ErrNotFound = errors.New("transcript file not found")

// Suffix is the filename suffix identifying transcript files.
const Suffix = "_transkript.txt"

// Segment is one timestamped transcript line.
type Segment struct {
	Start string `json:"start"`
	End   string `json:"ende"`
	Text  string `json:"text"`
}

// Transcript is the parsed form of a transcript file.
type Transcript struct {
	FileName  string
	SceneName string
	Metadata  map[string]string
	Volltext  string
	Segments  []Segment
}

var segmentRe = regexp.MustCompile(`^\[(\d{2}:\d{2}\.\d{2}) - (\d{2}:\d{2}\.\d{2})\] (.+)$`)

// headerKeys maps the German header labels to metadata keys.
var headerKeys = map[string]string{
	"Transkript für": "audio_file",
	"Datum":          "datum",
	"Sprache":        "sprache",
	"Konfidenz":      "konfidenz",
	"Dauer":          "dauer",
}

// Parse reads and parses the transcript at path. Parsing is total: unknown
// header lines are ignored and malformed segment lines are skipped.
func Parse(path string) (*Transcript, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read transcript %s: %w", path, err)
	}

	t := &Transcript{
		FileName:  filepath.Base(path),
		SceneName: SceneName(path),
		Metadata:  make(map[string]string),
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	// Header metadata lives in the first few lines.
	for i, line := range lines {
		if i >= 10 {
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if mapped, known := headerKeys[key]; known {
			t.Metadata[mapped] = strings.TrimSpace(value)
		}
	}

	inVolltext := false
	inSegments := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "VOLLTEXT:":
			inVolltext = true
			continue
		case trimmed == "ZEITGESTEMPELTE SEGMENTE:":
			inVolltext = false
			inSegments = true
			continue
		case strings.HasPrefix(line, "====="):
			continue
		}

		if inVolltext && trimmed != "" {
			t.Volltext = trimmed
		}
		if inSegments && trimmed != "" {
			if m := segmentRe.FindStringSubmatch(line); m != nil {
				t.Segments = append(t.Segments, Segment{
					Start: m[1],
					End:   m[2],
					Text:  strings.TrimSpace(m[3]),
				})
			}
		}
	}

	return t, nil
}

// SceneName derives the scene id from a transcript path by stripping the
// transcript suffix.
func SceneName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), Suffix)
}

// SegmentsText renders the segments back in the on-disk line format,
// timestamps included.
func (t *Transcript) SegmentsText() string {
	return FormatSegments(t.Segments)
}

// PlainText returns the segment texts without timestamps, space-joined.
func (t *Transcript) PlainText() string {
	parts := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

// FormatSegments renders segments as `[start - end] text` lines.
func FormatSegments(segments []Segment) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = fmt.Sprintf("[%s - %s] %s", s.Start, s.End, s.Text)
	}
	return strings.Join(parts, "\n")
}

// Count returns how many transcript files are currently in dir. A missing
// directory counts as empty.
func Count(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read transcript directory %s: %w", dir, err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), Suffix) {
			n++
		}
	}
	return n, nil
}

// Latest returns the transcript file with the newest mtime in dir, or ""
// when none exists.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read transcript directory %s: %w", dir, err)
	}

	type candidate struct {
		path  string
		mtime int64
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Suffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{
			path:  filepath.Join(dir, e.Name()),
			mtime: info.ModTime().UnixNano(),
		})
	}
	if len(found) == 0 {
		return "", nil
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mtime > found[j].mtime })
	return found[0].path, nil
}
