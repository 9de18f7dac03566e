// SPDX-License-Identifier: MIT

package log

import (
	"io"

	"github.com/rs/zerolog"
)

// ErrorTee returns a writer that sends every event to main and duplicates
// warn level and above to errSink. Useful for keeping a compact error log
// next to the full one.
func ErrorTee(main, errSink io.Writer) io.Writer {
	return zerolog.MultiLevelWriter(main, &levelFilter{w: errSink, min: zerolog.WarnLevel})
}

// levelFilter drops events below min. Writes without level information are
// dropped too, they already reach the main writer.
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f *levelFilter) Write(p []byte) (int, error) {
	return len(p), nil
}

func (f *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}
