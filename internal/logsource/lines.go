package logsource

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// scanLines calls emit for every non-empty line of r with its 1-based line
// number. A trailing CR is dropped. Scanning stops early when emit returns
// false.
//
// A line longer than maxLineSize is discarded up to its newline and reported
// to tooLong (which may be nil); the lines after it are still read.
func scanLines(r io.Reader, maxLineSize int, emit func(lineNo int, line string) bool, tooLong func(lineNo, size int)) error {
	br := bufio.NewReader(r)

	var (
		buf    []byte
		size   int
		over   bool
		lineNo int
	)
	// finish handles one complete line and reports whether to keep going.
	finish := func(newline bool) bool {
		lineNo++
		n := size
		if newline {
			n--
		}
		line := bytes.TrimSuffix(bytes.TrimSuffix(buf, []byte{'\n'}), []byte{'\r'})
		skip := over || len(line) > maxLineSize
		buf, size, over = buf[:0], 0, false

		if skip {
			if tooLong != nil {
				tooLong(lineNo, n)
			}
			return true
		}
		if len(line) == 0 {
			return true
		}
		return emit(lineNo, string(line))
	}

	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			size += len(chunk)
			if !over && len(buf)+len(chunk) > maxLineSize+2 {
				over = true
				buf = buf[:0]
			}
			if !over {
				buf = append(buf, chunk...)
			}
			if chunk[len(chunk)-1] == '\n' {
				if !finish(true) {
					return nil
				}
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if size > 0 {
				finish(false)
			}
			return nil
		default:
			return err
		}
	}
}
