package logsource

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestScanLines(t *testing.T) {
	t.Parallel()

	type got struct {
		no   int
		line string
	}
	tests := []struct {
		name  string
		input string
		want  []got
	}{
		{name: "numbers count skipped blanks", input: "a\n\nb\n", want: []got{{1, "a"}, {3, "b"}}},
		{name: "crlf", input: "x\r\ny\r\n", want: []got{{1, "x"}, {2, "y"}}},
		{name: "no trailing newline", input: "only", want: []got{{1, "only"}}},
		{name: "empty", input: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out []got
			err := scanLines(strings.NewReader(tt.input), 1024, func(no int, line string) bool {
				out = append(out, got{no, line})
				return true
			}, nil)
			if err != nil {
				t.Fatalf("scanLines: %v", err)
			}
			if len(out) != len(tt.want) {
				t.Fatalf("got %v, want %v", out, tt.want)
			}
			for i := range out {
				if out[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", out, tt.want)
				}
			}
		})
	}
}

func TestScanLines_StopsWhenEmitDeclines(t *testing.T) {
	t.Parallel()

	calls := 0
	err := scanLines(strings.NewReader("a\nb\nc\n"), 1024, func(int, string) bool {
		calls++
		return false
	}, nil)
	if err != nil || calls != 1 {
		t.Fatalf("calls=%d err=%v, want 1 call and no error", calls, err)
	}
}

func TestScanLines_SkipsOversizedLineAndContinues(t *testing.T) {
	t.Parallel()

	input := "1,ok\n" + strings.Repeat("z", 64) + "\n2,ok\r\n3,ok"
	var lines []string
	var nos []int
	type skipped struct{ no, size int }
	var long []skipped
	err := scanLines(strings.NewReader(input), 32, func(no int, line string) bool {
		lines = append(lines, line)
		nos = append(nos, no)
		return true
	}, func(no, size int) {
		long = append(long, skipped{no, size})
	})
	if err != nil {
		t.Fatalf("scanLines: %v", err)
	}
	if strings.Join(lines, "|") != "1,ok|2,ok|3,ok" {
		t.Fatalf("lines = %q", lines)
	}
	if len(nos) != 3 || nos[0] != 1 || nos[1] != 3 || nos[2] != 4 {
		t.Fatalf("line numbers = %v, want [1 3 4]", nos)
	}
	if len(long) != 1 || long[0] != (skipped{2, 64}) {
		t.Fatalf("oversized = %+v, want line 2 of 64 bytes", long)
	}
}

func TestScanLines_LongerThanReaderBuffer(t *testing.T) {
	t.Parallel()

	// Lines spanning several bufio chunks are reassembled when under the limit.
	big := strings.Repeat("a", 10_000)
	var lines []string
	err := scanLines(strings.NewReader(big+"\n"+strings.Repeat("b", 20_000)+"\nend\n"), 12_000,
		func(_ int, line string) bool {
			lines = append(lines, line)
			return true
		}, nil)
	if err != nil {
		t.Fatalf("scanLines: %v", err)
	}
	if len(lines) != 2 || lines[0] != big || lines[1] != "end" {
		t.Fatalf("got %d lines, want the 10000-byte line and end", len(lines))
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestScanLines_ReturnsReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk gone")
	err := scanLines(io.MultiReader(strings.NewReader("a\n"), failingReader{boom}), 1024,
		func(int, string) bool { return true }, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
