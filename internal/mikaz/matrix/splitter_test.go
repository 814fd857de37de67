package matrix

import (
	"strings"
	"testing"
)

func TestSplitMessageShortTextPassesThrough(t *testing.T) {
	got := SplitMessage("hello world", 100)
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("got %v, want single unchanged chunk", got)
	}
}

func TestSplitMessageRespectsMaxLen(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("this is line number something\n")
	}
	chunks := SplitMessage(b.String(), 200)

	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 200 {
			t.Fatalf("chunk %d length %d exceeds limit", i, len(c))
		}
	}
	// No content lost.
	joined := strings.Join(chunks, "\n")
	if strings.Count(joined, "this is line number something") != 100 {
		t.Fatal("lines lost during split")
	}
}

func TestSplitMessageSplitsOnLineBoundaries(t *testing.T) {
	text := strings.Repeat("alpha beta gamma\n", 20)
	for _, c := range SplitMessage(text, 100) {
		for _, line := range strings.Split(c, "\n") {
			if line != "" && line != "alpha beta gamma" {
				t.Fatalf("line broken mid-way: %q", line)
			}
		}
	}
}

func TestSplitMessagePreservesCodeFences(t *testing.T) {
	var b strings.Builder
	b.WriteString("Here is the solution:\n")
	b.WriteString("```go\n")
	for i := 0; i < 40; i++ {
		b.WriteString("fmt.Println(\"line of code\")\n")
	}
	b.WriteString("```\n")

	chunks := SplitMessage(b.String(), 300)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want a split inside the code block", len(chunks))
	}
	for i, c := range chunks {
		if strings.Count(c, "```")%2 != 0 {
			t.Fatalf("chunk %d has an unbalanced fence:\n%s", i, c)
		}
	}
	// Continuation chunks reopen with the language tag.
	if !strings.HasPrefix(chunks[1], "```go") {
		t.Fatalf("chunk 1 does not reopen the fence: %q", chunks[1][:20])
	}
}

func TestSplitMessageHardSplitsLongLine(t *testing.T) {
	long := strings.Repeat("x", 1000)
	chunks := SplitMessage(long, 300)
	if len(chunks) < 4 {
		t.Fatalf("chunks = %d, want at least 4", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if len(c) > 300 {
			t.Fatalf("chunk %d length %d exceeds limit", i, len(c))
		}
		total += len(c)
	}
	if total != 1000 {
		t.Fatalf("total characters = %d, want 1000", total)
	}
}
