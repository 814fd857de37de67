package matrix

import "strings"

// SplitMessage splits text into chunks of at most maxLen characters for
// platforms with a message length limit. Splits happen on line boundaries,
// and a split inside a fenced code block closes the fence at the end of the
// chunk and reopens it (with its language tag) at the start of the next, so
// every chunk renders as valid markdown on its own.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}

	const fence = "```"
	var (
		chunks    []string
		current   strings.Builder
		openFence string // language line of the open fence, e.g. "```go"
	)

	flush := func() {
		chunk := current.String()
		current.Reset()
		if openFence != "" {
			chunk = strings.TrimRight(chunk, "\n") + "\n" + fence
		}
		chunk = strings.TrimRight(chunk, "\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if openFence != "" {
			current.WriteString(openFence)
			current.WriteByte('\n')
		}
	}

	// Reserve room for a closing fence that flush may need to append.
	budget := maxLen - len(fence) - 1

	for _, line := range strings.Split(text, "\n") {
		// Hard-split pathological single lines that exceed the budget.
		for len(line) > budget {
			if current.Len() > 0 {
				flush()
			}
			current.WriteString(line[:budget])
			flush()
			line = line[budget:]
		}

		if current.Len()+len(line)+1 > budget {
			flush()
		}

		current.WriteString(line)
		current.WriteByte('\n')

		if isFenceLine(line) {
			if openFence == "" {
				openFence = line
			} else {
				openFence = ""
			}
		}
	}

	if chunk := strings.TrimRight(current.String(), "\n"); chunk != "" {
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

// isFenceLine reports whether line opens or closes a fenced code block.
func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "```")
}
