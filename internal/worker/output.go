package worker

import (
	"strings"

	"github.com/tidwall/gjson"
)

// displayText turns one line of agent output into something worth showing.
// Stream-JSON agents print one event object per line; for those only the
// human-readable text is kept. Everything else passes through trimmed. An
// empty return means the line carries nothing to show.
func displayText(line string) string {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return line
	}

	parsed := gjson.Parse(trimmed)
	switch parsed.Get("type").String() {
	case "assistant":
		var parts []string
		parsed.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	case "result":
		return parsed.Get("result").String()
	case "":
		return line
	default:
		return ""
	}
}
