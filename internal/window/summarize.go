package window

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rahul/stepwise/internal/llm"
)

var (
	errorMarkers      = regexp.MustCompile(`(?i)\b(error|errors|failed|failure|exception|traceback|panic)\b`)
	correctionMarkers = regexp.MustCompile(`(?i)\b(actually|correction|i meant|that's wrong|that is wrong|instead)\b`)
	toolResultPrefix  = regexp.MustCompile(`(?s)^Step (\S+) - Tool (\S+): (.*)$`)
	statusField       = regexp.MustCompile(`"status"\s*:`)
)

// IsImportant reports whether content carries an error, a structured tool
// result, or a correction.
func IsImportant(content string) bool {
	return errorMarkers.MatchString(content) ||
		correctionMarkers.MatchString(content) ||
		IsToolInvocation(content) ||
		statusField.MatchString(content) ||
		looksLikeJSONObject(content)
}

// IsToolInvocation reports whether content is a recorded tool result.
func IsToolInvocation(content string) bool {
	return toolResultPrefix.MatchString(content)
}

func looksLikeJSONObject(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") && json.Valid([]byte(t))
}

// summarize shrinks msg to at most limit tokens. Tool results keep their key
// fields; anything else keeps its head and tail.
func (m *Manager) summarize(msg llm.Message, limit int) (llm.Message, bool) {
	if s, ok := summarizeToolResult(msg.Content); ok {
		out := llm.Message{Role: msg.Role, Content: s}
		if m.CountMessage(out) <= limit {
			return out, true
		}
	}
	return m.truncateToFit(msg, limit)
}

// Keys reported first when present in a tool result.
var keyFields = []string{"status", "error", "message", "result"}

const maxFieldChars = 120

func summarizeToolResult(content string) (string, bool) {
	prefix, body := "", content
	if sm := toolResultPrefix.FindStringSubmatch(content); sm != nil {
		prefix = fmt.Sprintf("Step %s - Tool %s", sm[1], sm[2])
		body = sm[3]
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &obj); err != nil {
		return "", false
	}

	var parts []string
	seen := map[string]bool{}
	for _, k := range keyFields {
		if v, ok := obj[k]; ok {
			parts = append(parts, k+"="+compactValue(v))
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(obj))
	for k, v := range obj {
		if seen[k] {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			rest = append(rest, fmt.Sprintf("%s=<%s>", k, kindOf(v)))
		default:
			rest = append(rest, k+"="+compactValue(v))
		}
	}
	sort.Strings(rest)
	parts = append(parts, rest...)

	label := "[summarized tool result]"
	if prefix != "" {
		label = prefix + " [summarized]:"
	}
	return label + " " + strings.Join(parts, ", "), true
}

func kindOf(v any) string {
	switch x := v.(type) {
	case map[string]any:
		return fmt.Sprintf("object with %d keys", len(x))
	case []any:
		return fmt.Sprintf("%d items", len(x))
	}
	return "value"
}

func compactValue(v any) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			s = fmt.Sprint(x)
		} else {
			s = string(b)
		}
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxFieldChars {
		s = s[:maxFieldChars] + "..."
	}
	return s
}

// truncateToFit keeps the head and tail of msg's token stream with an
// elision marker between them so the message costs at most limit tokens.
func (m *Manager) truncateToFit(msg llm.Message, limit int) (llm.Message, bool) {
	tokens := m.tok.Encode(msg.Content)
	avail := limit - m.cfg.PerMessageOverhead
	if avail <= 0 {
		return llm.Message{}, false
	}

	keep := m.cfg.HeadTokens + m.cfg.TailTokens
	if keep > len(tokens) {
		keep = len(tokens)
	}
	for keep > 0 {
		head := keep
		if m.cfg.TailTokens > 0 {
			head = keep * m.cfg.HeadTokens / (m.cfg.HeadTokens + m.cfg.TailTokens)
		}
		tail := keep - head
		marker := fmt.Sprintf(" ... [%d tokens elided] ... ", len(tokens)-keep)
		content := m.tok.Decode(tokens[:head]) + marker + m.tok.Decode(tokens[len(tokens)-tail:])
		out := llm.Message{Role: msg.Role, Content: content}
		over := m.CountMessage(out) - limit
		if over <= 0 {
			return out, true
		}
		keep -= over
	}
	return llm.Message{}, false
}
