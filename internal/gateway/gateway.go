package gateway

import (
	"context"
	"log"
	"strings"

	"github.com/rahul/stepwise/internal/agent"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start() error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Platform message size limits, in characters.
const (
	TelegramMessageLimit = 4096
	DiscordMessageLimit  = 2000
)

const thinkingFailed = "I'm having trouble thinking right now..."

const helpText = "Send me a task and I will plan it, run the plan and reply with the result."

// respond produces the reply to one chat message. Commands are answered
// directly; everything else is a task for the brain.
func respond(ctx context.Context, brain agent.Brain, chatID, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return helpText
	}
	switch strings.ToLower(fields[0]) {
	case "/start", "/help":
		return helpText
	}
	text = strings.TrimSpace(text)
	res, err := brain.Think(ctx, chatID, text)
	if err != nil {
		log.Printf("Error thinking for %s: %v", chatID, err)
		return thinkingFailed
	}
	if strings.TrimSpace(res) == "" {
		return thinkingFailed
	}
	return res
}

// SplitMessage breaks text into chunks of at most limit runes, preferring
// line boundaries. A single line longer than limit is cut hard.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		if curLen+len(r) > limit {
			flush()
		}
		for len(r) > limit {
			chunks = append(chunks, string(r[:limit]))
			r = r[limit:]
		}
		cur.WriteString(string(r))
		curLen += len(r)
	}
	flush()
	return chunks
}
