package services

import (
	"context"
	"regexp"
	"strings"
)

// AI personas that can be mentioned in room messages.
const (
	AIKindWayne      = "wayneAI"
	AIKindConsulting = "consultingAI"
)

var mentionPattern = regexp.MustCompile(`@(wayneAI|consultingAI)\b`)

// StreamChunk is one increment of generated output.
type StreamChunk struct {
	Content     string
	IsCodeBlock bool
}

// StreamResult is the final payload delivered when generation finishes.
type StreamResult struct {
	Content          string
	CompletionTokens int
	TotalTokens      int
}

// StreamCallbacks receives the generator's lifecycle notifications. OnChunk
// may be invoked many times between OnStart and exactly one of
// OnComplete/OnError.
type StreamCallbacks struct {
	OnStart    func()
	OnChunk    func(chunk StreamChunk)
	OnComplete func(result StreamResult)
	OnError    func(err error)
}

// Generator produces streamed AI responses. The engine itself is an external
// collaborator; only the callback contract is consumed here.
type Generator interface {
	Generate(ctx context.Context, query, kind string, callbacks StreamCallbacks) error
}

// ExtractAIMentions returns the distinct AI personas mentioned in a message,
// in order of first appearance.
func ExtractAIMentions(content string) []string {
	if content == "" {
		return nil
	}

	var mentions []string
	seen := make(map[string]struct{})
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		kind := match[1]
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		mentions = append(mentions, kind)
	}
	return mentions
}

// StripMention removes every occurrence of the persona's mention tag from the
// message, yielding the query handed to the generator.
func StripMention(content, kind string) string {
	re := regexp.MustCompile(`@` + regexp.QuoteMeta(kind) + `\b`)
	return strings.TrimSpace(re.ReplaceAllString(content, ""))
}
