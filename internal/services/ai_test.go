package services

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractAIMentions(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    []string
	}{
		{name: "no mention", content: "hello world", want: nil},
		{name: "single", content: "hey @wayneAI what is a channel?", want: []string{"wayneAI"}},
		{name: "both personas", content: "@consultingAI and @wayneAI weigh in", want: []string{"consultingAI", "wayneAI"}},
		{name: "deduplicated", content: "@wayneAI @wayneAI @wayneAI", want: []string{"wayneAI"}},
		{name: "word boundary", content: "@wayneAIextra is not a mention", want: nil},
		{name: "unknown persona", content: "@someoneElse hello", want: nil},
		{name: "empty", content: "", want: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ExtractAIMentions(tc.content))
		})
	}
}

func TestStripMention(t *testing.T) {
	require.Equal(t, "what is a channel?", StripMention("@wayneAI what is a channel?", AIKindWayne))
	require.Equal(t, "before  after", StripMention("before @consultingAI after", AIKindConsulting))
	require.Equal(t, "", StripMention("@wayneAI", AIKindWayne))
	// Only the requested persona's tag is removed.
	require.Equal(t, "@consultingAI hello", StripMention("@wayneAI @consultingAI hello", AIKindWayne))
}
