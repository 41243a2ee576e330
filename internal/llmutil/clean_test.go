package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanResponse(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain text passes through",
			input: "The attacker escalated after reading the backup file.",
			want:  "The attacker escalated after reading the backup file.",
		},
		{
			name:  "whitespace trimmed",
			input: "\n  Summary text.  \n",
			want:  "Summary text.",
		},
		{
			name:  "markdown fence unwrapped",
			input: "```\nSummary text.\n```",
			want:  "Summary text.",
		},
		{
			name:  "fence with language tag unwrapped",
			input: "```text\nSummary text.\n```",
			want:  "Summary text.",
		},
		{
			name:  "surrounding quotes dropped",
			input: `"Summary text."`,
			want:  "Summary text.",
		},
		{
			name:  "interior quotes survive",
			input: `The attacker ran "uname -a" twice.`,
			want:  `The attacker ran "uname -a" twice.`,
		},
		{
			name:  "mismatched quotes survive",
			input: `"Summary text.'`,
			want:  `"Summary text.'`,
		},
		{
			name:  "empty input",
			input: "   ",
			want:  "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanResponse(tc.input))
		})
	}
}
