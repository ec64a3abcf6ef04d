// Package command extracts a bot command from a PR comment body
// (spec.md §4.1 Command Parser).
package command

import "strings"

// Command is a recognized bot command.
type Command int

const (
	// MergeCommand requests a normal merge, subject to the full CI policy.
	MergeCommand Command = iota
	// MergeForceCommand requests a merge that only waits on Required checks.
	MergeForceCommand
	// MergeCancelCommand cancels any pending merge for the PR.
	MergeCancelCommand
	// RebaseCommand requests a rebase of the PR onto its base branch.
	RebaseCommand
)

func (c Command) String() string {
	switch c {
	case MergeCommand:
		return "bot merge"
	case MergeForceCommand:
		return "bot merge force"
	case MergeCancelCommand:
		return "bot merge cancel"
	case RebaseCommand:
		return "bot rebase"
	default:
		return "unknown"
	}
}

var recognized = map[string]Command{
	"bot merge":        MergeCommand,
	"bot merge force":  MergeForceCommand,
	"bot merge cancel": MergeCancelCommand,
	"bot rebase":       RebaseCommand,
}

// Parse extracts a Command from a comment body. The entire trimmed body
// must match exactly one recognized command string, case-sensitively;
// anything else — including a recognized command with extra prose — yields
// ok=false. This strict policy prevents accidental triggering.
func Parse(commentBody string) (cmd Command, ok bool) {
	trimmed := strings.TrimSpace(commentBody)
	cmd, ok = recognized[trimmed]
	return cmd, ok
}
