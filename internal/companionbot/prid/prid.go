// Package prid defines the pull-request identity types shared across the
// companion merge orchestrator's components (spec.md §3 Data Model).
package prid

import "fmt"

// Identity uniquely identifies a pull request: (host_owner, repo, number).
type Identity struct {
	Owner  string
	Repo   string
	Number int
}

// String renders the identity as "owner/repo#number", used in user-facing text.
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s#%d", id.Owner, id.Repo, id.Number)
}

// Key returns the canonical store key "owner/repo/number" (spec.md §6
// Persistent state layout).
func (id Identity) Key() string {
	return fmt.Sprintf("%s/%s/%d", id.Owner, id.Repo, id.Number)
}

// Head describes the PR's current head/base state.
type Head struct {
	SHA      string
	HeadOwner string
	HeadRepo  string
	HeadRef   string
	BaseRef   string
}

// PR bundles a PR's identity, head state, and the handful of fields the
// orchestrator needs for policy and merge decisions.
type PR struct {
	Identity
	Head
	Title  string
	Body   string
	State  string // "open", "closed"
	Merged bool
}
