// Package policy implements the merge-readiness decision described in
// spec.md §4.2 Policy Engine: given a PR's reviews, statuses, checks and the
// requester, decide whether merge requirements are met.
package policy

import (
	"sort"
	"strings"
)

// Role names the Policy Engine recognizes. Conceptually these are GitHub
// team slugs the requester/reviewer must belong to.
const (
	RoleCoreDevs           = "core-devs"
	RoleSubstrateTeamLeads = "substrate-team-leads"
)

// substrateRepo is the one repository with a stricter approval quota
// (spec.md §4.2 Approval rule).
const substrateRepo = "substrate"

// Review is one reviewer's current review state, tagged with the roles that
// make it count toward the approval quota.
type Review struct {
	Login     string
	Roles     []string
	State     string // "approved", "changes_requested", "commented", "dismissed"
	Dismissed bool
	// SubmittedAt orders reviews from the same login; only the most recent,
	// non-dismissed review on the current head SHA counts.
	SubmittedAt int64
}

func (r Review) hasRole(role string) bool {
	for _, got := range r.Roles {
		if got == role {
			return true
		}
	}
	return false
}

// Context is one status or check-run entry for a commit SHA.
type Context struct {
	Name        string
	State       string // "success", "failure", "pending", "error"
	Description string
	TargetURL   string
}

// BranchProtection lists the status-check contexts GitHub itself requires
// before allowing a merge.
type BranchProtection struct {
	RequiredStatusChecks []string
}

func (bp BranchProtection) isRequired(name string) bool {
	for _, r := range bp.RequiredStatusChecks {
		if r == name {
			return true
		}
	}
	return false
}

// Category is the derived classification of a status/check context
// (spec.md §3 Status category).
type Category int

const (
	// Ignored contexts neither gate nor are reported on — they are neither
	// branch-protection-required nor GitLab-derived.
	Ignored Category = iota
	Fallible
	Important
	Required
)

// gitlabContextPrefix identifies a GitLab-derived status context.
const gitlabContextPrefix = "ci/gitlab/"

// allowFailureMarker is the description marker GitLab jobs configured with
// `allow_failure: true` report.
const allowFailureMarker = "allow_failure: true"

func classify(c Context, bp BranchProtection) Category {
	if bp.isRequired(c.Name) {
		return Required
	}
	if !strings.HasPrefix(c.Name, gitlabContextPrefix) {
		return Ignored
	}
	if strings.Contains(c.Description, allowFailureMarker) {
		return Fallible
	}
	return Important
}

// Kind is the top-level verdict of Evaluate.
type Kind int

const (
	// Ready means the PR may be merged now.
	Ready Kind = iota
	// Waiting means policy is otherwise satisfiable but some prerequisite
	// has not yet reported (cannot be overridden by a force-less merge).
	Waiting
	// NeedsBotApproval means one bot-authored approving review would
	// satisfy approval policy, and the requester is authorized to trigger it.
	NeedsBotApproval
	// Blocked means this merge attempt is fatal.
	Blocked
)

// WaitingReason distinguishes the two PolicyPending subkinds of spec.md §7.
type WaitingReason int

const (
	AwaitingApprovals WaitingReason = iota
	AwaitingChecks
)

// BlockedReason distinguishes the PolicyBlocked subkinds of spec.md §7.
type BlockedReason int

const (
	NotAuthorized BlockedReason = iota
	ChangesRequested
	CIFailed
)

// Decision is the verdict returned by Evaluate.
type Decision struct {
	Kind            Kind
	WaitingReason   WaitingReason
	WaitingContexts []string
	BlockedReason   BlockedReason
}

// Command distinguishes the two merge commands the CI rule treats
// differently (spec.md §4.2 CI rule).
type Command int

const (
	Merge Command = iota
	MergeForce
)

// RetryChecker reports whether the job behind a failing GitLab-derived
// status context is currently being retried (spec.md §4.3).
type RetryChecker func(targetURL string) bool

// Input bundles everything Evaluate needs to reach a Decision.
type Input struct {
	Repo    string
	Command Command

	RequesterLogin      string
	RequesterIsOrgMember bool
	RequesterRoles      []string

	Reviews          []Review
	Statuses         []Context
	CheckRuns        []Context
	BranchProtection BranchProtection

	BotLogin          string
	BotAlreadyApproved bool

	// DisableOrgChecks skips both the org-membership authorization check and
	// the team-membership check used by the bot pitch-in rule (resolved
	// Open Question: SPEC_FULL.md §Open Questions).
	DisableOrgChecks bool

	// IsRetrying reports whether a failing GitLab-derived context's job is
	// currently retrying. May be nil, which behaves as always-false
	// (fail closed, spec.md §4.3).
	IsRetrying RetryChecker
}

func (in Input) requesterHasRole(role string) bool {
	if in.DisableOrgChecks {
		return true
	}
	for _, r := range in.RequesterRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Evaluate decides whether a PR may be merged, must wait, needs a bot
// pitch-in approval, or is fatally blocked, per spec.md §4.2.
func Evaluate(in Input) Decision {
	if !in.DisableOrgChecks && !in.RequesterIsOrgMember {
		return Decision{Kind: Blocked, BlockedReason: NotAuthorized}
	}

	latest := latestReviewPerLogin(in.Reviews)
	for _, r := range latest {
		if r.Dismissed {
			continue
		}
		if r.State == "changes_requested" {
			return Decision{Kind: Blocked, BlockedReason: ChangesRequested}
		}
	}

	requiredApprovals := 1
	if in.Repo == substrateRepo {
		requiredApprovals = 2
	}

	coreDevApprovals := 0
	teamLeadApproved := false
	for _, r := range latest {
		if r.Dismissed || r.State != "approved" {
			continue
		}
		if r.hasRole(RoleCoreDevs) {
			coreDevApprovals++
		}
		if r.hasRole(RoleSubstrateTeamLeads) {
			teamLeadApproved = true
		}
	}

	oneShort := coreDevApprovals == requiredApprovals-1

	// A bot pitch-in review fills exactly the one missing vote it was
	// created for; it does not count toward RoleCoreDevs membership itself.
	effectiveCoreDevApprovals := coreDevApprovals
	if in.BotAlreadyApproved && oneShort {
		effectiveCoreDevApprovals++
	}
	approvalSufficient := effectiveCoreDevApprovals >= requiredApprovals || teamLeadApproved

	if !approvalSufficient {
		if oneShort && !in.BotAlreadyApproved && in.requesterHasRole(RoleSubstrateTeamLeads) {
			return Decision{Kind: NeedsBotApproval}
		}
		return Decision{Kind: Waiting, WaitingReason: AwaitingApprovals}
	}

	return evaluateCI(in)
}

func evaluateCI(in Input) Decision {
	all := make([]Context, 0, len(in.Statuses)+len(in.CheckRuns))
	all = append(all, in.Statuses...)
	all = append(all, in.CheckRuns...)

	var waitingContexts []string
	for _, c := range all {
		cat := classify(c, in.BranchProtection)
		if cat == Ignored || cat == Fallible {
			continue
		}
		if in.Command == MergeForce && cat != Required {
			continue
		}

		switch c.State {
		case "success":
			continue
		case "pending":
			waitingContexts = append(waitingContexts, c.Name)
		case "failure", "error":
			if cat == Important && in.IsRetrying != nil && in.IsRetrying(c.TargetURL) {
				waitingContexts = append(waitingContexts, c.Name)
				continue
			}
			return Decision{Kind: Blocked, BlockedReason: CIFailed}
		default:
			waitingContexts = append(waitingContexts, c.Name)
		}
	}

	if len(waitingContexts) > 0 {
		sort.Strings(waitingContexts)
		return Decision{Kind: Waiting, WaitingReason: AwaitingChecks, WaitingContexts: waitingContexts}
	}
	return Decision{Kind: Ready}
}

// latestReviewPerLogin keeps only each login's most recent review, per
// spec.md §4.2 ("the reviewer's most recent review on the current head SHA").
func latestReviewPerLogin(reviews []Review) []Review {
	byLogin := make(map[string]Review, len(reviews))
	for _, r := range reviews {
		existing, ok := byLogin[r.Login]
		if !ok || r.SubmittedAt >= existing.SubmittedAt {
			byLogin[r.Login] = r
		}
	}
	out := make([]Review, 0, len(byLogin))
	for _, r := range byLogin {
		out = append(out, r)
	}
	return out
}
