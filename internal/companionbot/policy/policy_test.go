package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func baseInput() Input {
	return Input{
		Repo:                 "polkadot",
		Command:              Merge,
		RequesterLogin:       "alice",
		RequesterIsOrgMember: true,
	}
}

func TestEvaluate_NotAuthorized(t *testing.T) {
	in := baseInput()
	in.RequesterIsOrgMember = false

	d := Evaluate(in)
	assert.Equal(t, Blocked, d.Kind)
	assert.Equal(t, NotAuthorized, d.BlockedReason)
}

func TestEvaluate_DisableOrgChecks_SkipsAuthorization(t *testing.T) {
	in := baseInput()
	in.RequesterIsOrgMember = false
	in.DisableOrgChecks = true
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}

	d := Evaluate(in)
	assert.Equal(t, Ready, d.Kind)
}

func TestEvaluate_ChangesRequestedBlocks(t *testing.T) {
	in := baseInput()
	in.Reviews = []Review{
		{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}, SubmittedAt: 1},
		{Login: "carol", State: "changes_requested", SubmittedAt: 1},
	}

	d := Evaluate(in)
	assert.Equal(t, Blocked, d.Kind)
	assert.Equal(t, ChangesRequested, d.BlockedReason)
}

func TestEvaluate_DismissedChangesRequestedIgnored(t *testing.T) {
	in := baseInput()
	in.Reviews = []Review{
		{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}},
		{Login: "carol", State: "changes_requested", Dismissed: true},
	}

	d := Evaluate(in)
	assert.Equal(t, Ready, d.Kind)
}

func TestEvaluate_SingleCoreDevApproval_Ready(t *testing.T) {
	in := baseInput()
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}

	d := Evaluate(in)
	assert.Equal(t, Ready, d.Kind)
}

func TestEvaluate_SubstrateRequiresTwoCoreDevApprovals(t *testing.T) {
	in := baseInput()
	in.Repo = "substrate"
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}

	d := Evaluate(in)
	assert.Equal(t, Waiting, d.Kind)
	assert.Equal(t, AwaitingApprovals, d.WaitingReason)
}

func TestEvaluate_TeamLeadApprovalAloneSuffices(t *testing.T) {
	in := baseInput()
	in.Repo = "substrate"
	in.Reviews = []Review{{Login: "dave", State: "approved", Roles: []string{RoleSubstrateTeamLeads}}}

	d := Evaluate(in)
	assert.Equal(t, Ready, d.Kind)
}

// TestEvaluate_PitchIn reproduces spec.md §8 scenario 2: one core-dev
// approval on substrate (one short of the N=2 quota), requester is a team
// lead, bot hasn't approved yet — the bot should pitch in.
func TestEvaluate_PitchIn(t *testing.T) {
	in := baseInput()
	in.Repo = "substrate"
	in.RequesterLogin = "alice"
	in.RequesterRoles = []string{RoleSubstrateTeamLeads}
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}

	d := Evaluate(in)
	assert.Equal(t, NeedsBotApproval, d.Kind)
}

// TestEvaluate_PitchIn_NotOfferedIfBotAlreadyApproved verifies that once the
// bot's pitch-in review has filled the missing vote, re-evaluation does not
// ask for a second bot approval.
func TestEvaluate_PitchIn_NotOfferedIfBotAlreadyApproved(t *testing.T) {
	in := baseInput()
	in.Repo = "substrate"
	in.RequesterRoles = []string{RoleSubstrateTeamLeads}
	in.BotAlreadyApproved = true
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}

	d := Evaluate(in)
	assert.NotEqual(t, NeedsBotApproval, d.Kind)
	assert.Equal(t, Ready, d.Kind)
}

// TestEvaluate_BotApproval_NotOneShort_StaysWaiting verifies the bot's
// pitch-in vote only fills an exact one-vote gap: with no human approvals at
// all, an already-approved bot review does not bridge a two-vote gap.
func TestEvaluate_BotApproval_NotOneShort_StaysWaiting(t *testing.T) {
	in := baseInput()
	in.Repo = "substrate"
	in.RequesterRoles = []string{RoleSubstrateTeamLeads}
	in.BotAlreadyApproved = true

	d := Evaluate(in)
	assert.Equal(t, Waiting, d.Kind)
	assert.Equal(t, AwaitingApprovals, d.WaitingReason)
}

func TestEvaluate_CI_PendingWaits(t *testing.T) {
	in := baseInput()
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}
	in.Statuses = []Context{{Name: "ci/gitlab/build", State: "pending"}}

	d := Evaluate(in)
	assert.Equal(t, Waiting, d.Kind)
	assert.Equal(t, AwaitingChecks, d.WaitingReason)
	assert.Equal(t, []string{"ci/gitlab/build"}, d.WaitingContexts)
}

func TestEvaluate_CI_FailureBlocks(t *testing.T) {
	in := baseInput()
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}
	in.Statuses = []Context{{Name: "ci/gitlab/build", State: "failure"}}

	d := Evaluate(in)
	assert.Equal(t, Blocked, d.Kind)
	assert.Equal(t, CIFailed, d.BlockedReason)
}

// TestEvaluate_CI_FailureButRetrying reproduces spec.md §8 scenario 4.
func TestEvaluate_CI_FailureButRetrying(t *testing.T) {
	in := baseInput()
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}
	in.Statuses = []Context{{Name: "ci/gitlab/build", State: "failure", TargetURL: "https://gitlab.parity.io/x/jobs/1"}}
	in.IsRetrying = func(url string) bool { return true }

	d := Evaluate(in)
	assert.Equal(t, Waiting, d.Kind)
	assert.Equal(t, AwaitingChecks, d.WaitingReason)
}

func TestEvaluate_CI_FallibleFailureIgnored(t *testing.T) {
	in := baseInput()
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}
	in.Statuses = []Context{{Name: "ci/gitlab/lint", State: "failure", Description: "allow_failure: true"}}

	d := Evaluate(in)
	assert.Equal(t, Ready, d.Kind)
}

func TestEvaluate_Force_IgnoresImportantFailure(t *testing.T) {
	in := baseInput()
	in.Command = MergeForce
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}
	in.Statuses = []Context{{Name: "ci/gitlab/build", State: "failure"}}

	d := Evaluate(in)
	assert.Equal(t, Ready, d.Kind)
}

func TestEvaluate_Force_StillRequiresRequiredChecks(t *testing.T) {
	in := baseInput()
	in.Command = MergeForce
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}
	in.BranchProtection = BranchProtection{RequiredStatusChecks: []string{"ci/required"}}
	in.Statuses = []Context{{Name: "ci/required", State: "pending"}}

	d := Evaluate(in)
	assert.Equal(t, Waiting, d.Kind)
	assert.Equal(t, AwaitingChecks, d.WaitingReason)
}

func TestEvaluate_IgnoredContextDoesNotBlock(t *testing.T) {
	in := baseInput()
	in.Reviews = []Review{{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}}}
	in.Statuses = []Context{{Name: "github-actions/lint", State: "failure"}}

	d := Evaluate(in)
	assert.Equal(t, Ready, d.Kind)
}

func TestEvaluate_OnlyMostRecentReviewCounts(t *testing.T) {
	in := baseInput()
	in.Reviews = []Review{
		{Login: "bob", State: "changes_requested", Roles: []string{RoleCoreDevs}, SubmittedAt: 1},
		{Login: "bob", State: "approved", Roles: []string{RoleCoreDevs}, SubmittedAt: 2},
	}

	d := Evaluate(in)
	assert.Equal(t, Ready, d.Kind)
}
