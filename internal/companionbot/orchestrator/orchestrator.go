// Package orchestrator implements the Merge Orchestrator: the state machine
// that handles bot commands, persists pending merge records, reacts to
// webhook events, and runs the ordered merge cascade (spec.md §4.7).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/companion-bot/companion-bot/internal/companionbot/command"
	"github.com/companion-bot/companion-bot/internal/companionbot/companion"
	"github.com/companion-bot/companion-bot/internal/companionbot/github"
	"github.com/companion-bot/companion-bot/internal/companionbot/gitworker"
	"github.com/companion-bot/companion-bot/internal/companionbot/policy"
	"github.com/companion-bot/companion-bot/internal/companionbot/prid"
	"github.com/companion-bot/companion-bot/internal/companionbot/store"
)

// GitHubClient is the subset of github.Client the orchestrator calls.
type GitHubClient interface {
	FetchPR(ctx context.Context, owner, repo string, number int) (github.PullRequest, error)
	FetchReviews(ctx context.Context, owner, repo string, number int) ([]github.Review, error)
	FetchStatuses(ctx context.Context, owner, repo, ref string) ([]github.Status, error)
	FetchCheckRuns(ctx context.Context, owner, repo, ref string) ([]github.CheckRun, error)
	FetchBranchProtection(ctx context.Context, owner, repo, branch string) (github.BranchProtection, error)
	IsOrgMember(ctx context.Context, org, login string) (bool, error)
	IsTeamMember(ctx context.Context, org, teamSlug, login string) (bool, error)
	CreateReview(ctx context.Context, owner, repo string, number int, event, body string) error
	MergePR(ctx context.Context, owner, repo string, number int, expectedHeadSHA string, method github.MergeMethod, commitMessage string) (string, error)
	PostComment(ctx context.Context, owner, repo string, number int, body string) (github.Comment, error)
	CreateReaction(ctx context.Context, owner, repo string, commentID int64, reaction string) error
	GetContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
	FindOpenPR(ctx context.Context, owner, repo, headBranch string) (github.PullRequest, bool, error)
}

// GitWorker is the subset of gitworker.Worker the orchestrator calls.
type GitWorker interface {
	Rebase(ctx context.Context, owner, repo, headRef, baseRef string) (string, error)
	UpdateDependencies(ctx context.Context, owner, repo, headRef string, deps []gitworker.DependencyHead) (string, error)
}

// GitLabClient reports whether a failing GitLab-derived job is retrying
// (spec.md §4.3).
type GitLabClient interface {
	IsRetrying(ctx context.Context, jobWebURL string) bool
}

// Store is the persisted PendingMerge record store (spec.md §4.6).
type Store interface {
	Put(ctx context.Context, pm store.PendingMerge) error
	Get(ctx context.Context, id prid.Identity) (store.PendingMerge, bool, error)
	Delete(ctx context.Context, id prid.Identity) error
	ScanAll(ctx context.Context) ([]store.PendingMerge, error)
}

// Config holds the orchestrator's policy-relevant, operator-supplied
// settings.
type Config struct {
	InstallationLogin  string
	DependencyUpdates  map[string][]string
	MergeMethods       map[string]github.MergeMethod // repo -> method, default squash
	CoreDevsTeamSlug   string
	TeamLeadsTeamSlug  string
	DisableOrgChecks   bool
	BotLogin           string
	// StartupGraceWindow bounds how long a PendingMerge record may sit with
	// a diverged head before Startup treats it as abandoned.
	StartupGraceWindow time.Duration
}

func (c Config) mergeMethod(repo string) github.MergeMethod {
	if m, ok := c.MergeMethods[repo]; ok {
		return m
	}
	return github.MergeSquash
}

func (c Config) coreDevsSlug() string {
	if c.CoreDevsTeamSlug != "" {
		return c.CoreDevsTeamSlug
	}
	return policy.RoleCoreDevs
}

func (c Config) teamLeadsSlug() string {
	if c.TeamLeadsTeamSlug != "" {
		return c.TeamLeadsTeamSlug
	}
	return policy.RoleSubstrateTeamLeads
}

// Orchestrator owns every PR's state transitions.
type Orchestrator struct {
	GitHub   GitHubClient
	GitLab   GitLabClient
	Git      GitWorker
	Resolver *companion.Resolver
	Store    Store
	Config   Config

	prMu    sync.Mutex
	prLocks map[prid.Identity]*sync.Mutex

	cancelMu    sync.Mutex
	cancelFlags map[prid.Identity]bool
}

// New constructs an Orchestrator. Resolver must wrap the same GitHubClient
// (via an adapter implementing companion.PRFetcher) passed as GitHub.
func New(gh GitHubClient, gl GitLabClient, git GitWorker, resolver *companion.Resolver, st Store, cfg Config) *Orchestrator {
	return &Orchestrator{
		GitHub:      gh,
		GitLab:      gl,
		Git:         git,
		Resolver:    resolver,
		Store:       st,
		Config:      cfg,
		prLocks:     map[prid.Identity]*sync.Mutex{},
		cancelFlags: map[prid.Identity]bool{},
	}
}

func (o *Orchestrator) lockFor(id prid.Identity) *sync.Mutex {
	o.prMu.Lock()
	defer o.prMu.Unlock()
	l, ok := o.prLocks[id]
	if !ok {
		l = &sync.Mutex{}
		o.prLocks[id] = l
	}
	return l
}

func (o *Orchestrator) setCancelled(id prid.Identity, v bool) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	if v {
		o.cancelFlags[id] = true
	} else {
		delete(o.cancelFlags, id)
	}
}

func (o *Orchestrator) isCancelled(id prid.Identity) bool {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	return o.cancelFlags[id]
}

// IssueComment is a `bot *` command posted on a PR (spec.md §4.7 input 1).
type IssueComment struct {
	Owner          string
	Repo           string
	Number         int
	CommentID      int64
	CommentBody    string
	CommenterLogin string
}

// StatusOrCheck is a status/check update on a commit SHA (spec.md §4.7
// input 2).
type StatusOrCheck struct {
	SHA string
}

// HandleIssueComment dispatches a `bot *` comment: reacts, authorizes, and
// runs the requested command (spec.md §4.7 Command handling).
func (o *Orchestrator) HandleIssueComment(ctx context.Context, evt IssueComment) error {
	id := prid.Identity{Owner: evt.Owner, Repo: evt.Repo, Number: evt.Number}

	cmd, ok := command.Parse(evt.CommentBody)
	if !ok {
		return o.react(ctx, id, evt.CommentID, "confused")
	}

	if cmd == command.MergeCancelCommand {
		// Cancellation does not wait on the per-PR lock: it must be able to
		// interrupt an in-flight cascade (spec.md §4.7 Idempotence).
		if err := o.react(ctx, id, evt.CommentID, "+1"); err != nil {
			return err
		}
		return o.handleCancel(ctx, id)
	}

	if cmd == command.MergeCommand || cmd == command.MergeForceCommand {
		authorized, err := o.isAuthorized(ctx, evt.CommenterLogin)
		if err != nil {
			return fmt.Errorf("checking authorization: %w", err)
		}
		if !authorized {
			if err := o.react(ctx, id, evt.CommentID, "-1"); err != nil {
				return err
			}
			return o.reply(ctx, id, "@%s is not authorized to request a merge.", evt.CommenterLogin)
		}
	}

	if err := o.react(ctx, id, evt.CommentID, "+1"); err != nil {
		return err
	}

	l := o.lockFor(id)
	l.Lock()
	defer l.Unlock()

	switch cmd {
	case command.RebaseCommand:
		return o.handleRebase(ctx, id)
	case command.MergeCommand:
		return o.handleMerge(ctx, id, evt.CommenterLogin, false)
	case command.MergeForceCommand:
		return o.handleMerge(ctx, id, evt.CommenterLogin, true)
	}
	return nil
}

func (o *Orchestrator) react(ctx context.Context, id prid.Identity, commentID int64, reaction string) error {
	if err := o.GitHub.CreateReaction(ctx, id.Owner, id.Repo, commentID, reaction); err != nil {
		return fmt.Errorf("reacting to comment: %w", err)
	}
	return nil
}

func (o *Orchestrator) reply(ctx context.Context, id prid.Identity, format string, args ...any) error {
	_, err := o.GitHub.PostComment(ctx, id.Owner, id.Repo, id.Number, fmt.Sprintf(format, args...))
	if err != nil {
		return fmt.Errorf("posting reply: %w", err)
	}
	return nil
}

func (o *Orchestrator) isAuthorized(ctx context.Context, login string) (bool, error) {
	if o.Config.DisableOrgChecks {
		return true, nil
	}
	return o.GitHub.IsOrgMember(ctx, o.Config.InstallationLogin, login)
}

func (o *Orchestrator) handleCancel(ctx context.Context, id prid.Identity) error {
	o.setCancelled(id, true)
	_, found, err := o.Store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reading pending merge: %w", err)
	}
	if !found {
		return o.reply(ctx, id, "nothing to cancel.")
	}
	if err := o.Store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting pending merge: %w", err)
	}
	return o.reply(ctx, id, "Merge cancelled.")
}

func (o *Orchestrator) handleRebase(ctx context.Context, id prid.Identity) error {
	pr, err := o.GitHub.FetchPR(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		return o.reply(ctx, id, "Could not rebase: %s", err)
	}
	newSHA, err := o.Git.Rebase(ctx, id.Owner, id.Repo, pr.HeadRef, pr.BaseRef)
	if err != nil {
		return o.reply(ctx, id, "Rebase failed: %s", err)
	}
	return o.reply(ctx, id, "Rebased onto %s at %s.", pr.BaseRef, newSHA)
}

// blockedError carries the reason a PR was fatally blocked, for reply
// messages (spec.md §7 PolicyBlocked).
type blockedError struct {
	id     prid.Identity
	reason policy.BlockedReason
}

func (e *blockedError) Error() string {
	return fmt.Sprintf("%s blocked: %s", e.id, blockedReasonText(e.reason))
}

func blockedReasonText(r policy.BlockedReason) string {
	switch r {
	case policy.NotAuthorized:
		return "requester not authorized"
	case policy.ChangesRequested:
		return "changes requested"
	case policy.CIFailed:
		return "CI failed"
	default:
		return "blocked"
	}
}

// cycleError is a lightweight local alias so callers don't need to import
// the companion package just to type-switch on it.
type cycleError = companion.CycleError

func (o *Orchestrator) handleMerge(ctx context.Context, id prid.Identity, requester string, force bool) error {
	o.setCancelled(id, false)

	pr, err := o.GitHub.FetchPR(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		return o.reply(ctx, id, "Could not load PR: %s", err)
	}
	if pr.Merged {
		return o.reply(ctx, id, "PR #%d is already merged.", id.Number)
	}

	graph, err := o.Resolver.Resolve(ctx, toCompanionPR(pr))
	if err != nil {
		var cycleErr *cycleError
		if errors.As(err, &cycleErr) {
			return o.reply(ctx, id, "Cannot merge: companion cycle detected (%s).", cycleErr.Error())
		}
		return o.reply(ctx, id, "Could not resolve companions: %s", err)
	}

	order := graph.TopoOrder()

	// Each node's fetch-and-evaluate is independent of every other node's —
	// only the later cascade ordering depends on the graph — so fan them out
	// instead of paying their API latency serially.
	decisions := make(map[prid.Identity]policy.Decision, len(order))
	prs := make(map[prid.Identity]github.PullRequest, len(order))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, nodeID := range order {
		nodeID := nodeID
		group.Go(func() error {
			nodePR, decision, err := o.fetchAndEvaluate(groupCtx, nodeID, requester, force)
			if err != nil {
				return fmt.Errorf("evaluating %s: %w", nodeID, err)
			}
			mu.Lock()
			prs[nodeID] = nodePR
			decisions[nodeID] = decision
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return o.reply(ctx, id, "Could not evaluate companions: %s", err)
	}

	for nodeID, decision := range decisions {
		if decision.Kind != policy.NeedsBotApproval {
			continue
		}
		if err := o.GitHub.CreateReview(ctx, nodeID.Owner, nodeID.Repo, nodeID.Number, "APPROVE", "Approving on behalf of the merge policy."); err != nil {
			return o.reply(ctx, id, "Could not post bot approval on %s: %s", nodeID, err)
		}
		_, decision, err := o.fetchAndEvaluate(ctx, nodeID, requester, force)
		if err != nil {
			return o.reply(ctx, id, "Could not re-evaluate %s: %s", nodeID, err)
		}
		decisions[nodeID] = decision
	}

	var blockedMsgs []string
	for _, nodeID := range order {
		if decisions[nodeID].Kind == policy.Blocked {
			blockedMsgs = append(blockedMsgs, fmt.Sprintf("%s: %s", nodeID, blockedReasonText(decisions[nodeID].BlockedReason)))
		}
	}
	if len(blockedMsgs) > 0 {
		if err := o.Store.Delete(ctx, id); err != nil {
			return fmt.Errorf("deleting pending merge after block: %w", err)
		}
		sort.Strings(blockedMsgs)
		return o.reply(ctx, id, "Cannot merge:\n%s", strings.Join(blockedMsgs, "\n"))
	}

	allReady := true
	for _, nodeID := range order {
		if decisions[nodeID].Kind != policy.Ready {
			allReady = false
			break
		}
	}

	if !allReady {
		companions := make([]prid.Identity, 0, len(graph.Edges[id]))
		companions = append(companions, graph.Edges[id]...)
		pm := store.PendingMerge{
			Identity:       id,
			HeadSHA:        prs[id].HeadSHA,
			RequesterLogin: requester,
			Force:          force,
			Companions:     companions,
			CreatedAt:      time.Now(),
		}
		if existing, found, _ := o.Store.Get(ctx, id); found {
			pm.Attempt = existing.Attempt + 1
			pm.CreatedAt = existing.CreatedAt
		}
		if err := o.Store.Put(ctx, pm); err != nil {
			return fmt.Errorf("persisting pending merge: %w", err)
		}
		return o.reply(ctx, id, "Queued, waiting on: %s", waitingSummary(decisions, order))
	}

	return o.runCascade(ctx, id, graph, order, requester, force, prs)
}

func waitingSummary(decisions map[prid.Identity]policy.Decision, order []prid.Identity) string {
	var parts []string
	for _, id := range order {
		d := decisions[id]
		switch d.Kind {
		case policy.Waiting:
			if d.WaitingReason == policy.AwaitingApprovals {
				parts = append(parts, fmt.Sprintf("%s: approvals", id))
			} else {
				parts = append(parts, fmt.Sprintf("%s: checks (%s)", id, strings.Join(d.WaitingContexts, ", ")))
			}
		}
	}
	return strings.Join(parts, "; ")
}

// fetchAndEvaluate fetches a node's current PR/review/status state and
// evaluates Policy for it, using the original command's requester for the
// pitch-in rule (spec.md §4.2 Bot approval pitch-in).
func (o *Orchestrator) fetchAndEvaluate(ctx context.Context, id prid.Identity, requester string, force bool) (github.PullRequest, policy.Decision, error) {
	pr, err := o.GitHub.FetchPR(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		return github.PullRequest{}, policy.Decision{}, fmt.Errorf("fetching PR: %w", err)
	}
	if pr.Merged {
		return pr, policy.Decision{Kind: policy.Ready}, nil
	}

	reviews, err := o.GitHub.FetchReviews(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		return pr, policy.Decision{}, fmt.Errorf("fetching reviews: %w", err)
	}
	policyReviews, err := o.withRoles(ctx, id.Owner, reviews)
	if err != nil {
		return pr, policy.Decision{}, err
	}
	requesterRoles, err := o.rolesOf(ctx, id.Owner, requester)
	if err != nil {
		return pr, policy.Decision{}, err
	}

	statuses, err := o.GitHub.FetchStatuses(ctx, id.Owner, id.Repo, pr.HeadSHA)
	if err != nil {
		return pr, policy.Decision{}, fmt.Errorf("fetching statuses: %w", err)
	}
	checks, err := o.GitHub.FetchCheckRuns(ctx, id.Owner, id.Repo, pr.HeadSHA)
	if err != nil {
		return pr, policy.Decision{}, fmt.Errorf("fetching check runs: %w", err)
	}
	bp, err := o.GitHub.FetchBranchProtection(ctx, id.Owner, id.Repo, pr.BaseRef)
	if err != nil {
		return pr, policy.Decision{}, fmt.Errorf("fetching branch protection: %w", err)
	}

	cmdKind := policy.Merge
	if force {
		cmdKind = policy.MergeForce
	}

	in := policy.Input{
		Repo:                 id.Repo,
		Command:              cmdKind,
		RequesterLogin:       requester,
		RequesterIsOrgMember: true,
		RequesterRoles:       requesterRoles,
		Reviews:              policyReviews,
		Statuses:             statusesToContext(statuses),
		CheckRuns:            checkRunsToContext(checks),
		BranchProtection:     policy.BranchProtection{RequiredStatusChecks: bp.RequiredStatusChecks},
		BotLogin:             o.Config.BotLogin,
		BotAlreadyApproved:   botHasApproved(reviews, o.Config.BotLogin),
		DisableOrgChecks:     o.Config.DisableOrgChecks,
		IsRetrying: func(url string) bool {
			if o.GitLab == nil || url == "" {
				return false
			}
			return o.GitLab.IsRetrying(ctx, url)
		},
	}
	return pr, policy.Evaluate(in), nil
}

// withRoles enriches GitHub reviews with the role memberships the Policy
// Engine needs (spec.md §3 Review set), caching team-membership lookups per
// reviewer within one evaluation.
func (o *Orchestrator) withRoles(ctx context.Context, org string, reviews []github.Review) ([]policy.Review, error) {
	roleCache := map[string][]string{}
	out := make([]policy.Review, 0, len(reviews))
	for _, r := range reviews {
		roles, ok := roleCache[r.User]
		if !ok {
			var err error
			roles, err = o.rolesOf(ctx, org, r.User)
			if err != nil {
				return nil, err
			}
			roleCache[r.User] = roles
		}
		out = append(out, policy.Review{
			Login:       r.User,
			Roles:       roles,
			State:       strings.ToLower(r.State),
			SubmittedAt: r.SubmittedAt.Unix(),
		})
	}
	return out, nil
}

// botHasApproved reports whether the bot's most recent review is an
// approval, so the pitch-in rule does not re-approve on every evaluation
// (spec.md §4.2 Bot approval pitch-in).
func botHasApproved(reviews []github.Review, botLogin string) bool {
	var latest github.Review
	found := false
	for _, r := range reviews {
		if r.User != botLogin {
			continue
		}
		if !found || r.SubmittedAt.After(latest.SubmittedAt) {
			latest = r
			found = true
		}
	}
	return found && strings.ToLower(latest.State) == "approved"
}

func (o *Orchestrator) rolesOf(ctx context.Context, org, login string) ([]string, error) {
	if o.Config.DisableOrgChecks {
		return []string{policy.RoleCoreDevs, policy.RoleSubstrateTeamLeads}, nil
	}
	var roles []string
	isCoreDev, err := o.GitHub.IsTeamMember(ctx, org, o.Config.coreDevsSlug(), login)
	if err != nil {
		return nil, fmt.Errorf("checking %s membership for %s: %w", o.Config.coreDevsSlug(), login, err)
	}
	if isCoreDev {
		roles = append(roles, policy.RoleCoreDevs)
	}
	isTeamLead, err := o.GitHub.IsTeamMember(ctx, org, o.Config.teamLeadsSlug(), login)
	if err != nil {
		return nil, fmt.Errorf("checking %s membership for %s: %w", o.Config.teamLeadsSlug(), login, err)
	}
	if isTeamLead {
		roles = append(roles, policy.RoleSubstrateTeamLeads)
	}
	return roles, nil
}

func statusesToContext(ss []github.Status) []policy.Context {
	out := make([]policy.Context, len(ss))
	for i, s := range ss {
		out[i] = policy.Context{Name: s.Context, State: strings.ToLower(s.State), Description: s.Description, TargetURL: s.TargetURL}
	}
	return out
}

func checkRunsToContext(crs []github.CheckRun) []policy.Context {
	out := make([]policy.Context, len(crs))
	for i, c := range crs {
		state := "pending"
		switch c.Status {
		case "completed":
			state = strings.ToLower(c.Conclusion)
			if state == "neutral" || state == "skipped" {
				state = "success"
			}
		}
		out[i] = policy.Context{Name: c.Name, State: state, TargetURL: c.DetailsURL}
	}
	return out
}

func toCompanionPR(pr github.PullRequest) companion.PR {
	return companion.PR{
		Identity: prid.Identity{Owner: pr.Owner, Repo: pr.Repo, Number: pr.Number},
		HeadSHA:  pr.HeadSHA,
		Body:     pr.Body,
	}
}

// GitHubPRFetcher adapts a GitHubClient to companion.PRFetcher, so a single
// *github.Client (or test fake) backs both the orchestrator and the
// companion resolver it drives.
type GitHubPRFetcher struct {
	GitHub GitHubClient
}

func (a GitHubPRFetcher) FetchPR(ctx context.Context, owner, repo string, number int) (companion.PR, error) {
	pr, err := a.GitHub.FetchPR(ctx, owner, repo, number)
	if err != nil {
		return companion.PR{}, err
	}
	return toCompanionPR(pr), nil
}

func (a GitHubPRFetcher) GetContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	return a.GitHub.GetContents(ctx, owner, repo, path, ref)
}

func (a GitHubPRFetcher) FindOpenPR(ctx context.Context, owner, repo, headBranch string) (companion.PR, bool, error) {
	pr, found, err := a.GitHub.FindOpenPR(ctx, owner, repo, headBranch)
	if err != nil || !found {
		return companion.PR{}, found, err
	}
	return toCompanionPR(pr), true, nil
}

// runCascade merges every PR in order, updating dependents' manifests as
// their dependencies merge (spec.md §4.7 Merge cascade).
func (o *Orchestrator) runCascade(ctx context.Context, root prid.Identity, graph *companion.Graph, order []prid.Identity, requester string, force bool, prs map[prid.Identity]github.PullRequest) error {
	merged := map[prid.Identity]github.PullRequest{}

	// cascadeID correlates every log line this cascade emits, across
	// however many companion PRs it merges, in one grep-able token.
	cascadeID := uuid.NewString()
	slog.Info("starting merge cascade", "cascade_id", cascadeID, "root", root, "order", order)

	for _, id := range order {
		if o.isCancelled(root) {
			return o.reply(ctx, root, "Merge cascade cancelled.")
		}

		pr := prs[id]
		if pr.Merged {
			merged[id] = pr
			continue
		}

		var mergedDeps []gitworker.DependencyHead
		for _, depID := range graph.Edges[id] {
			depPR, ok := merged[depID]
			if !ok {
				return o.cascadeFailure(ctx, root, id, fmt.Errorf("internal: dependency %s not merged before %s", depID, id))
			}
			mergedDeps = append(mergedDeps, gitworker.DependencyHead{
				Owner: depID.Owner, Repo: depID.Repo, BaseRef: depPR.BaseRef, MergedSHA: depPR.HeadSHA,
			})
		}

		if len(mergedDeps) > 0 {
			newSHA, err := o.Git.UpdateDependencies(ctx, id.Owner, id.Repo, pr.HeadRef, mergedDeps)
			if err != nil {
				return o.cascadeFailure(ctx, root, id, fmt.Errorf("updating dependencies: %w", err))
			}
			pr.HeadSHA = newSHA
		}

		refreshed, decision, err := o.fetchAndEvaluate(ctx, id, requester, force)
		if err != nil {
			return o.cascadeFailure(ctx, root, id, err)
		}
		pr = refreshed

		if decision.Kind == policy.Waiting {
			companions := append([]prid.Identity{}, graph.Edges[root]...)
			pm := store.PendingMerge{
				Identity:       root,
				HeadSHA:        prs[root].HeadSHA,
				RequesterLogin: requester,
				Force:          force,
				Companions:     companions,
				CreatedAt:      time.Now(),
			}
			if err := o.Store.Put(ctx, pm); err != nil {
				return fmt.Errorf("persisting suspended cascade: %w", err)
			}
			return o.reply(ctx, root, "Waiting on checks for %s before continuing the cascade.", id)
		}
		if decision.Kind == policy.Blocked {
			return o.cascadeFailure(ctx, root, id, fmt.Errorf("%s", blockedReasonText(decision.BlockedReason)))
		}

		sha, err := o.mergeWithRetry(ctx, id, pr)
		if err != nil {
			return o.cascadeFailure(ctx, root, id, err)
		}
		pr.Merged = true
		pr.HeadSHA = sha
		merged[id] = pr
	}

	if err := o.Store.Delete(ctx, root); err != nil {
		slog.Warn("deleting pending merge after successful cascade", "pr", root, "error", err)
	}
	slog.Info("merge cascade complete", "cascade_id", cascadeID, "root", root, "merged", len(merged))
	return o.reply(ctx, root, "Merged PR #%d.", root.Number)
}

// mergeWithRetry attempts the merge API, retrying on a 405 "head changed" up
// to three times, re-fetching the head each time (spec.md §4.7 step 3).
func (o *Orchestrator) mergeWithRetry(ctx context.Context, id prid.Identity, pr github.PullRequest) (string, error) {
	method := o.Config.mergeMethod(id.Repo)
	msg := fmt.Sprintf("Merge #%d: %s", id.Number, pr.Title)

	head := pr.HeadSHA
	var lastErr error
	// One initial attempt plus up to three retries.
	for attempt := 0; attempt <= 3; attempt++ {
		sha, err := o.GitHub.MergePR(ctx, id.Owner, id.Repo, id.Number, head, method, msg)
		if err == nil {
			return sha, nil
		}
		lastErr = err
		if !errors.Is(err, github.ErrHeadChanged) {
			return "", err
		}
		fresh, fetchErr := o.GitHub.FetchPR(ctx, id.Owner, id.Repo, id.Number)
		if fetchErr != nil {
			return "", fetchErr
		}
		head = fresh.HeadSHA
	}
	return "", lastErr
}

func (o *Orchestrator) cascadeFailure(ctx context.Context, root, failed prid.Identity, cause error) error {
	if err := o.Store.Delete(ctx, root); err != nil {
		slog.Warn("deleting pending merge after cascade failure", "pr", root, "error", err)
	}
	if failed == root {
		return o.reply(ctx, root, "Merge failed: %s", cause)
	}
	return o.reply(ctx, root, "Merge cascade failed at %s: %s. Already-merged PRs were not rolled back.", failed, cause)
}

// HandleStatusOrCheck re-evaluates every PendingMerge record whose current
// head SHA matches the event (spec.md §4.7 Event-driven wake-ups).
func (o *Orchestrator) HandleStatusOrCheck(ctx context.Context, evt StatusOrCheck) error {
	records, err := o.Store.ScanAll(ctx)
	if err != nil {
		return fmt.Errorf("scanning pending merges: %w", err)
	}
	for _, pm := range records {
		pr, err := o.GitHub.FetchPR(ctx, pm.Identity.Owner, pm.Identity.Repo, pm.Identity.Number)
		if err != nil {
			slog.Warn("fetching PR for wake-up scan", "pr", pm.Identity, "error", err)
			continue
		}
		if pr.HeadSHA != evt.SHA {
			continue
		}
		if err := o.wake(ctx, pm); err != nil {
			slog.Warn("waking pending merge", "pr", pm.Identity, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) wake(ctx context.Context, pm store.PendingMerge) error {
	l := o.lockFor(pm.Identity)
	l.Lock()
	defer l.Unlock()
	return o.handleMerge(ctx, pm.Identity, pm.RequesterLogin, pm.Force)
}

// Startup replays every persisted PendingMerge record once at process start
// (spec.md §4.7 input 3).
func (o *Orchestrator) Startup(ctx context.Context) error {
	records, err := o.Store.ScanAll(ctx)
	if err != nil {
		return fmt.Errorf("scanning pending merges at startup: %w", err)
	}
	for _, pm := range records {
		pr, err := o.GitHub.FetchPR(ctx, pm.Identity.Owner, pm.Identity.Repo, pm.Identity.Number)
		if err != nil || pr.State == "closed" {
			if err := o.Store.Delete(ctx, pm.Identity); err != nil {
				slog.Warn("deleting stale pending merge", "pr", pm.Identity, "error", err)
			}
			continue
		}
		if pr.Merged {
			if err := o.Store.Delete(ctx, pm.Identity); err != nil {
				slog.Warn("deleting already-merged pending merge", "pr", pm.Identity, "error", err)
			}
			continue
		}
		if o.Config.StartupGraceWindow > 0 && time.Since(pm.CreatedAt) > o.Config.StartupGraceWindow && pr.HeadSHA != pm.HeadSHA {
			if err := o.Store.Delete(ctx, pm.Identity); err != nil {
				slog.Warn("deleting abandoned pending merge", "pr", pm.Identity, "error", err)
			}
			continue
		}
		if err := o.wake(ctx, pm); err != nil {
			slog.Warn("replaying pending merge at startup", "pr", pm.Identity, "error", err)
		}
	}
	return nil
}
