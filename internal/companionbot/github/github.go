// Package github is a typed GitHub REST client for the companion
// merge orchestrator (spec.md §4 GitHub Client, §6 GitHub API usage). It
// wraps google/go-github and authenticates as a GitHub App installation via
// ghinstallation, minting per-installation tokens from a signed JWT.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"golang.org/x/sync/singleflight"

	"github.com/companion-bot/companion-bot/internal/companionbot/retry"
)

// Review is one PR review as GitHub reports it: reviewer login, state and
// submission time. It carries no team or role information.
type Review struct {
	ID         int64
	User       string
	State      string // approved, changes_requested, commented, dismissed
	SubmittedAt time.Time
}

// Status is one entry of the status aggregate for a head SHA (spec.md §3).
type Status struct {
	Context     string
	State       string // success, failure, pending, error
	Description string
	TargetURL   string
}

// CheckRun mirrors Status but sourced from the Checks API.
type CheckRun struct {
	Name        string
	Status      string // queued, in_progress, completed
	Conclusion  string // success, failure, neutral, cancelled, ...
	DetailsURL  string
}

// BranchProtection holds the subset of branch protection this client needs:
// the list of contexts GitHub requires to pass before merge.
type BranchProtection struct {
	RequiredStatusChecks []string
}

// Comment is an issue (PR) comment.
type Comment struct {
	ID   int64
	Body string
	User string
}

// Client is a typed GitHub API client wrapping go-github, authenticated as a
// GitHub App installation.
type Client struct {
	gh               *gh.Client
	itr              *ghinstallation.Transport
	retryBackoff     []time.Duration
	retryMaxAttempts int

	// tokenGroup coalesces concurrent InstallationToken callers (Git Worker
	// operations against several repositories under one installation) into a
	// single mint/refresh, rather than each caller racing ghinstallation's
	// own internal lock independently (spec.md §9: "the only process-wide
	// state is the installation-token cache, which is a single mutable
	// structure behind a lock").
	tokenGroup singleflight.Group
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL          string
	retryBackoff     []time.Duration
	retryMaxAttempts int
}

// WithBaseURL overrides the GitHub API base URL (useful for testing against a
// mock server).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays (spec.md §7
// UpstreamTransient policy: exponential, base 1s, factor 2, cap 30s).
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithMaxAttempts overrides the default maximum retry attempt count
// (spec.md §7 UpstreamTransient policy: max 5 attempts).
func WithMaxAttempts(n int) Option {
	return func(c *clientConfig) { c.retryMaxAttempts = n }
}

// AppAuth holds the parameters needed to mint installation tokens
// (spec.md §6: JWT signed RS256, iss=app_id, 10-minute expiry, exchanged at
// /app/installations/{id}/access_tokens).
type AppAuth struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPEM  []byte
}

// New creates a Client authenticated as the given GitHub App installation.
func New(auth AppAuth, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	itr, err := ghinstallation.New(http.DefaultTransport, auth.AppID, auth.InstallationID, auth.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("configuring installation transport: %w", err)
	}
	if cfg.baseURL != "" {
		itr.BaseURL = cfg.baseURL
	}

	client := gh.NewClient(&http.Client{Transport: itr})
	if cfg.baseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring enterprise URLs: %w", err)
		}
	}

	return &Client{gh: client, itr: itr, retryBackoff: cfg.retryBackoff, retryMaxAttempts: cfg.retryMaxAttempts}, nil
}

// InstallationToken mints (or returns the cached, still-valid) installation
// access token for this client's GitHub App installation. The token
// authenticates Git Worker's push-over-HTTPS operations (spec.md §6: "Git
// over HTTPS"). owner/repo are accepted, not consulted: a Client is bound to
// a single installation, which may cover several repositories.
func (c *Client) InstallationToken(ctx context.Context, owner, repo string) (string, error) {
	if c.itr == nil {
		return "", fmt.Errorf("client has no installation transport configured")
	}
	v, err, _ := c.tokenGroup.Do("token", func() (any, error) {
		return c.itr.Token(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// newForTesting builds a Client around an arbitrary http.Client, bypassing
// GitHub App installation-token minting. Used only by this package's tests.
func newForTesting(httpClient *http.Client, baseURL string) (*Client, error) {
	client := gh.NewClient(httpClient)
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{gh: client}, nil
}

func (c *Client) retryOpts() []retry.Option {
	var opts []retry.Option
	if len(c.retryBackoff) > 0 {
		opts = append(opts, retry.WithBackoff(c.retryBackoff...))
	}
	if c.retryMaxAttempts > 0 {
		opts = append(opts, retry.WithMaxAttempts(c.retryMaxAttempts))
	}
	return opts
}

// classifyErr wraps a go-github error as permanent if it's a client error
// (4xx — UpstreamFatal per spec.md §7), leaving 5xx/network errors retryable.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}

// FetchPR fetches a single pull request by number.
func (c *Client) FetchPR(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	return retry.DoVal(ctx, func() (PullRequest, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return PullRequest{}, classifyErr(fmt.Errorf("fetching pull request: %w", err))
		}
		return prFromGH(owner, repo, pr), nil
	}, c.retryOpts()...)
}

// PullRequest is the PR shape this client returns.
type PullRequest struct {
	Owner, Repo string
	Number      int
	Title       string
	State       string
	Merged      bool
	Body        string
	HeadSHA     string
	HeadOwner   string
	HeadRepo    string
	HeadRef     string
	BaseRef     string
}

func prFromGH(owner, repo string, pr *gh.PullRequest) PullRequest {
	p := PullRequest{
		Owner:  owner,
		Repo:   repo,
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		State:  pr.GetState(),
		Merged: pr.GetMerged(),
		Body:   pr.GetBody(),
	}
	if pr.Head != nil {
		p.HeadSHA = pr.Head.GetSHA()
		p.HeadRef = pr.Head.GetRef()
		if pr.Head.Repo != nil {
			p.HeadRepo = pr.Head.Repo.GetName()
			if pr.Head.Repo.Owner != nil {
				p.HeadOwner = pr.Head.Repo.Owner.GetLogin()
			}
		}
	}
	if pr.Base != nil {
		p.BaseRef = pr.Base.GetRef()
	}
	return p
}

// FetchReviews returns all reviews on the given pull request.
func (c *Client) FetchReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	return retry.DoVal(ctx, func() ([]Review, error) {
		var all []Review
		opts := &gh.ListOptions{PerPage: 100}
		for {
			reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching PR reviews: %w", err))
			}
			for _, r := range reviews {
				all = append(all, Review{
					ID:          r.GetID(),
					User:        r.GetUser().GetLogin(),
					State:       r.GetState(),
					SubmittedAt: r.GetSubmittedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// CreateReview posts an approving review as the bot.
func (c *Client) CreateReview(ctx context.Context, owner, repo string, number int, event, body string) error {
	_, err := retry.DoVal(ctx, func() (struct{}, error) {
		_, _, err := c.gh.PullRequests.CreateReview(ctx, owner, repo, number, &gh.PullRequestReviewRequest{
			Event: gh.Ptr(event),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return struct{}{}, classifyErr(fmt.Errorf("creating review: %w", err))
		}
		return struct{}{}, nil
	}, c.retryOpts()...)
	return err
}

// FetchStatuses returns the status aggregate for a ref (spec.md §3).
func (c *Client) FetchStatuses(ctx context.Context, owner, repo, ref string) ([]Status, error) {
	return retry.DoVal(ctx, func() ([]Status, error) {
		var all []Status
		opts := &gh.ListOptions{PerPage: 100}
		for {
			statuses, resp, err := c.gh.Repositories.ListStatuses(ctx, owner, repo, ref, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching statuses: %w", err))
			}
			for _, s := range statuses {
				all = append(all, Status{
					Context:     s.GetContext(),
					State:       s.GetState(),
					Description: s.GetDescription(),
					TargetURL:   s.GetTargetURL(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchCheckRuns returns all check runs for a ref.
func (c *Client) FetchCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckRun, error) {
	return retry.DoVal(ctx, func() ([]CheckRun, error) {
		var all []CheckRun
		opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
		for {
			result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching check runs: %w", err))
			}
			for _, cr := range result.CheckRuns {
				all = append(all, CheckRun{
					Name:       cr.GetName(),
					Status:     cr.GetStatus(),
					Conclusion: cr.GetConclusion(),
					DetailsURL: cr.GetHTMLURL(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchBranchProtection returns the repo's required status checks for base.
// Returns an empty BranchProtection (no error) if the branch has no
// protection configured.
func (c *Client) FetchBranchProtection(ctx context.Context, owner, repo, branch string) (BranchProtection, error) {
	return retry.DoVal(ctx, func() (BranchProtection, error) {
		protection, resp, err := c.gh.Repositories.GetBranchProtection(ctx, owner, repo, branch)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return BranchProtection{}, nil
			}
			return BranchProtection{}, classifyErr(fmt.Errorf("fetching branch protection: %w", err))
		}
		var contexts []string
		if protection.RequiredStatusChecks != nil {
			contexts = protection.RequiredStatusChecks.Contexts
		}
		return BranchProtection{RequiredStatusChecks: contexts}, nil
	}, c.retryOpts()...)
}

// IsOrgMember checks whether login is a member of org.
func (c *Client) IsOrgMember(ctx context.Context, org, login string) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		member, resp, err := c.gh.Organizations.IsMember(ctx, org, login)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return false, nil
			}
			return false, classifyErr(fmt.Errorf("checking org membership: %w", err))
		}
		return member, nil
	}, c.retryOpts()...)
}

// IsTeamMember checks whether login belongs to the team identified by
// org/teamSlug.
func (c *Client) IsTeamMember(ctx context.Context, org, teamSlug, login string) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		membership, resp, err := c.gh.Teams.GetTeamMembershipBySlug(ctx, org, teamSlug, login)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return false, nil
			}
			return false, classifyErr(fmt.Errorf("checking team membership: %w", err))
		}
		return membership.GetState() == "active", nil
	}, c.retryOpts()...)
}

// MergeMethod is the GitHub merge strategy.
type MergeMethod string

const (
	MergeSquash MergeMethod = "squash"
	MergeMerge  MergeMethod = "merge"
	MergeRebase MergeMethod = "rebase"
)

// ErrHeadChanged signals GitHub's 405 "head changed" merge rejection
// (spec.md §4.7 merge cascade retry).
var ErrHeadChanged = errors.New("pull request head changed")

// MergePR merges the pull request, asserting the expected head SHA so GitHub
// rejects a stale merge attempt with ErrHeadChanged (405) instead of merging
// the wrong commit.
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int, expectedHeadSHA string, method MergeMethod, commitMessage string) (string, error) {
	return retry.DoVal(ctx, func() (string, error) {
		result, resp, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, commitMessage, &gh.PullRequestOptions{
			SHA:         expectedHeadSHA,
			MergeMethod: string(method),
		})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusMethodNotAllowed {
				return "", retry.Permanent(ErrHeadChanged)
			}
			return "", classifyErr(fmt.Errorf("merging pull request: %w", err))
		}
		return result.GetSHA(), nil
	}, c.retryOpts()...)
}

// PostComment posts a general comment on the pull request (issue comment).
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) (Comment, error) {
	return retry.DoVal(ctx, func() (Comment, error) {
		ic, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{Body: gh.Ptr(body)})
		if err != nil {
			return Comment{}, classifyErr(fmt.Errorf("posting comment: %w", err))
		}
		return Comment{ID: ic.GetID(), Body: ic.GetBody(), User: ic.GetUser().GetLogin()}, nil
	}, c.retryOpts()...)
}

// CreateReaction adds an emoji reaction to a comment (spec.md §6 user-visible
// surface: +1 on accept, confused on parse failure, -1 on authorization
// failure).
func (c *Client) CreateReaction(ctx context.Context, owner, repo string, commentID int64, reaction string) error {
	_, err := retry.DoVal(ctx, func() (struct{}, error) {
		_, _, err := c.gh.Reactions.CreateIssueCommentReaction(ctx, owner, repo, commentID, reaction)
		if err != nil {
			return struct{}{}, classifyErr(fmt.Errorf("creating reaction: %w", err))
		}
		return struct{}{}, nil
	}, c.retryOpts()...)
	return err
}

// GetContents fetches the raw contents of a file at ref.
func (c *Client) GetContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	return retry.DoVal(ctx, func() ([]byte, error) {
		file, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &gh.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return nil, classifyErr(fmt.Errorf("fetching contents of %s: %w", path, err))
		}
		content, err := file.GetContent()
		if err != nil {
			return nil, fmt.Errorf("decoding contents of %s: %w", path, err)
		}
		return []byte(content), nil
	}, c.retryOpts()...)
}

// FindOpenPR finds an open PR with the given head branch in owner/repo.
// Returns (PullRequest{}, false, nil) if none exists.
func (c *Client) FindOpenPR(ctx context.Context, owner, repo, headBranch string) (PullRequest, bool, error) {
	type result struct {
		pr    PullRequest
		found bool
	}
	r, err := retry.DoVal(ctx, func() (result, error) {
		prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
			Head:  owner + ":" + headBranch,
			State: "open",
		})
		if err != nil {
			return result{}, classifyErr(fmt.Errorf("listing PRs: %w", err))
		}
		if len(prs) == 0 {
			return result{}, nil
		}
		return result{pr: prFromGH(owner, repo, prs[0]), found: true}, nil
	}, c.retryOpts()...)
	return r.pr, r.found, err
}
