// Package gitlab implements spec.md §4.3 GitLab Retry Detection: given the
// web URL embedded in a GitLab-derived status context, determine whether the
// job it names has since been retried and is currently running or pending.
package gitlab

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	gogitlab "gitlab.com/gitlab-org/api/client-go"
)

// Client queries a single configured GitLab project for pipeline/job status.
type Client struct {
	api       *gogitlab.Client
	projectID string
}

// New creates a Client against the given GitLab instance URL, authenticated
// with a personal/project access token, scoped to one project path
// ("group/project").
func New(baseURL, token, projectID string) (*Client, error) {
	api, err := gogitlab.NewClient(token, gogitlab.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("creating GitLab client: %w", err)
	}
	return &Client{api: api, projectID: projectID}, nil
}

// jobURLPattern matches GitLab job URLs of the form
// ".../-/pipelines/<pipeline_id>/jobs/<job_id>" or ".../-/jobs/<job_id>",
// which is the shape GitLab embeds in a commit status's target_url.
var jobURLPattern = regexp.MustCompile(`/-/(?:pipelines/(\d+)/)?jobs/(\d+)`)

// parseJobURL extracts the job id (and pipeline id, if present) from a
// GitLab job web URL.
func parseJobURL(jobWebURL string) (pipelineID, jobID int64, ok bool) {
	m := jobURLPattern.FindStringSubmatch(jobWebURL)
	if m == nil {
		return 0, 0, false
	}
	if m[1] != "" {
		pipelineID, _ = strconv.ParseInt(m[1], 10, 64)
	}
	jobID, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return pipelineID, jobID, true
}

// IsRetrying reports whether the job named by jobWebURL has a more recent
// execution (a retry) that is currently "running" or "pending". GitLab
// client failures are logged and treated as false — fail closed, per
// spec.md §4.3, so the orchestrator does not optimistically merge.
func (c *Client) IsRetrying(ctx context.Context, jobWebURL string) bool {
	pipelineID, jobID, ok := parseJobURL(jobWebURL)
	if !ok {
		slog.Warn("gitlab: could not parse job URL", "url", jobWebURL)
		return false
	}

	job, _, err := c.api.Jobs.GetJob(c.projectID, jobID, gogitlab.WithContext(ctx))
	if err != nil {
		slog.Warn("gitlab: fetching job", "job_id", jobID, "error", err)
		return false
	}

	if pipelineID == 0 {
		pipelineID = int64(job.Pipeline.ID)
	}

	latest, err := c.latestRunOfJob(ctx, pipelineID, job.Name)
	if err != nil {
		slog.Warn("gitlab: listing pipeline jobs", "pipeline_id", pipelineID, "error", err)
		return false
	}
	if latest == nil {
		return false
	}

	return latest.Status == "running" || latest.Status == "pending"
}

// latestRunOfJob finds the most recently created job named jobName within
// the given pipeline (a retry creates a new job with the same name).
func (c *Client) latestRunOfJob(ctx context.Context, pipelineID int64, jobName string) (*gogitlab.Job, error) {
	opts := &gogitlab.ListJobsOptions{ListOptions: gogitlab.ListOptions{PerPage: 100}}

	var latest *gogitlab.Job
	for {
		jobs, resp, err := c.api.Jobs.ListPipelineJobs(c.projectID, int(pipelineID), opts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.Name != jobName {
				continue
			}
			if latest == nil || j.CreatedAt.After(*latest.CreatedAt) {
				latest = j
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return latest, nil
}
