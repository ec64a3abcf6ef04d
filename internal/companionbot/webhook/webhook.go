// Package webhook is the GitHub webhook HTTP endpoint: it validates the
// delivery signature, decodes the event payload, and dispatches it to the
// Merge Orchestrator (spec.md §4.7 Event-driven inputs).
package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	gh "github.com/google/go-github/v68/github"

	"github.com/companion-bot/companion-bot/internal/companionbot/orchestrator"
)

// Orchestrator is the subset of orchestrator.Orchestrator the handler calls.
type Orchestrator interface {
	HandleIssueComment(ctx context.Context, evt orchestrator.IssueComment) error
	HandleStatusOrCheck(ctx context.Context, evt orchestrator.StatusOrCheck) error
}

// Handler is an http.Handler that serves one GitHub App webhook endpoint.
type Handler struct {
	Secret       []byte
	Orchestrator Orchestrator
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	eventType := r.Header.Get("X-GitHub-Event")

	if err := gh.ValidateSignature(r.Header.Get("X-Hub-Signature-256"), body, h.Secret); err != nil {
		slog.Warn("webhook signature mismatch", "delivery", deliveryID, "event", eventType, "error", err)
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	event, err := gh.ParseWebHook(eventType, body)
	if err != nil {
		slog.Warn("webhook payload decode failed", "delivery", deliveryID, "event", eventType, "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	// Respond before running the cascade: a merge can take long enough
	// (GitLab retry lookups, git pushes) that GitHub's own delivery timeout
	// would otherwise mark this as a failed webhook.
	w.WriteHeader(http.StatusAccepted)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("webhook handler panic", "delivery", deliveryID, "event", eventType, "panic", p)
			}
		}()
		if err := h.dispatch(context.Background(), deliveryID, event); err != nil {
			slog.Warn("webhook dispatch failed", "delivery", deliveryID, "event", eventType, "error", err)
		}
	}()
}

func (h *Handler) dispatch(ctx context.Context, deliveryID string, event any) error {
	switch e := event.(type) {
	case *gh.IssueCommentEvent:
		if e.GetAction() != "created" {
			return nil
		}
		return h.Orchestrator.HandleIssueComment(ctx, orchestrator.IssueComment{
			Owner:          e.GetRepo().GetOwner().GetLogin(),
			Repo:           e.GetRepo().GetName(),
			Number:         e.GetIssue().GetNumber(),
			CommentID:      e.GetComment().GetID(),
			CommentBody:    e.GetComment().GetBody(),
			CommenterLogin: e.GetComment().GetUser().GetLogin(),
		})

	case *gh.StatusEvent:
		return h.Orchestrator.HandleStatusOrCheck(ctx, orchestrator.StatusOrCheck{SHA: e.GetSHA()})

	case *gh.CheckRunEvent:
		return h.Orchestrator.HandleStatusOrCheck(ctx, orchestrator.StatusOrCheck{SHA: e.GetCheckRun().GetHeadSHA()})

	case *gh.WorkflowJobEvent:
		return h.Orchestrator.HandleStatusOrCheck(ctx, orchestrator.StatusOrCheck{SHA: e.GetWorkflowJob().GetHeadSHA()})

	default:
		slog.Debug("webhook ignoring event", "delivery", deliveryID, "type", eventType(event))
		return nil
	}
}

func eventType(event any) string {
	switch event.(type) {
	case *gh.PingEvent:
		return "ping"
	default:
		return "unhandled"
	}
}
