// Package gitworker performs the git-level side of a merge: cloning,
// rebasing, and dependency-manifest updates, all authenticated with a
// freshly minted GitHub App installation token (spec.md §4.5 Git Worker).
//
// Every operation for a given (owner, repo) is serialized through a
// per-repository mutex so interleaved checkouts can never corrupt a shared
// working tree.
package gitworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/companion-bot/companion-bot/internal/companionbot/retry"
	"github.com/companion-bot/companion-bot/internal/shell"
)

// ErrConflict is returned when a push is rejected as non-fast-forward even
// after one automatic re-fetch and retry.
var ErrConflict = errors.New("git conflict: non-fast-forward push after retry")

const botIdentityName = "parity-processbot"
const botIdentityEmail = "parity-processbot@users.noreply.github.com"

// TokenSource mints a fresh installation access token scoped to (owner,
// repo), used to authenticate the push-over-HTTPS URL.
type TokenSource interface {
	InstallationToken(ctx context.Context, owner, repo string) (string, error)
}

// DependencyHead identifies the merged commit of a companion dependency, so
// update_dependencies knows what each manifest entry should point at.
type DependencyHead struct {
	Owner     string
	Repo      string
	BaseRef   string // the dependency's base branch, e.g. "master"
	MergedSHA string
}

// Worker manages a cache of local clones rooted at Root, one per (owner,
// repo), serializing all operations against a given repository.
type Worker struct {
	Root   string
	Tokens TokenSource

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Worker that caches clones under root.
func New(root string, tokens TokenSource) *Worker {
	return &Worker{Root: root, Tokens: tokens, locks: map[string]*sync.Mutex{}}
}

func (w *Worker) repoLock(owner, repo string) *sync.Mutex {
	key := owner + "/" + repo
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[key]
	if !ok {
		l = &sync.Mutex{}
		w.locks[key] = l
	}
	return l
}

func (w *Worker) path(owner, repo string) string {
	return filepath.Join(w.Root, owner, repo)
}

func (w *Worker) runner(owner, repo string) *shell.Runner {
	return &shell.Runner{Dir: w.path(owner, repo)}
}

// EnsureClone clones (owner, repo) into the cache if it is not already
// present. Idempotent.
func (w *Worker) EnsureClone(ctx context.Context, owner, repo string) error {
	l := w.repoLock(owner, repo)
	l.Lock()
	defer l.Unlock()
	return w.ensureCloneLocked(ctx, owner, repo)
}

func (w *Worker) ensureCloneLocked(ctx context.Context, owner, repo string) error {
	dir := w.path(owner, repo)
	if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
		return nil
	}

	token, err := retry.DoVal(ctx, func() (string, error) {
		return w.Tokens.InstallationToken(ctx, owner, repo)
	}, retryOpts()...)
	if err != nil {
		return fmt.Errorf("minting installation token for clone: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("creating clone parent dir: %w", err)
	}

	r := &shell.Runner{Dir: filepath.Dir(dir)}
	url := authenticatedURL(owner, repo, token)
	if _, err := r.Run(ctx, "git", "clone", url, repo); err != nil {
		return fmt.Errorf("cloning %s/%s: %w", owner, repo, err)
	}
	if _, err := w.runner(owner, repo).Run(ctx, "git", "config", "user.name", botIdentityName); err != nil {
		return fmt.Errorf("configuring git identity: %w", err)
	}
	if _, err := w.runner(owner, repo).Run(ctx, "git", "config", "user.email", botIdentityEmail); err != nil {
		return fmt.Errorf("configuring git identity: %w", err)
	}
	return nil
}

func authenticatedURL(owner, repo, token string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)
}

// Rebase fetches origin, checks out the PR's head, rebases onto the fresh
// tip of baseRef, and force-with-lease pushes the result, per spec.md §4.5.
func (w *Worker) Rebase(ctx context.Context, owner, repo, headRef, baseRef string) (string, error) {
	l := w.repoLock(owner, repo)
	l.Lock()
	defer l.Unlock()

	if err := w.ensureCloneLocked(ctx, owner, repo); err != nil {
		return "", err
	}
	r := w.runner(owner, repo)

	if _, err := r.Run(ctx, "git", "fetch", "origin"); err != nil {
		return "", fmt.Errorf("fetching origin: %w", err)
	}
	if _, err := r.Run(ctx, "git", "checkout", "-B", headRef, "origin/"+headRef); err != nil {
		return "", fmt.Errorf("checking out %s: %w", headRef, err)
	}
	if _, err := r.Run(ctx, "git", "rebase", "origin/"+baseRef); err != nil {
		_, _ = r.Run(ctx, "git", "rebase", "--abort")
		return "", fmt.Errorf("rebasing %s onto %s: %w", headRef, baseRef, err)
	}

	if err := w.pushWithLease(ctx, owner, repo, headRef); err != nil {
		return "", err
	}

	sha, err := r.Run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("reading rebased head: %w", err)
	}
	return strings.TrimSpace(sha), nil
}

// UpdateDependencies rewrites manifest entries in the PR's manifest (by
// default Cargo.toml) that reference one of deps, re-pointing SHA-pinned
// entries at the dependency's merged commit and leaving branch-pinned
// entries alone apart from a lockfile refresh, per spec.md §4.5 and the
// Open Question resolved in SPEC_FULL.md. Commits as the bot identity and
// pushes.
func (w *Worker) UpdateDependencies(ctx context.Context, owner, repo, headRef string, deps []DependencyHead) (string, error) {
	l := w.repoLock(owner, repo)
	l.Lock()
	defer l.Unlock()

	if err := w.ensureCloneLocked(ctx, owner, repo); err != nil {
		return "", err
	}
	r := w.runner(owner, repo)

	if _, err := r.Run(ctx, "git", "fetch", "origin"); err != nil {
		return "", fmt.Errorf("fetching origin: %w", err)
	}
	if _, err := r.Run(ctx, "git", "checkout", "-B", headRef, "origin/"+headRef); err != nil {
		return "", fmt.Errorf("checking out %s: %w", headRef, err)
	}

	manifestPath := filepath.Join(w.path(owner, repo), "Cargo.toml")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("reading manifest: %w", err)
	}

	updated := string(raw)
	var updatedNames []string
	for _, dep := range deps {
		rewritten, changed := rewriteManifestDependency(updated, dep)
		updated = rewritten
		if changed {
			updatedNames = append(updatedNames, dep.Repo)
		}
	}
	branchOnly := len(updatedNames) == 0
	if branchOnly {
		// No SHA pin to rewrite: only the lockfile is refreshed.
		for _, dep := range deps {
			updatedNames = append(updatedNames, dep.Repo)
		}
	} else if err := os.WriteFile(manifestPath, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}
	if err := refreshLockfile(ctx, r); err != nil {
		return "", err
	}
	if branchOnly {
		status, err := r.Run(ctx, "git", "status", "--porcelain", "Cargo.lock")
		if err != nil {
			return "", fmt.Errorf("checking lockfile changes: %w", err)
		}
		if strings.TrimSpace(status) == "" {
			sha, err := r.Run(ctx, "git", "rev-parse", "HEAD")
			return strings.TrimSpace(sha), err
		}
	}

	if _, err := r.Run(ctx, "git", "add", "Cargo.toml", "Cargo.lock"); err != nil {
		return "", fmt.Errorf("staging manifest update: %w", err)
	}
	msg := fmt.Sprintf("Update %s refs", strings.Join(updatedNames, ", "))
	if _, err := r.Run(ctx, "git", "commit", "-m", msg); err != nil {
		return "", fmt.Errorf("committing manifest update: %w", err)
	}

	if err := w.pushWithLease(ctx, owner, repo, headRef); err != nil {
		return "", err
	}

	sha, err := r.Run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("reading updated head: %w", err)
	}
	return strings.TrimSpace(sha), nil
}

// refreshLockfile regenerates Cargo.lock to reflect an edited Cargo.toml,
// without updating unrelated dependencies. Best-effort: if cargo is not on
// PATH the lockfile is left as-is (staged anyway, matching whatever the
// manifest edit produced).
func refreshLockfile(ctx context.Context, r *shell.Runner) error {
	_, err := r.Run(ctx, "cargo", "update", "--workspace")
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
	}
	return nil
}

// pushWithLease pushes headRef with --force-with-lease. On non-fast-forward
// rejection it re-fetches once and retries; a second failure is ErrConflict.
func (w *Worker) pushWithLease(ctx context.Context, owner, repo, headRef string) error {
	token, err := retry.DoVal(ctx, func() (string, error) {
		return w.Tokens.InstallationToken(ctx, owner, repo)
	}, retryOpts()...)
	if err != nil {
		return fmt.Errorf("minting installation token for push: %w", err)
	}
	r := w.runner(owner, repo)
	url := authenticatedURL(owner, repo, token)

	push := func() error {
		_, err := r.Run(ctx, "git", "push", "--force-with-lease", url, "HEAD:"+headRef)
		return err
	}

	if err := push(); err == nil {
		return nil
	}

	if _, err := r.Run(ctx, "git", "fetch", "origin", headRef); err != nil {
		return fmt.Errorf("re-fetching before retrying push: %w", err)
	}
	if err := push(); err != nil {
		return fmt.Errorf("%w: %s", ErrConflict, err)
	}
	return nil
}

// rewriteManifestDependency rewrites the git reference for dep's source
// entry in a Cargo.toml-shaped manifest. An entry pinned with `rev = "<sha>"`
// is re-pointed at dep.MergedSHA; an entry pinned only by `branch = "..."` is
// left untouched (its lockfile gets refreshed by the caller instead), per
// the resolved Open Question on branch-only pins.
func rewriteManifestDependency(manifest string, dep DependencyHead) (string, bool) {
	marker := fmt.Sprintf("/%s\"", dep.Repo)
	lines := strings.Split(manifest, "\n")
	changed := false
	for i, line := range lines {
		if !strings.Contains(line, marker) {
			continue
		}
		if revIdx := strings.Index(line, "rev = \""); revIdx >= 0 {
			rest := line[revIdx+len("rev = \""):]
			end := strings.IndexByte(rest, '"')
			if end < 0 {
				continue
			}
			lines[i] = line[:revIdx] + "rev = \"" + dep.MergedSHA + "\"" + rest[end+1:]
			changed = true
		}
		// branch = "..." entries are intentionally left as-is; only the
		// lockfile is refreshed for those.
	}
	return strings.Join(lines, "\n"), changed
}

// retryOpts mirrors the retry component's upstream-transient policy
// (base 1s, factor 2, cap 30s, max 5 attempts — spec.md §7) for operations
// that call out to GitHub for a fresh installation token before a git
// network operation.
func retryOpts() []retry.Option {
	return []retry.Option{
		retry.WithMaxAttempts(5),
		retry.WithBackoff(1*time.Second, 2*time.Second, 4*time.Second, 8*time.Second),
	}
}
