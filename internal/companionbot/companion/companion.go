// Package companion resolves the cross-repository dependency graph of a
// pull request (spec.md §4.4 Companion Resolver).
package companion

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/companion-bot/companion-bot/internal/companionbot/prid"
)

// PR is the handful of fields the resolver needs about a pull request —
// deliberately smaller than github.PullRequest so this package does not
// depend on the GitHub client's types.
type PR struct {
	Identity prid.Identity
	HeadSHA  string
	Body     string
}

// PRFetcher is the subset of the GitHub client the resolver needs: reading
// a PR's body/head, reading a file at a ref, and finding an open PR for a
// branch.
type PRFetcher interface {
	FetchPR(ctx context.Context, owner, repo string, number int) (PR, error)
	GetContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
	FindOpenPR(ctx context.Context, owner, repo, headBranch string) (PR, bool, error)
}

// CycleError is returned when resolution discovers a companion cycle.
type CycleError struct {
	Path []prid.Identity
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = id.String()
	}
	return fmt.Sprintf("companion cycle: %s", strings.Join(parts, " -> "))
}

// Graph is the directed dependency graph rooted at Root: edge A -> B means
// "A depends on B", i.e. B must merge first. The graph is never persisted;
// it is recomputed on demand (spec.md §3 Companion graph).
type Graph struct {
	Root  prid.Identity
	Edges map[prid.Identity][]prid.Identity
	// Order records the order in which nodes were first discovered, for a
	// deterministic topological sort in the merge cascade.
	Order []prid.Identity
}

// TopoOrder returns the graph's nodes ordered so that every dependency
// precedes its dependents, breaking ties by discovery order.
func (g *Graph) TopoOrder() []prid.Identity {
	visited := make(map[prid.Identity]bool, len(g.Order))
	var out []prid.Identity

	var visit func(id prid.Identity)
	visit = func(id prid.Identity) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.Edges[id] {
			visit(dep)
		}
		out = append(out, id)
	}
	for _, id := range g.Order {
		visit(id)
	}
	return out
}

// Resolver builds a Graph for a starting PR.
type Resolver struct {
	GitHub PRFetcher

	// SourcePrefix/SourceSuffix bound the git source URLs in a dependency
	// manifest that are treated as companion candidates (default
	// "https://github.com" / "" — spec.md §4.4, §6).
	SourcePrefix string
	SourceSuffix string

	// ManifestPath is the dependency manifest to inspect at the PR head
	// (default "Cargo.toml").
	ManifestPath string
}

var companionLinePattern = regexp.MustCompile(`(?i)^companion:\s*(.+)$`)
var shorthandRefPattern = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)#(\d+)$`)
var urlRefPattern = regexp.MustCompile(`^https?://github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)`)

// parseCompanionRef parses a single companion reference, either
// "owner/repo#number" or a GitHub PR URL.
func parseCompanionRef(raw string) (owner, repo string, number int, ok bool) {
	raw = strings.TrimSpace(raw)
	if m := shorthandRefPattern.FindStringSubmatch(raw); m != nil {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return "", "", 0, false
		}
		return m[1], m[2], n, true
	}
	if m := urlRefPattern.FindStringSubmatch(raw); m != nil {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return "", "", 0, false
		}
		return m[1], m[2], n, true
	}
	return "", "", 0, false
}

// companionsFromBody extracts and de-duplicates every "companion: ..." line
// in a PR body.
func companionsFromBody(body string) []prid.Identity {
	seen := map[prid.Identity]bool{}
	var out []prid.Identity
	for _, line := range strings.Split(body, "\n") {
		m := companionLinePattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		owner, repo, number, ok := parseCompanionRef(m[1])
		if !ok {
			continue
		}
		id := prid.Identity{Owner: owner, Repo: repo, Number: number}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// manifestGitDepPattern matches a Cargo.toml dependency entry's git source
// and, if present, its branch pin, e.g.:
//
//	substrate = { git = "https://github.com/paritytech/substrate", branch = "master" }
var manifestGitDepPattern = regexp.MustCompile(`git\s*=\s*"([^"]+)"(?:[^}]*\bbranch\s*=\s*"([^"]+)")?`)

// companionsFromManifest inspects manifest for git dependency entries whose
// source URL is bounded by prefix/suffix and that pin a branch; for each,
// it asks GitHub whether that branch has an open PR in the target repo.
func (r *Resolver) companionsFromManifest(ctx context.Context, manifest string) ([]prid.Identity, error) {
	var out []prid.Identity
	for _, line := range strings.Split(manifest, "\n") {
		m := manifestGitDepPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		url, branch := m[1], m[2]
		if branch == "" {
			continue
		}
		if !strings.HasPrefix(url, r.SourcePrefix) || !strings.HasSuffix(url, r.SourceSuffix) {
			continue
		}
		owner, repo, ok := ownerRepoFromURL(url)
		if !ok {
			continue
		}
		pr, found, err := r.GitHub.FindOpenPR(ctx, owner, repo, branch)
		if err != nil {
			return nil, fmt.Errorf("looking up open PR for %s/%s@%s: %w", owner, repo, branch, err)
		}
		if found {
			out = append(out, pr.Identity)
		}
	}
	return out, nil
}

func ownerRepoFromURL(url string) (owner, repo string, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(url, "https://github.com/"), ".git")
	trimmed = strings.TrimPrefix(trimmed, "http://github.com/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (r *Resolver) manifestPath() string {
	if r.ManifestPath != "" {
		return r.ManifestPath
	}
	return "Cargo.toml"
}

// Resolve transitively resolves every companion of start, producing a DAG
// rooted at start. Edge direction is start -> each of its companions.
// Resolution fails with a *CycleError if a cycle is discovered.
func (r *Resolver) Resolve(ctx context.Context, start PR) (*Graph, error) {
	g := &Graph{Root: start.Identity, Edges: map[prid.Identity][]prid.Identity{}}

	type visitState int
	const (
		unvisited visitState = iota
		visiting
		done
	)
	state := map[prid.Identity]visitState{}
	var path []prid.Identity

	var visit func(pr PR) error
	visit = func(pr PR) error {
		id := pr.Identity
		switch state[id] {
		case visiting:
			cyclePath := append(append([]prid.Identity{}, path...), id)
			return &CycleError{Path: cyclePath}
		case done:
			return nil
		}

		state[id] = visiting
		path = append(path, id)
		g.Order = append(g.Order, id)

		deps := companionsFromBody(pr.Body)
		manifest, err := r.GitHub.GetContents(ctx, id.Owner, id.Repo, r.manifestPath(), pr.HeadSHA)
		if err == nil {
			manifestDeps, mErr := r.companionsFromManifest(ctx, string(manifest))
			if mErr != nil {
				return mErr
			}
			deps = append(deps, manifestDeps...)
		}

		depSet := map[prid.Identity]bool{}
		var uniqueDeps []prid.Identity
		for _, d := range deps {
			if d == id || depSet[d] {
				continue
			}
			depSet[d] = true
			uniqueDeps = append(uniqueDeps, d)
		}
		g.Edges[id] = uniqueDeps

		for _, depID := range uniqueDeps {
			depPR, err := r.GitHub.FetchPR(ctx, depID.Owner, depID.Repo, depID.Number)
			if err != nil {
				return fmt.Errorf("fetching companion %s: %w", depID, err)
			}
			if err := visit(depPR); err != nil {
				return err
			}
		}

		state[id] = done
		path = path[:len(path)-1]
		return nil
	}

	if err := visit(start); err != nil {
		return nil, err
	}
	return g, nil
}
