package ingest

import (
	"context"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/logger"
)

// RepoConfig declares one repository to watch. An empty Branches list
// tracks every branch.
type RepoConfig struct {
	Repository string
	Path       string
	Branches   []string
}

// Poller watches local repositories and emits normalized events when heads
// move, branches appear or disappear, or tags appear. One background
// goroutine iterates all repositories sequentially per pass.
type Poller struct {
	emitter  *Emitter
	interval time.Duration
	log      zerolog.Logger

	mu    sync.RWMutex
	repos map[string]*domain.RepositoryState
}

// NewPoller builds a poller emitting through em every interval.
func NewPoller(em *Emitter, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		emitter:  em,
		interval: interval,
		log:      logger.New("poller"),
		repos:    make(map[string]*domain.RepositoryState),
	}
}

// Watch registers a repository. Safe to call before or after Run.
func (p *Poller) Watch(cfg RepoConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.repos[cfg.Repository] = &domain.RepositoryState{
		Repository:      cfg.Repository,
		Path:            cfg.Path,
		TrackedBranches: cfg.Branches,
		LastCommits:     make(map[string]string),
		KnownBranches:   make(map[string]bool),
		KnownTags:       make(map[string]bool),
	}
}

// Run polls until ctx is cancelled. The in-flight pass finishes before the
// goroutine exits.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("poller stopped")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs a single pass over every watched repository. A repository
// that fails to open is logged and skipped; the pass continues.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, st := range p.repos {
		if err := p.pollRepo(ctx, st); err != nil {
			p.log.Error().Err(err).Str("repository", st.Repository).Msg("poll failed")
		}
		st.LastCheck = time.Now().UTC()
	}
}

func (p *Poller) pollRepo(ctx context.Context, st *domain.RepositoryState) error {
	repo, err := git.PlainOpen(st.Path)
	if err != nil {
		return err
	}

	// the very first pass only seeds the watch state
	seed := st.LastCheck.IsZero()

	branches, err := branchHeads(repo)
	if err != nil {
		return err
	}

	tracked := func(name string) bool {
		if len(st.TrackedBranches) == 0 {
			return true
		}
		for _, b := range st.TrackedBranches {
			if b == name {
				return true
			}
		}
		return false
	}

	for name, hash := range branches {
		if !tracked(name) {
			continue
		}
		prev := st.LastCommits[name]
		if prev == hash.String() {
			continue
		}
		if !seed && prev != "" {
			if err := p.emitCommit(ctx, st, repo, name, hash); err != nil {
				p.log.Error().Err(err).Str("branch", name).Msg("commit event failed")
			}
		}
		st.LastCommits[name] = hash.String()
	}

	p.diffBranches(ctx, st, branches, seed)

	tags, err := tagNames(repo)
	if err != nil {
		return err
	}
	p.diffTags(ctx, st, tags, seed)
	return nil
}

func (p *Poller) emitCommit(ctx context.Context, st *domain.RepositoryState, repo *git.Repository, branch string, hash plumbing.Hash) error {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return err
	}
	_, err = p.emitter.Emit(ctx, &domain.Event{
		Kind:         domain.EventCommit,
		Repository:   st.Repository,
		Timestamp:    commit.Author.When,
		Branch:       branch,
		CommitHash:   hash.String(),
		Author:       commit.Author.Name,
		Message:      strings.TrimSpace(commit.Message),
		FilesChanged: changedFiles(commit),
	})
	return err
}

// changedFiles lists the paths a commit touched. A root commit has no
// parent to diff against and reports no changed files rather than the
// whole tree.
func changedFiles(commit *object.Commit) []string {
	if commit.NumParents() == 0 {
		return nil
	}
	stats, err := commit.Stats()
	if err != nil {
		return nil
	}
	var files []string
	for _, fs := range stats {
		files = append(files, fs.Name)
	}
	return files
}

func (p *Poller) diffBranches(ctx context.Context, st *domain.RepositoryState, current map[string]plumbing.Hash, seed bool) {
	now := time.Now().UTC()
	for name := range current {
		if !st.KnownBranches[name] {
			st.KnownBranches[name] = true
			if !seed {
				p.emit(ctx, domain.EventBranchCreate, st.Repository, name, now)
			}
		}
	}
	for name := range st.KnownBranches {
		if _, ok := current[name]; !ok {
			delete(st.KnownBranches, name)
			delete(st.LastCommits, name)
			if !seed {
				p.emit(ctx, domain.EventBranchDelete, st.Repository, name, now)
			}
		}
	}
}

func (p *Poller) diffTags(ctx context.Context, st *domain.RepositoryState, current map[string]bool, seed bool) {
	now := time.Now().UTC()
	for name := range current {
		if !st.KnownTags[name] {
			st.KnownTags[name] = true
			if !seed {
				p.emit(ctx, domain.EventTagCreate, st.Repository, name, now)
			}
		}
	}
}

func (p *Poller) emit(ctx context.Context, kind domain.EventKind, repository, ref string, ts time.Time) {
	if _, err := p.emitter.Emit(ctx, &domain.Event{
		Kind:       kind,
		Repository: repository,
		Timestamp:  ts,
		Branch:     ref,
	}); err != nil {
		p.log.Error().Err(err).Str("kind", string(kind)).Str("ref", ref).Msg("event emit failed")
	}
}

// Status summarizes the poller for the dashboard surface.
type Status struct {
	MonitoredCount int          `json:"monitored_count"`
	Repositories   []RepoStatus `json:"repositories"`
}

// RepoStatus is one repository's watch state.
type RepoStatus struct {
	Repository string    `json:"repository"`
	Branches   int       `json:"branches"`
	Tags       int       `json:"tags"`
	LastCheck  time.Time `json:"last_check"`
}

// Status reports the current watch state.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Status{MonitoredCount: len(p.repos)}
	for _, st := range p.repos {
		s.Repositories = append(s.Repositories, RepoStatus{
			Repository: st.Repository,
			Branches:   len(st.KnownBranches),
			Tags:       len(st.KnownTags),
			LastCheck:  st.LastCheck,
		})
	}
	return s
}

func branchHeads(repo *git.Repository) (map[string]plumbing.Hash, error) {
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	heads := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		heads[ref.Name().Short()] = ref.Hash()
		return nil
	})
	return heads, err
}

func tagNames(repo *git.Repository) (map[string]bool, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	tags := make(map[string]bool)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		tags[ref.Name().Short()] = true
		return nil
	})
	return tags, err
}
