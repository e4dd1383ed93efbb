package collector

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tokenexporter.org/internal/gitlab"
	"tokenexporter.org/internal/obs"
	"tokenexporter.org/internal/pathcache"
	"tokenexporter.org/internal/token"
)

// ProjectAPI is the part of the GitLab client the project scan needs.
type ProjectAPI interface {
	Projects(ctx context.Context, ownedOnly bool) iter.Seq2[[]gitlab.Project, error]
	ProjectTokens(ctx context.Context, projectID int) ([]gitlab.AccessToken, error)
}

// GroupAPI is the part of the GitLab client the group scan needs.
type GroupAPI interface {
	Groups(ctx context.Context, ownedOnly bool) iter.Seq2[[]gitlab.Group, error]
	GroupTokens(ctx context.Context, groupID int) ([]gitlab.AccessToken, error)
	Group(ctx context.Context, groupID int) (gitlab.Group, error)
}

// UserAPI is the part of the GitLab client the user scan needs.
type UserAPI interface {
	CurrentUser(ctx context.Context) (gitlab.User, error)
	Users(ctx context.Context) iter.Seq2[[]gitlab.User, error]
	UserTokens(ctx context.Context, userID int) ([]gitlab.PersonalAccessToken, error)
}

// ScanOptions are shared by the three domain scans.
type ScanOptions struct {
	OwnedOnly bool
	// Fanout bounds the goroutines fetching tokens within one domain. The
	// client's semaphore still bounds the requests actually in flight.
	Fanout int
	Logger *zap.SugaredLogger
}

func (o ScanOptions) fanout() int {
	if o.Fanout <= 0 {
		return 10
	}
	return o.Fanout
}

func (o ScanOptions) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

func (o ScanOptions) fetched(ctx context.Context, ref token.EntityRef, n int) {
	obs.LoggerFrom(ctx, o.logger()).Debugw("entity tokens fetched",
		"entity", ref.Kind.String(), "id", ref.ID, "path", ref.Path, "owned", ref.Owned, "tokens", n)
}

// sink collects tokens from concurrent fetches.
type sink struct {
	mu     sync.Mutex
	tokens []token.Token
}

func (s *sink) add(ts ...token.Token) {
	s.mu.Lock()
	s.tokens = append(s.tokens, ts...)
	s.mu.Unlock()
}

// scan walks pages, starting one fetch per entity. The first failure, from the
// listing or from any fetch, ends the domain.
func scan[E any](ctx context.Context, fanout int, pages func(context.Context) iter.Seq2[[]E, error], fetch func(context.Context, E) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for batch, err := range pages(gctx) {
		if err != nil {
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return err
		}
		for _, e := range batch {
			g.Go(func() error { return fetch(gctx, e) })
		}
	}
	return g.Wait()
}

// ProjectSource scans project access tokens.
type ProjectSource struct {
	api  ProjectAPI
	opts ScanOptions
}

func NewProjectSource(api ProjectAPI, opts ScanOptions) *ProjectSource {
	return &ProjectSource{api: api, opts: opts}
}

func (s *ProjectSource) Name() string { return token.EntityProject.String() }

func (s *ProjectSource) Scan(ctx context.Context, cache *pathcache.Cache) ([]token.Token, error) {
	var out sink
	err := scan(ctx, s.opts.fanout(),
		func(ctx context.Context) iter.Seq2[[]gitlab.Project, error] {
			return s.api.Projects(ctx, s.opts.OwnedOnly)
		},
		func(ctx context.Context, p gitlab.Project) error {
			path, err := cache.Resolve(ctx, token.EntityProject, p.ID, func(context.Context) (string, error) {
				if p.PathWithNamespace == "" {
					return "", fmt.Errorf("project %d has no path_with_namespace", p.ID)
				}
				return p.PathWithNamespace, nil
			})
			if err != nil {
				return err
			}
			raw, err := s.api.ProjectTokens(ctx, p.ID)
			if err != nil {
				return fmt.Errorf("project %d tokens: %w", p.ID, err)
			}
			ref := token.EntityRef{ID: p.ID, Kind: token.EntityProject, Path: path, WebURL: p.WebURL, Owned: s.opts.OwnedOnly}
			for _, at := range raw {
				out.add(at.ToToken(ref))
			}
			s.opts.fetched(ctx, ref, len(raw))
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out.tokens, nil
}

// GroupSource scans group access tokens.
type GroupSource struct {
	api  GroupAPI
	opts ScanOptions
}

func NewGroupSource(api GroupAPI, opts ScanOptions) *GroupSource {
	return &GroupSource{api: api, opts: opts}
}

func (s *GroupSource) Name() string { return token.EntityGroup.String() }

func (s *GroupSource) Scan(ctx context.Context, cache *pathcache.Cache) ([]token.Token, error) {
	var out sink
	err := scan(ctx, s.opts.fanout(),
		func(ctx context.Context) iter.Seq2[[]gitlab.Group, error] {
			return seedGroups(cache, s.api.Groups(ctx, s.opts.OwnedOnly))
		},
		func(ctx context.Context, g gitlab.Group) error {
			path, err := s.resolvePath(ctx, cache, g)
			if err != nil {
				return err
			}
			raw, err := s.api.GroupTokens(ctx, g.ID)
			if err != nil {
				return fmt.Errorf("group %d tokens: %w", g.ID, err)
			}
			ref := token.EntityRef{ID: g.ID, Kind: token.EntityGroup, Path: path, WebURL: g.WebURL, Owned: s.opts.OwnedOnly}
			for _, at := range raw {
				out.add(at.ToToken(ref))
			}
			s.opts.fetched(ctx, ref, len(raw))
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out.tokens, nil
}

// seedGroups records every listed full_path before the batch is fetched, so
// parent walks for groups listed without one stop at a known ancestor.
func seedGroups(cache *pathcache.Cache, pages iter.Seq2[[]gitlab.Group, error]) iter.Seq2[[]gitlab.Group, error] {
	return func(yield func([]gitlab.Group, error) bool) {
		for batch, err := range pages {
			for _, g := range batch {
				if g.FullPath != "" {
					cache.Seed(token.EntityGroup, g.ID, g.FullPath)
				}
			}
			if !yield(batch, err) {
				return
			}
		}
	}
}

// resolvePath prefers full_path as listed, then as fetched, and only walks
// parent_id when GitLab returns neither.
func (s *GroupSource) resolvePath(ctx context.Context, cache *pathcache.Cache, g gitlab.Group) (string, error) {
	return cache.Resolve(ctx, token.EntityGroup, g.ID, func(ctx context.Context) (string, error) {
		if g.FullPath != "" {
			return g.FullPath, nil
		}
		full, err := s.api.Group(ctx, g.ID)
		if err != nil {
			return "", err
		}
		if full.FullPath != "" {
			return full.FullPath, nil
		}
		if full.ParentID == nil {
			return full.Path, nil
		}
		parent, err := s.resolvePath(ctx, cache, gitlab.Group{ID: *full.ParentID})
		if err != nil {
			return "", err
		}
		return parent + "/" + full.Path, nil
	})
}

// botUsername matches the service accounts GitLab creates for project and
// group access tokens.
var botUsername = regexp.MustCompile(`(project|group)_[0-9]+_bot_[0-9a-f]{32,}`)

// UserSource scans personal access tokens. It needs an administrator
// credential; with any other credential it logs a warning and finds nothing.
type UserSource struct {
	api  UserAPI
	opts ScanOptions
	skip bool
}

func NewUserSource(api UserAPI, opts ScanOptions, skip bool) *UserSource {
	return &UserSource{api: api, opts: opts, skip: skip}
}

func (s *UserSource) Name() string { return token.EntityUser.String() }

func (s *UserSource) Scan(ctx context.Context, cache *pathcache.Cache) ([]token.Token, error) {
	if s.skip {
		return nil, nil
	}
	log := obs.LoggerFrom(ctx, s.opts.logger())

	me, err := s.api.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	if !me.IsAdmin {
		log.Warnw("credential is not an administrator, user tokens are not collected", "username", me.Username)
		return nil, nil
	}

	var out sink
	err = scan(ctx, s.opts.fanout(),
		func(ctx context.Context) iter.Seq2[[]gitlab.User, error] { return s.api.Users(ctx) },
		func(ctx context.Context, u gitlab.User) error {
			if botUsername.MatchString(u.Username) {
				return nil
			}
			path, err := cache.Resolve(ctx, token.EntityUser, u.ID, func(context.Context) (string, error) {
				if u.Username == "" {
					return "", fmt.Errorf("user %d has no username", u.ID)
				}
				return u.Username, nil
			})
			if err != nil {
				return err
			}
			raw, err := s.api.UserTokens(ctx, u.ID)
			if err != nil {
				return fmt.Errorf("user %d tokens: %w", u.ID, err)
			}
			ref := token.EntityRef{ID: u.ID, Kind: token.EntityUser, Path: path, WebURL: u.WebURL}
			for _, pat := range raw {
				if pat.UserID != 0 && pat.UserID != u.ID {
					continue
				}
				out.add(pat.ToToken(ref))
			}
			s.opts.fetched(ctx, ref, len(raw))
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out.tokens, nil
}
