package actors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
	"go.uber.org/zap"
)

const maxActorDocumentSize = 1 << 20

// Store is the durable copy of local accounts and fetched remote actors.
type Store interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
	ReadRemoteAccountByURI(ctx context.Context, uri string) (*domain.Actor, error)
	ReadRemoteAccountByHandle(ctx context.Context, username, domainName string) (*domain.Actor, error)
	UpsertRemoteAccount(ctx context.Context, actor *domain.Actor) error
}

// Resolver turns handles and URIs into actor profiles. Remote lookups go
// through the cache, then the stored copy, then the network.
type Resolver struct {
	store           Store
	cache           Cache
	client          *http.Client
	links           activitypub.Links
	ttl             time.Duration
	log             *zap.SugaredLogger
	now             func() time.Time
	webfingerScheme string
}

type Option func(*Resolver)

func WithCache(c Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithTTL bounds how long a stored remote actor counts as fresh.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithWebFingerScheme overrides https for discovery requests.
func WithWebFingerScheme(scheme string) Option {
	return func(r *Resolver) { r.webfingerScheme = scheme }
}

func NewResolver(store Store, links activitypub.Links, log *zap.SugaredLogger, opts ...Option) *Resolver {
	r := &Resolver{
		store:           store,
		client:          &http.Client{Timeout: 10 * time.Second},
		links:           links,
		ttl:             24 * time.Hour,
		log:             log,
		now:             time.Now,
		webfingerScheme: "https",
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewMemoryCache(r.ttl)
	}
	return r
}

// IsLocal reports whether the actor URI is hosted on this node.
func (r *Resolver) IsLocal(actorURI string) bool {
	return r.links.IsLocal(actorURI)
}

// splitHandle accepts "user", "@user", "user@domain", "@user@domain" and "acct:user@domain".
func splitHandle(handle string) (username, domainName string) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "acct:")
	handle = strings.TrimPrefix(handle, "@")
	username, domainName, _ = strings.Cut(handle, "@")
	return strings.ToLower(username), strings.ToLower(domainName)
}

// ResolveLocal looks up an account hosted on this node.
func (r *Resolver) ResolveLocal(ctx context.Context, handle string) (*domain.Actor, error) {
	username, domainName := splitHandle(handle)
	if username == "" || (domainName != "" && !strings.EqualFold(domainName, r.links.Domain)) {
		return nil, fmt.Errorf("%w: %s is not a local handle", domain.ErrNotFound, handle)
	}
	acc, err := r.store.ReadAccByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.log.Warnf("ActorResolver: local lookup of %s failed: %v", username, err)
		}
		return nil, fmt.Errorf("%w: local actor %s", domain.ErrNotFound, username)
	}
	return activitypub.LocalActor(r.links, acc), nil
}

// ResolveRemote discovers user@domain through webfinger and fetches the actor.
// Every failure comes back as ErrNotFound with the cause logged.
func (r *Resolver) ResolveRemote(ctx context.Context, handle string) (*domain.Actor, error) {
	username, domainName := splitHandle(handle)
	if username == "" || domainName == "" {
		return nil, fmt.Errorf("%w: malformed handle %q", domain.ErrNotFound, handle)
	}
	if strings.EqualFold(domainName, r.links.Domain) {
		return r.ResolveLocal(ctx, username)
	}

	key := handleKey(username, domainName)
	if actor, ok := r.cache.Get(ctx, key); ok {
		return actor, nil
	}
	stored, err := r.store.ReadRemoteAccountByHandle(ctx, username, domainName)
	if err == nil && r.fresh(stored) {
		r.remember(ctx, stored)
		return stored, nil
	}

	actorURI, err := r.webfinger(ctx, username, domainName)
	if err != nil {
		r.log.Warnf("ActorResolver: webfinger for %s@%s failed: %v", username, domainName, err)
		return r.fallback(stored, handle)
	}
	actor, err := r.fetch(ctx, actorURI)
	if err != nil {
		r.log.Warnf("ActorResolver: fetching %s failed: %v", actorURI, err)
		return r.fallback(stored, handle)
	}
	return actor, nil
}

// ResolveURI resolves an actor by its id.
func (r *Resolver) ResolveURI(ctx context.Context, actorURI string) (*domain.Actor, error) {
	if r.IsLocal(actorURI) {
		username, ok := r.links.Username(actorURI)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a local actor", domain.ErrNotFound, actorURI)
		}
		return r.ResolveLocal(ctx, username)
	}

	if actor, ok := r.cache.Get(ctx, actorURI); ok {
		return actor, nil
	}
	stored, err := r.store.ReadRemoteAccountByURI(ctx, actorURI)
	if err == nil && r.fresh(stored) {
		r.remember(ctx, stored)
		return stored, nil
	}

	actor, err := r.fetch(ctx, actorURI)
	if err != nil {
		r.log.Warnf("ActorResolver: fetching %s failed: %v", actorURI, err)
		return r.fallback(stored, actorURI)
	}
	return actor, nil
}

// Refresh refetches a remote actor, bypassing every cached copy.
func (r *Resolver) Refresh(ctx context.Context, actorURI string) (*domain.Actor, error) {
	if r.IsLocal(actorURI) {
		return r.ResolveURI(ctx, actorURI)
	}
	r.cache.Delete(ctx, actorURI)
	actor, err := r.fetch(ctx, actorURI)
	if err != nil {
		r.log.Warnf("ActorResolver: refreshing %s failed: %v", actorURI, err)
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, actorURI)
	}
	r.log.Infof("ActorResolver: Refreshed %s", actorURI)
	return actor, nil
}

// Placeholder is the minimal profile shown when an actor cannot be resolved.
func (r *Resolver) Placeholder(actorURI string) *domain.Actor {
	username := activitypub.ExtractUsername(actorURI)
	domainName, _ := activitypub.ExtractDomain(actorURI)
	return &domain.Actor{
		URI:         actorURI,
		Username:    username,
		Domain:      domainName,
		DisplayName: username,
		IsLocal:     r.IsLocal(actorURI),
		Placeholder: true,
	}
}

// ActorOrPlaceholder never fails; unresolvable actors degrade to a placeholder.
func (r *Resolver) ActorOrPlaceholder(ctx context.Context, actorURI string) *domain.Actor {
	actor, err := r.ResolveURI(ctx, actorURI)
	if err != nil {
		return r.Placeholder(actorURI)
	}
	return actor
}

func (r *Resolver) fresh(actor *domain.Actor) bool {
	return r.now().Sub(actor.LastFetchedAt) < r.ttl
}

// fallback serves a stale stored copy when the network fails.
func (r *Resolver) fallback(stored *domain.Actor, ref string) (*domain.Actor, error) {
	if stored != nil {
		r.log.Debugf("ActorResolver: serving stale copy of %s", stored.URI)
		return stored, nil
	}
	return nil, fmt.Errorf("%w: actor %s", domain.ErrNotFound, ref)
}

func (r *Resolver) remember(ctx context.Context, actor *domain.Actor) {
	r.cache.Set(ctx, actor.URI, actor)
	r.cache.Set(ctx, handleKey(strings.ToLower(actor.Username), strings.ToLower(actor.Domain)), actor)
}

func (r *Resolver) webfinger(ctx context.Context, username, domainName string) (string, error) {
	endpoint := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s",
		r.webfingerScheme, domainName, url.QueryEscape("acct:"+username+"@"+domainName))
	body, err := activitypub.FetchDocument(ctx, r.client, endpoint, "application/jrd+json, application/json", maxActorDocumentSize)
	if err != nil {
		return "", err
	}
	var jrd activitypub.WebFingerResponse
	if err := json.Unmarshal(body, &jrd); err != nil {
		return "", fmt.Errorf("malformed webfinger response: %w", err)
	}
	href, ok := jrd.SelfLink()
	if !ok {
		return "", fmt.Errorf("webfinger response has no self link")
	}
	return href, nil
}

func (r *Resolver) fetch(ctx context.Context, actorURI string) (*domain.Actor, error) {
	body, err := activitypub.FetchDocument(ctx, r.client, actorURI, activitypub.ContentType, maxActorDocumentSize)
	if err != nil {
		return nil, err
	}
	actor, err := activitypub.ParseActor(body, r.now())
	if err != nil {
		return nil, err
	}
	if actor.URI != actorURI {
		r.log.Debugf("ActorResolver: %s answered with canonical id %s", actorURI, actor.URI)
	}
	if err := r.store.UpsertRemoteAccount(ctx, actor); err != nil {
		r.log.Errorf("ActorResolver: failed to store %s: %v", actor.URI, err)
	}
	r.remember(ctx, actor)
	if actor.URI != actorURI {
		r.cache.Set(ctx, actorURI, actor)
	}
	return actor, nil
}
