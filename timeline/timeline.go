package timeline

import (
	"context"
	"fmt"
	"net/url"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
	"github.com/deemkeen/fedicore/objects"
	"go.uber.org/zap"
)

// ObjectStore is the read and write surface timelines are composed from.
type ObjectStore interface {
	Create(ctx context.Context, actor string, in *domain.ObjectInput) (*domain.Object, []domain.Event, error)
	Timeline(ctx context.Context, f domain.ObjectFilter, cursor string) (*objects.Page, error)
	GetThread(ctx context.Context, contextID string) ([]domain.Object, error)
}

type FollowGraph interface {
	Following(ctx context.Context, actor string) ([]string, error)
}

type Profiles interface {
	ActorOrPlaceholder(ctx context.Context, uri string) *domain.Actor
}

// Thread identifies a direct-message conversation.
type Thread struct {
	ID           string
	Context      string
	Participants []string
}

// Entry is an object of a conversation with its author's profile.
type Entry struct {
	Object domain.Object
	Author *domain.Actor
}

var audienceVisibilities = []domain.Visibility{
	domain.VisibilityPublic,
	domain.VisibilityUnlisted,
	domain.VisibilityFollowers,
}

type Service struct {
	objects  ObjectStore
	graph    FollowGraph
	profiles Profiles
	links    activitypub.Links
	log      *zap.SugaredLogger
}

func NewService(store ObjectStore, graph FollowGraph, profiles Profiles, links activitypub.Links, log *zap.SugaredLogger) *Service {
	return &Service{
		objects:  store,
		graph:    graph,
		profiles: profiles,
		links:    links,
		log:      log,
	}
}

// ThreadID is the order independent identity of a participant set.
func ThreadID(participants []string) string {
	return domain.ThreadHash(participants)
}

// OpenThread returns the conversation between sender and participants. The
// sender always belongs to the participant set.
func (s *Service) OpenThread(sender string, participants []string) (*Thread, error) {
	members := domain.CanonicalParticipants(append([]string{sender}, participants...))
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a conversation needs another participant", domain.ErrInvalidInput)
	}
	for _, m := range members {
		if u, err := url.Parse(m); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: participant %q is not an actor uri", domain.ErrInvalidInput, m)
		}
	}
	id := ThreadID(members)
	return &Thread{
		ID:           id,
		Context:      s.links.Context("dm-" + id),
		Participants: members,
	}, nil
}

// SendDirectMessage posts a direct message into the thread of its participants.
func (s *Service) SendDirectMessage(ctx context.Context, sender string, participants []string, in *domain.ObjectInput) (*domain.Object, []domain.Event, error) {
	thread, err := s.OpenThread(sender, participants)
	if err != nil {
		return nil, nil, err
	}
	if in == nil {
		in = &domain.ObjectInput{}
	}
	msg := *in
	if msg.Type == "" {
		msg.Type = domain.TypeNote
	}
	msg.Visibility = domain.VisibilityDirect
	msg.Context = thread.Context
	msg.Cc, msg.Bto, msg.Bcc = nil, nil, nil
	msg.To = nil
	for _, p := range thread.Participants {
		if p != sender {
			msg.To = append(msg.To, p)
		}
	}
	return s.objects.Create(ctx, sender, &msg)
}

// Conversation returns a thread oldest first. Authors that cannot be resolved
// are shown as placeholders.
func (s *Service) Conversation(ctx context.Context, contextID string) ([]Entry, error) {
	items, err := s.objects.GetThread(ctx, contextID)
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*domain.Actor)
	entries := make([]Entry, 0, len(items))
	for _, obj := range items {
		author, ok := profiles[obj.Actor]
		if !ok {
			author = s.profiles.ActorOrPlaceholder(ctx, obj.Actor)
			profiles[obj.Actor] = author
		}
		entries = append(entries, Entry{Object: obj, Author: author})
	}
	return entries, nil
}

// Home shows what viewer follows plus anything addressed to viewer.
func (s *Service) Home(ctx context.Context, viewer, cursor string) (*objects.Page, error) {
	following, err := s.graph.Following(ctx, viewer)
	if err != nil {
		return nil, err
	}
	return s.objects.Timeline(ctx, domain.ObjectFilter{
		Actors:       append(following, viewer),
		Visibilities: audienceVisibilities,
		AddressedTo:  viewer,
	}, cursor)
}

// Public lists public posts, optionally only those authored here.
func (s *Service) Public(ctx context.Context, localOnly bool, cursor string) (*objects.Page, error) {
	f := domain.ObjectFilter{Visibilities: []domain.Visibility{domain.VisibilityPublic}}
	if localOnly {
		local := true
		f.IsLocal = &local
	}
	return s.objects.Timeline(ctx, f, cursor)
}

// Community lists the posts scoped to a community context. Remote copies of
// community posts arrive looking direct, so both visibilities match.
func (s *Service) Community(ctx context.Context, communityContext, cursor string) (*objects.Page, error) {
	if communityContext == "" {
		return nil, fmt.Errorf("%w: empty community", domain.ErrInvalidInput)
	}
	return s.objects.Timeline(ctx, domain.ObjectFilter{
		Context:      communityContext,
		Visibilities: []domain.Visibility{domain.VisibilityCommunity, domain.VisibilityDirect},
	}, cursor)
}

// List shows the posts of list members that viewer follows.
func (s *Service) List(ctx context.Context, viewer string, members []string, cursor string) (*objects.Page, error) {
	following, err := s.graph.Following(ctx, viewer)
	if err != nil {
		return nil, err
	}
	followed := make(map[string]bool, len(following))
	for _, f := range following {
		followed[f] = true
	}
	var actors []string
	for _, m := range domain.CanonicalParticipants(members) {
		if followed[m] {
			actors = append(actors, m)
		}
	}
	if len(actors) == 0 {
		return &objects.Page{}, nil
	}
	return s.objects.Timeline(ctx, domain.ObjectFilter{
		Actors:       actors,
		Visibilities: audienceVisibilities,
	}, cursor)
}
