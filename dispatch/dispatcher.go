package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
	"github.com/deemkeen/fedicore/notify"
	"go.uber.org/zap"
)

// Queue is the delivery queue the dispatcher feeds.
type Queue interface {
	Enqueue(ctx context.Context, activityID, inboxURL, targetActor, senderActor string) (*domain.DeliveryQueueItem, error)
	AttemptImmediate(ctx context.Context, item *domain.DeliveryQueueItem) bool
}

type ActorDirectory interface {
	ResolveURI(ctx context.Context, uri string) (*domain.Actor, error)
}

type FollowerSource interface {
	Followers(ctx context.Context, actor string) ([]string, error)
}

const backgroundTimeout = time.Minute

// Dispatcher turns the events returned by state changes into queued
// deliveries and notifications.
type Dispatcher struct {
	queue     Queue
	actors    ActorDirectory
	followers FollowerSource
	notifier  notify.Transport
	links     activitypub.Links
	log       *zap.SugaredLogger
	immediate bool
	wg        sync.WaitGroup
}

type Option func(*Dispatcher)

// WithoutImmediateAttempt leaves every delivery to the worker.
func WithoutImmediateAttempt() Option {
	return func(d *Dispatcher) { d.immediate = false }
}

func NewDispatcher(queue Queue, actors ActorDirectory, followers FollowerSource, notifier notify.Transport, links activitypub.Links, log *zap.SugaredLogger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:     queue,
		actors:    actors,
		followers: followers,
		notifier:  notifier,
		links:     links,
		log:       log,
		immediate: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch enqueues deliveries and fires notifications. It never fails: a
// recipient that cannot be resolved is logged and skipped. The work is
// detached from ctx's cancellation so an aborted request keeps its effects.
func (d *Dispatcher) Dispatch(ctx context.Context, events []domain.Event) {
	ctx = context.WithoutCancel(ctx)
	for _, ev := range events {
		switch ev.Kind {
		case domain.EventDeliver:
			d.deliver(ctx, ev)
		case domain.EventNotify:
			if ev.Notification != nil {
				d.notify(ctx, *ev.Notification)
			}
		}
	}
}

// Wait blocks until background sends started by Dispatch have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.Event) {
	targets := d.inboxes(ctx, ev)
	if len(targets) == 0 {
		d.log.Debugf("Dispatch: No remote recipients for %s %s", ev.ActivityType, ev.ActivityID)
		return
	}

	queued := 0
	for _, t := range targets {
		item, err := d.queue.Enqueue(ctx, ev.ActivityID, t.inbox, t.actor, ev.Actor)
		if err != nil {
			d.log.Warnf("Dispatch: Failed to queue delivery to %s: %v", t.inbox, err)
			continue
		}
		queued++
		if !d.immediate {
			continue
		}
		d.background(ctx, func(ctx context.Context) {
			d.queue.AttemptImmediate(ctx, item)
		})
	}
	d.log.Infof("Dispatch: Queued %s %s to %d inboxes", ev.ActivityType, ev.ActivityID, queued)
}

func (d *Dispatcher) notify(ctx context.Context, n domain.Notification) {
	if d.notifier == nil {
		return
	}
	d.background(ctx, func(ctx context.Context) {
		if err := d.notifier.Send(ctx, n); err != nil {
			d.log.Warnf("Dispatch: Failed to send %s notification to %s: %v", n.Type, n.RecipientActor, err)
		}
	})
}

func (d *Dispatcher) background(ctx context.Context, fn func(context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

type target struct {
	inbox string
	actor string
}

// inboxes expands the recipients of ev into distinct remote inboxes, in the
// order they were first seen. Local followers collections expand to their
// members; remote collections and local actors need no delivery.
func (d *Dispatcher) inboxes(ctx context.Context, ev domain.Event) []target {
	var actors []string
	for _, r := range ev.Recipients {
		switch {
		case r == "" || domain.IsPublicCollection(r):
		case domain.IsFollowersCollection(r):
			owner := strings.TrimSuffix(r, "/followers")
			if !d.links.IsLocal(owner) {
				continue
			}
			members, err := d.followers.Followers(ctx, owner)
			if err != nil {
				d.log.Warnf("Dispatch: Failed to expand %s: %v", r, err)
				continue
			}
			actors = append(actors, members...)
		default:
			actors = append(actors, r)
		}
	}

	seenActor := make(map[string]bool, len(actors))
	seenInbox := make(map[string]bool, len(actors))
	var out []target
	for _, uri := range actors {
		if seenActor[uri] || uri == ev.Actor || d.links.IsLocal(uri) {
			continue
		}
		seenActor[uri] = true
		actor, err := d.actors.ResolveURI(ctx, uri)
		if err != nil {
			d.log.Warnf("Dispatch: Skipping unresolvable recipient %s: %v", uri, err)
			continue
		}
		inbox := actor.DeliveryInbox()
		if inbox == "" || seenInbox[inbox] {
			continue
		}
		seenInbox[inbox] = true
		out = append(out, target{inbox: inbox, actor: uri})
	}
	return out
}
