package domain

import (
	"time"

	"github.com/google/uuid"
)

type FollowStatus string

const (
	FollowPending  FollowStatus = "pending"
	FollowAccepted FollowStatus = "accepted"
	FollowRejected FollowStatus = "rejected"
)

type Direction string

const (
	// Outbound records are owned by the local follower.
	Outbound Direction = "outbound"
	// Inbound records are owned by the local followee.
	Inbound Direction = "inbound"
)

// Relationship is one side of a follow edge from SubjectActor to ObjectActor.
type Relationship struct {
	Id           uuid.UUID
	Direction    Direction
	SubjectActor string
	ObjectActor  string
	ActivityID   string // id of the Follow activity that created the edge
	Status       FollowStatus
	CreatedAt    time.Time
	AcceptedAt   *time.Time
}

// Activity is the log entry of an emitted or received activity.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Like, Announce, Undo, etc.
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryQueueItem is one activity addressed to one inbox.
type DeliveryQueueItem struct {
	Id             uuid.UUID
	ActivityID     string
	TargetInboxURL string
	TargetActor    string // actor the inbox was resolved from
	SenderActor    string
	ActivityJSON   string // joined from the activities log on read
	Status         DeliveryStatus
	Attempts       int
	LastError      string
	NextRetryAt    time.Time
	CreatedAt      time.Time
	LastAttemptAt  *time.Time
}

type NotificationType string

const (
	NotifyFollow        NotificationType = "follow"
	NotifyFollowRequest NotificationType = "follow_request"
	NotifyFollowAccept  NotificationType = "follow_accept"
	NotifyMention       NotificationType = "mention"
	NotifyDirect        NotificationType = "direct"
	NotifyReply         NotificationType = "reply"
	NotifyLike          NotificationType = "like"
	NotifyAnnounce      NotificationType = "announce"
	NotifyPollVote      NotificationType = "poll_vote"
)

// Notification is handed to the notification transport.
type Notification struct {
	RecipientActor string           `json:"recipientActor"`
	Type           NotificationType `json:"type"`
	SourceActor    string           `json:"sourceActor"`
	RefType        string           `json:"refType"`
	RefID          string           `json:"refId"`
	Message        string           `json:"message"`
}

type EventKind int

const (
	EventDeliver EventKind = iota
	EventNotify
)

// Event is an outbound side effect produced by a state change. Deliver events
// carry the serialized activity and the actors or collections it addresses;
// Notify events carry a notification for a local actor.
type Event struct {
	Kind         EventKind
	ActivityID   string
	ActivityType string
	Actor        string
	ActivityJSON string
	Recipients   []string
	Notification *Notification
}

// NotifyEvent wraps a notification for a local actor.
func NotifyEvent(recipient string, kind NotificationType, source, refType, refID, message string) Event {
	return Event{
		Kind: EventNotify,
		Notification: &Notification{
			RecipientActor: recipient,
			Type:           kind,
			SourceActor:    source,
			RefType:        refType,
			RefID:          refID,
			Message:        message,
		},
	}
}
