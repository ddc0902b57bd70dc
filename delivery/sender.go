package delivery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
)

// AccountStore provides the signing keys of local senders.
type AccountStore interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
}

// HTTPSender posts activities signed with the sending account's key.
type HTTPSender struct {
	accounts AccountStore
	links    activitypub.Links
	client   *http.Client
}

func NewHTTPSender(accounts AccountStore, links activitypub.Links, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		accounts: accounts,
		links:    links,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Send(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if item.ActivityJSON == "" {
		return fmt.Errorf("activity %s is not in the log", item.ActivityID)
	}
	username, ok := s.links.Username(item.SenderActor)
	if !ok {
		return fmt.Errorf("%w: sender %s is not local", domain.ErrForbidden, item.SenderActor)
	}
	account, err := s.accounts.ReadAccByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to get local account: %w", err)
	}
	signer, err := activitypub.AccountSigner(s.links, account)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	return activitypub.PostActivity(ctx, s.client, item.TargetInboxURL, []byte(item.ActivityJSON), signer)
}
