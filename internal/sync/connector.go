package sync

import (
	"context"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/dav"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// Remote is the subset of a protocol session the engine drives.
type Remote interface {
	FetchMessages(ctx context.Context, since int64) ([]model.Message, error)
	Send(ctx context.Context, msg model.Message) error
	Delete(ctx context.Context, id string) error
	PatchFlags(ctx context.Context, id string, patch dav.FlagPatch) error
	Close()
}

// Connector opens a Remote for an account.
type Connector interface {
	Connect(ctx context.Context, acc model.AccountConfig) (Remote, error)
}

// DAVConnector connects through the WebDAV client, resolving the
// account password only at connect time.
type DAVConnector struct {
	client   *dav.Client
	password func(accountID string) (string, error)
}

// NewDAVConnector returns a connector reading passwords from the system
// keyring.
func NewDAVConnector(client *dav.Client) *DAVConnector {
	return &DAVConnector{client: client, password: credential.AccountPassword}
}

// Connect implements Connector.
func (c *DAVConnector) Connect(ctx context.Context, acc model.AccountConfig) (Remote, error) {
	pw, err := c.password(acc.ID)
	if err != nil {
		return nil, &mailerr.AuthenticationError{
			AccountID: acc.ID,
			Message:   "no stored password: " + err.Error(),
		}
	}

	s, err := c.client.Connect(ctx, acc, pw)
	if err != nil {
		return nil, err
	}
	return s, nil
}
