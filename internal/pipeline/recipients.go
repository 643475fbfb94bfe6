package pipeline

import (
	"context"
	"fmt"

	"github.com/ppiankov/digestpipe/internal/dispatch"
	"github.com/ppiankov/digestpipe/internal/zulip"
)

// MemberLister lists the users of a chat realm.
type MemberLister interface {
	Members(ctx context.Context) ([]zulip.Member, error)
}

// MemberRecipients returns every active human member of the realm, in
// server order. Used when no recipient list is configured.
func MemberRecipients(ctx context.Context, l MemberLister) ([]dispatch.Recipient, error) {
	members, err := l.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	var out []dispatch.Recipient
	for _, m := range members {
		if m.IsBot || !m.IsActive || m.Email == "" {
			continue
		}
		out = append(out, dispatch.Recipient{Name: m.FullName, Email: m.Email})
	}
	return out, nil
}
