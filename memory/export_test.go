package memory

import "context"

// LinkParent exposes the backpointer step, whose failures Upsert swallows.
func LinkParent(ctx context.Context, s *Store, parentID, childID string) error {
	return s.linkParent(ctx, parentID, childID)
}
