package memory

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/becomeliminal/nim-chat/core"
	"github.com/becomeliminal/nim-chat/logging"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

// Store embeds, writes, links, searches and deletes message records.
type Store struct {
	index    Index
	embedder Embedder
	deleted  DeletedSource
	config   *Config
	cache    *cache
}

// NewStore creates a Store. deleted may be nil when nothing is ever
// soft-deleted; config may be nil for DefaultConfig.
func NewStore(index Index, embedder Embedder, deleted DeletedSource, config *Config) (*Store, error) {
	if index == nil || embedder == nil {
		return nil, goerr.New("index and embedder are required")
	}
	config = config.withDefaults()
	c, err := newCache(config.EmbeddingCacheBytes, config.DeletedCacheTTL)
	if err != nil {
		return nil, err
	}
	return &Store{
		index:    index,
		embedder: embedder,
		deleted:  deleted,
		config:   config,
		cache:    c,
	}, nil
}

// Close releases the caches.
func (s *Store) Close() {
	s.cache.close()
}

// UpsertInput is one message to embed and store.
type UpsertInput struct {
	Message core.Message
	SpaceID string

	// ParentID links an assistant reply to the user message it answers.
	ParentID string

	// Tags replace the default conversation/space/role tags when set.
	Tags []string
}

// SearchResult is one search hit.
type SearchResult struct {
	Score   float32
	Message core.Message
	Record  Record
}

// Upsert embeds and writes a message. For an assistant message with a
// ParentID the parent's ChildID is then pointed at it; that step only logs
// on failure since the message itself is already stored.
func (s *Store) Upsert(ctx context.Context, in UpsertInput) (*Record, error) {
	msg := in.Message
	if msg.ID == "" {
		return nil, goerr.Wrap(ErrInvalidRecord, "message id is required")
	}
	if !msg.Role.Valid() {
		return nil, goerr.Wrap(ErrInvalidRecord, "unknown role", goerr.V("id", msg.ID), goerr.V("role", msg.Role))
	}

	values, err := s.embed(ctx, msg.Content)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed message", goerr.V("id", msg.ID))
	}

	tags := in.Tags
	if len(tags) == 0 {
		tags = DefaultTags(msg.ConversationID, in.SpaceID, msg.Role)
	}
	rec := Record{
		ID:             msg.ID,
		Values:         values,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		ConversationID: msg.ConversationID,
		SpaceID:        in.SpaceID,
		ParentID:       in.ParentID,
		Tags:           tags,
		Annotations:    msg.Annotations.Clone(),
	}
	if err := s.write(ctx, rec); err != nil {
		return nil, err
	}

	if rec.Role == core.RoleAssistant && rec.ParentID != "" {
		if err := s.linkParent(ctx, rec.ParentID, rec.ID); err != nil {
			logging.From(ctx).Warn("failed to link parent record",
				"component", "memory",
				"id", rec.ID,
				"parent_id", rec.ParentID,
				logging.ErrAttr(err),
			)
		}
	}
	return &rec, nil
}

// Get returns the record stored under id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	fetched, err := s.index.Fetch(ctx, []string{id})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch record", goerr.V("id", id))
	}
	v, ok := fetched[id]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "record not in index", goerr.V("id", id))
	}
	rec, err := fromMetadata(id, v.Values, v.Metadata)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Search returns the records most similar to query, highest score first.
// tags, when given, restrict results to records carrying any of them.
// Records of deleted conversations and spaces never match.
func (s *Store) Search(ctx context.Context, query string, limit int, tags []string) ([]SearchResult, error) {
	if limit <= 0 {
		limit = s.config.DefaultSearchLimit
	}

	values, err := s.embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	conversations, spaces, err := s.deletedIDs(ctx)
	if err != nil {
		return nil, err
	}

	filter := SearchFilter(tags, conversations, spaces)
	matches, err := s.index.Query(ctx, values, limit, filter)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query index", goerr.V("limit", limit))
	}

	logger := logging.From(ctx)
	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		if s.config.MinSimilarity > 0 && float64(m.Score) < s.config.MinSimilarity {
			continue
		}
		rec, err := fromMetadata(m.ID, nil, m.Metadata)
		if err != nil {
			logger.Warn("skipping malformed record", "component", "memory", logging.ErrAttr(err))
			continue
		}
		results = append(results, SearchResult{Score: m.Score, Message: rec.Message(), Record: rec})
	}
	slices.SortStableFunc(results, func(a, b SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	logger.Debug("memory search",
		"component", "memory",
		"matches", len(results),
		"tags", tags,
		"query", truncate(query, 50),
	)
	return results, nil
}

// GetThread reconstructs the exchange containing messageID: its ancestors
// oldest first, the message itself, then its descendants. Each message
// appears once; a dangling pointer ends the walk in that direction.
func (s *Store) GetThread(ctx context.Context, messageID string) ([]core.Message, error) {
	anchor, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{anchor.ID: {}}
	ancestors, err := s.walk(ctx, anchor, seen, func(r *Record) string { return r.ParentID })
	if err != nil {
		return nil, err
	}
	descendants, err := s.walk(ctx, anchor, seen, func(r *Record) string { return r.ChildID })
	if err != nil {
		return nil, err
	}

	thread := make([]core.Message, 0, len(ancestors)+1+len(descendants))
	for i := len(ancestors) - 1; i >= 0; i-- {
		thread = append(thread, ancestors[i].Message())
	}
	thread = append(thread, anchor.Message())
	for _, r := range descendants {
		thread = append(thread, r.Message())
	}
	return thread, nil
}

func (s *Store) walk(ctx context.Context, from *Record, seen map[string]struct{}, next func(*Record) string) ([]*Record, error) {
	var out []*Record
	cur := from
	for range s.config.MaxThreadDepth {
		id := next(cur)
		if id == "" {
			break
		}
		if _, dup := seen[id]; dup {
			logging.From(ctx).Warn("thread pointer cycle", "component", "memory", "id", cur.ID, "next_id", id)
			break
		}
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
		out = append(out, rec)
		cur = rec
	}
	return out, nil
}

// DeleteByConversation removes every record of a conversation and returns
// how many were deleted.
func (s *Store) DeleteByConversation(ctx context.Context, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, goerr.New("conversation id is required")
	}
	n, err := s.deleteWhere(ctx, Eq(KeyConversationID, conversationID))
	if err != nil {
		return n, goerr.Wrap(err, "failed to delete conversation records", goerr.V("conversation_id", conversationID))
	}
	return n, nil
}

// DeleteBySpace removes every record of a space and returns how many were
// deleted.
func (s *Store) DeleteBySpace(ctx context.Context, spaceID string) (int, error) {
	if spaceID == "" {
		return 0, goerr.New("space id is required")
	}
	n, err := s.deleteWhere(ctx, Eq(KeySpaceID, spaceID))
	if err != nil {
		return n, goerr.Wrap(err, "failed to delete space records", goerr.V("space_id", spaceID))
	}
	return n, nil
}

// deleteWhere pages through matching ids with a neutral query vector and
// deletes each page until a short page comes back.
func (s *Store) deleteWhere(ctx context.Context, filter *Filter) (int, error) {
	defer s.cache.invalidateDeleted()

	neutral, err := s.neutralVector()
	if err != nil {
		return 0, err
	}

	pageSize := s.config.DeletePageSize
	deleted := make(map[string]struct{})
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return len(deleted), goerr.Wrap(err, "delete cancelled", goerr.V("page", page))
		}

		matches, err := s.index.Query(ctx, neutral, pageSize, filter)
		if err != nil {
			return len(deleted), goerr.Wrap(err, "failed to list records", goerr.V("page", page))
		}
		if len(matches) == 0 {
			break
		}

		ids := make([]string, 0, len(matches))
		fresh := 0
		for _, m := range matches {
			ids = append(ids, m.ID)
			if _, dup := deleted[m.ID]; !dup {
				fresh++
			}
		}
		if fresh == 0 {
			return len(deleted), goerr.Wrap(ErrDeleteStalled, "page returned only deleted ids",
				goerr.V("page", page),
				goerr.V("deleted", len(deleted)),
			)
		}

		if err := s.index.DeleteMany(ctx, ids); err != nil {
			return len(deleted), goerr.Wrap(err, "failed to delete records", goerr.V("page", page), goerr.V("ids", len(ids)))
		}
		for _, id := range ids {
			deleted[id] = struct{}{}
		}

		logging.From(ctx).Debug("deleted record page",
			"component", "memory",
			"page", page,
			"ids", len(ids),
		)
		if len(matches) < pageSize {
			break
		}
	}
	return len(deleted), nil
}

// neutralVector is a unit vector along the first axis. Deletion only needs
// the filter to select records; the ranking is irrelevant.
func (s *Store) neutralVector() ([]float32, error) {
	dims := s.embedder.Dimensions()
	if dims <= 0 {
		return nil, goerr.New("embedder reports no dimensions", goerr.V("dimensions", dims))
	}
	v := make([]float32, dims)
	v[0] = 1
	return v, nil
}

func (s *Store) write(ctx context.Context, rec Record) error {
	md, err := rec.metadata()
	if err != nil {
		return err
	}
	if err := s.index.Upsert(ctx, rec.ID, rec.Values, md); err != nil {
		return goerr.Wrap(err, "failed to upsert record", goerr.V("id", rec.ID))
	}
	return nil
}

// linkParent points the parent's ChildID at childID. With versioned
// backpointers the parent is read back after the write; a ChildID or
// Version other than the one written means a concurrent writer landed on
// top and is reported as ErrVersionConflict, leaving its link in place.
func (s *Store) linkParent(ctx context.Context, parentID, childID string) error {
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return err
	}
	parent.ChildID = childID
	parent.Version++
	if err := s.write(ctx, *parent); err != nil {
		return err
	}
	if !s.config.VersionedBackpointers {
		return nil
	}

	stored, err := s.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if stored.ChildID != childID || stored.Version != parent.Version {
		return goerr.Wrap(ErrVersionConflict, "parent changed after linking",
			goerr.V("parent_id", parentID),
			goerr.V("child_id", childID),
			goerr.V("stored_child_id", stored.ChildID),
			goerr.V("version", parent.Version),
			goerr.V("stored_version", stored.Version),
		)
	}
	return nil
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}
	if v, ok := s.cache.embedding(text); ok {
		return v, nil
	}
	v, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.setEmbedding(text, v)
	return v, nil
}

// deletedIDs reads both deleted id lists concurrently.
func (s *Store) deletedIDs(ctx context.Context) (conversations, spaces []string, err error) {
	if s.deleted == nil {
		return nil, nil, nil
	}

	var cachedConv, cachedSpace bool
	conversations, cachedConv = s.cache.deleted(deletedConversationsKey)
	spaces, cachedSpace = s.cache.deleted(deletedSpacesKey)
	if cachedConv && cachedSpace {
		return conversations, spaces, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if !cachedConv {
		eg.Go(func() error {
			ids, err := s.deleted.DeletedConversationIDs(egCtx)
			if err != nil {
				return goerr.Wrap(err, "failed to list deleted conversations")
			}
			conversations = ids
			return nil
		})
	}
	if !cachedSpace {
		eg.Go(func() error {
			ids, err := s.deleted.DeletedSpaceIDs(egCtx)
			if err != nil {
				return goerr.Wrap(err, "failed to list deleted spaces")
			}
			spaces = ids
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	s.cache.setDeleted(deletedConversationsKey, conversations)
	s.cache.setDeleted(deletedSpacesKey, spaces)
	return conversations, spaces, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
