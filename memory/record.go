package memory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/becomeliminal/nim-chat/core"
	"github.com/m-mizutani/goerr/v2"
)

// Metadata keys. This is the complete schema; fromMetadata rejects records
// whose metadata carries anything else.
const (
	KeyRole           = "role"
	KeyContent        = "content"
	KeyCreatedAt      = "createdAt"
	KeyConversationID = "conversationId"
	KeySpaceID        = "spaceId"
	KeyParentID       = "parentId"
	KeyChildID        = "childId"
	KeyTags           = "tags"
	KeySimilar        = "similarMessages"
	KeyModel          = "model"
	KeyProvider       = "provider"
	KeySearchMode     = "searchMode"
	KeyInterrupted    = "interrupted"
	KeyVersion        = "version"
)

// Record is one message as stored in the index.
type Record struct {
	ID             string
	Values         []float32
	Role           core.Role
	Content        string
	CreatedAt      time.Time
	ConversationID string
	SpaceID        string
	ParentID       string
	ChildID        string
	Tags           []string
	Annotations    *core.Annotations
	Version        int64
}

// Message projects the record back to a transcript message.
func (r Record) Message() core.Message {
	return core.Message{
		ID:             r.ID,
		Role:           r.Role,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
		ConversationID: r.ConversationID,
		Annotations:    r.Annotations.Clone(),
	}
}

// Similar projects the record to an annotation entry.
func (r Record) Similar(score float32) core.SimilarMessage {
	return core.SimilarMessage{
		ID:             r.ID,
		Content:        r.Content,
		Role:           r.Role,
		CreatedAt:      r.CreatedAt,
		Score:          score,
		ConversationID: r.ConversationID,
	}
}

// DefaultTags returns the tags written when an upsert names none.
func DefaultTags(conversationID, spaceID string, role core.Role) []string {
	var tags []string
	if conversationID != "" {
		tags = append(tags, ConversationTag(conversationID))
	}
	if spaceID != "" {
		tags = append(tags, SpaceTag(spaceID))
	}
	return append(tags, "role-"+role.String())
}

// ConversationTag is the tag scoping a record to a conversation.
func ConversationTag(id string) string { return "conversation-" + id }

// SpaceTag is the tag scoping a record to a space.
func SpaceTag(id string) string { return "space-" + id }

// metadata encodes the record. Empty optional fields are omitted since
// hosted indexes reject null values.
func (r Record) metadata() (Metadata, error) {
	md := Metadata{
		KeyRole:           r.Role.String(),
		KeyContent:        r.Content,
		KeyCreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339Nano),
		KeyConversationID: r.ConversationID,
		KeyVersion:        float64(r.Version),
	}
	setString(md, KeySpaceID, r.SpaceID)
	setString(md, KeyParentID, r.ParentID)
	setString(md, KeyChildID, r.ChildID)
	if len(r.Tags) > 0 {
		md[KeyTags] = append([]string(nil), r.Tags...)
	}
	if a := r.Annotations; a != nil {
		if len(a.SimilarMessages) > 0 {
			// Nested objects are not valid metadata values.
			raw, err := json.Marshal(a.SimilarMessages)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to encode similar messages", goerr.V("id", r.ID))
			}
			md[KeySimilar] = string(raw)
		}
		setString(md, KeyModel, a.Model)
		setString(md, KeyProvider, a.Provider)
		setString(md, KeySearchMode, a.SearchMode)
		setString(md, KeyInterrupted, string(a.Interrupted))
	}
	return md, nil
}

func setString(md Metadata, key, value string) {
	if value != "" {
		md[key] = value
	}
}

// fromMetadata decodes a stored vector into a Record.
func fromMetadata(id string, values []float32, md Metadata) (Record, error) {
	r := Record{ID: id, Values: values}
	var ann core.Annotations
	hasAnn := false

	for key, raw := range md {
		var err error
		switch key {
		case KeyRole:
			var s string
			if s, err = asString(raw); err == nil {
				r.Role = core.Role(s)
				if !r.Role.Valid() {
					err = fmt.Errorf("unknown role %q", s)
				}
			}
		case KeyContent:
			r.Content, err = asString(raw)
		case KeyCreatedAt:
			var s string
			if s, err = asString(raw); err == nil {
				r.CreatedAt, err = time.Parse(time.RFC3339Nano, s)
			}
		case KeyConversationID:
			r.ConversationID, err = asString(raw)
		case KeySpaceID:
			r.SpaceID, err = asString(raw)
		case KeyParentID:
			r.ParentID, err = asString(raw)
		case KeyChildID:
			r.ChildID, err = asString(raw)
		case KeyTags:
			r.Tags, err = asStrings(raw)
		case KeySimilar:
			var s string
			if s, err = asString(raw); err == nil {
				err = json.Unmarshal([]byte(s), &ann.SimilarMessages)
				hasAnn = true
			}
		case KeyModel:
			ann.Model, err = asString(raw)
			hasAnn = true
		case KeyProvider:
			ann.Provider, err = asString(raw)
			hasAnn = true
		case KeySearchMode:
			ann.SearchMode, err = asString(raw)
			hasAnn = true
		case KeyInterrupted:
			var s string
			s, err = asString(raw)
			ann.Interrupted = core.Interruption(s)
			hasAnn = true
		case KeyVersion:
			r.Version, err = asInt(raw)
		default:
			err = fmt.Errorf("unexpected metadata key")
		}
		if err != nil {
			return Record{}, goerr.Wrap(ErrInvalidRecord, err.Error(),
				goerr.V("id", id),
				goerr.V("key", key),
			)
		}
	}

	if r.Role == "" {
		return Record{}, goerr.Wrap(ErrInvalidRecord, "role is missing", goerr.V("id", id))
	}
	if hasAnn {
		r.Annotations = &ann
	}
	return r, nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, err := asString(e)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string list, got %T", v)
}

func asInt(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}
