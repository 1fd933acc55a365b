// Package embed builds and caches content vectors for sessions and visitor
// query text.
package embed

import (
	"context"
	"log"
	"strings"

	"github.com/camlane/agendas/internal/config"
	"github.com/camlane/agendas/internal/store"
)

// Entity types stored in the embeddings table.
const (
	EntitySession = "session"
	EntityVisitor = "visitor"
)

// Embedder turns text into a vector. Satisfied by the classify client.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float64, error)
}

// SessionText builds the content representation of a session: title,
// synopsis and the descriptions of its streams.
func SessionText(sess store.Session, streamDescs map[string]string) string {
	var sb strings.Builder
	sb.WriteString(sess.Title)
	if sess.Synopsis != "" {
		sb.WriteString("\n")
		sb.WriteString(sess.Synopsis)
	}
	for _, stream := range sess.Streams {
		sb.WriteString("\n")
		sb.WriteString(stream)
		if desc := streamDescs[stream]; desc != "" {
			sb.WriteString(": ")
			sb.WriteString(desc)
		}
	}
	return sb.String()
}

// VisitorQuery builds the query text a visitor is matched with: their
// professional profile attributes, in a stable order.
func VisitorQuery(v store.Visitor) string {
	var parts []string
	for _, attr := range []string{"job_role", "specialization", "organisation_type", "practice_type", "why_attending"} {
		if value := config.NormalizeAttr(v.Attrs[attr]); value != "" {
			parts = append(parts, value)
		}
	}
	return strings.Join(parts, ". ")
}

// Service embeds sessions and visitors, caching vectors in the store so
// unchanged entities are not re-embedded across runs.
type Service struct {
	st       *store.Store
	embedder Embedder
	model    string
	Logf     func(format string, args ...any)
}

// NewService creates an embedding service. embedder may be nil, in which
// case every Embed* call is a no-op and scoring falls back to categorical.
func NewService(st *store.Store, embedder Embedder, model string) *Service {
	return &Service{
		st:       st,
		embedder: embedder,
		model:    model,
		Logf:     log.Printf,
	}
}

// Model returns the embedding model identifier.
func (s *Service) Model() string {
	return s.model
}

// EmbedSessions generates and stores vectors for sessions that do not have
// one yet. Sessions whose text is empty are skipped. Individual failures
// are logged and counted but do not abort the batch.
func (s *Service) EmbedSessions(ctx context.Context, sessions []store.Session, streamDescs map[string]string) (embedded, failed int, err error) {
	if s.embedder == nil {
		return 0, 0, nil
	}
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return embedded, failed, err
		}
		_, ok, err := s.st.GetEmbedding(ctx, EntitySession, sess.ID, s.model)
		if err != nil {
			return embedded, failed, err
		}
		if ok {
			continue
		}
		text := strings.TrimSpace(SessionText(sess, streamDescs))
		if text == "" {
			continue
		}
		vector, err := s.embedder.Embed(ctx, s.model, text)
		if err != nil {
			if ctx.Err() != nil {
				return embedded, failed, ctx.Err()
			}
			s.Logf("[embed] session %s: %v", sess.ID, err)
			failed++
			continue
		}
		if err := s.st.SaveEmbedding(ctx, EntitySession, sess.ID, s.model, vector); err != nil {
			return embedded, failed, err
		}
		embedded++
	}
	return embedded, failed, nil
}

// EmbedVisitors generates and stores query vectors for visitors lacking one.
// Visitors with no usable profile text are skipped; their scores come from
// the categorical component alone.
func (s *Service) EmbedVisitors(ctx context.Context, visitors []store.Visitor) (embedded, failed int, err error) {
	if s.embedder == nil {
		return 0, 0, nil
	}
	for _, v := range visitors {
		if err := ctx.Err(); err != nil {
			return embedded, failed, err
		}
		_, ok, err := s.st.GetEmbedding(ctx, EntityVisitor, v.ID, s.model)
		if err != nil {
			return embedded, failed, err
		}
		if ok {
			continue
		}
		text := VisitorQuery(v)
		if text == "" {
			continue
		}
		vector, err := s.embedder.Embed(ctx, s.model, text)
		if err != nil {
			if ctx.Err() != nil {
				return embedded, failed, ctx.Err()
			}
			s.Logf("[embed] visitor %s: %v", v.ID, err)
			failed++
			continue
		}
		if err := s.st.SaveEmbedding(ctx, EntityVisitor, v.ID, s.model, vector); err != nil {
			return embedded, failed, err
		}
		embedded++
	}
	return embedded, failed, nil
}
