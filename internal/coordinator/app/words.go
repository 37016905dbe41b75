package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/router"
	"github.com/aelexs/captionsync/pkg/protocol"
)

// docsKeyPrefix namespaces cached backend documents. Recovery clears
// everything under it.
const docsKeyPrefix = "docs:"

func wordsKey(user domain.UserID) string {
	return docsKeyPrefix + user.String() + ":" + domain.CollectionWords
}

// handleWordClicked forwards a caption click from a tab to the popup.
func (c *Coordinator) handleWordClicked(ctx context.Context, req *router.Request) (any, error) {
	if !req.From.IsTab() {
		return nil, fmt.Errorf("%w: WORD_CLICKED must come from a tab", domain.ErrInvalidInput)
	}
	var in protocol.WordClicked
	if err := req.Message.ParsePayload(&in); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("%w: text is required", domain.ErrInvalidInput)
	}

	msg := protocol.MustMessage(protocol.TypeWordSelected, protocol.WordSelected{WordClicked: in, TabID: req.From.TabID})
	msg.Source = protocol.SourceBackground
	d, err := c.Deliver(ctx, protocol.Popup, msg)
	if err != nil {
		return nil, err
	}
	return protocol.Ack{Success: d.Delivered || d.Queued}, nil
}

func (c *Coordinator) handleSaveWord(ctx context.Context, req *router.Request) (any, error) {
	user, err := c.currentUser()
	if err != nil {
		return nil, err
	}
	var in protocol.SaveWord
	if err := req.Message.ParsePayload(&in); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	word := in.Word
	word.Text = strings.TrimSpace(word.Text)
	if word.Text == "" {
		return nil, fmt.Errorf("%w: word text is required", domain.ErrInvalidInput)
	}
	if word.ID == "" {
		word.ID = domain.NewDocumentID()
	} else if _, err := domain.NewDocumentIDFrom(word.ID); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if word.CreatedAt == 0 {
		word.CreatedAt = domain.NowUTCMillis(c.clock)
	}

	data, err := json.Marshal(word)
	if err != nil {
		return nil, fmt.Errorf("marshal word: %w", err)
	}
	err = c.call(ctx, "documents.put", func(ctx context.Context) error {
		return c.docs.Put(ctx, user, domain.CollectionWords, Document{ID: word.ID, Data: data})
	})
	if err != nil {
		return nil, err
	}

	words, whole := c.updateCachedWords(ctx, user, func(words []protocol.Word) []protocol.Word {
		for i := range words {
			if words[i].ID == word.ID {
				words[i] = word
				return words
			}
		}
		return append(words, word)
	})
	if whole {
		c.announceWords(ctx, words)
	}
	return protocol.WordSaved{Success: true, Word: word}, nil
}

func (c *Coordinator) handleGetWords(ctx context.Context, _ *router.Request) (any, error) {
	user, err := c.currentUser()
	if err != nil {
		return nil, err
	}

	var docs []Document
	err = c.call(ctx, "documents.list", func(ctx context.Context) error {
		var listErr error
		docs, listErr = c.docs.List(ctx, user, domain.CollectionWords)
		return listErr
	})
	if err != nil {
		if !domain.IsNetworkError(err) {
			return nil, err
		}
		return c.staleWords(ctx, user, err)
	}

	words := c.decodeWords(ctx, docs)
	c.wordsMu.Lock()
	if cerr := c.cache.Set(ctx, wordsKey(user), words); cerr != nil {
		c.logger.WarnContext(ctx, "coordinator.words_cache_write_failed", "error", cerr)
	}
	c.wordsMu.Unlock()
	return protocol.WordsSnapshot{Words: words}, nil
}

// staleWords serves the cached list after a network failure. A cache miss
// surfaces the original backend error.
func (c *Coordinator) staleWords(ctx context.Context, user domain.UserID, backendErr error) (any, error) {
	var words []protocol.Word
	found, err := c.cache.Get(ctx, wordsKey(user), &words)
	if err != nil || !found {
		if err != nil {
			c.logger.WarnContext(ctx, "coordinator.words_cache_read_failed", "error", err)
		}
		return nil, backendErr
	}
	staleReadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("collection", domain.CollectionWords)))
	c.logger.InfoContext(ctx, "coordinator.words_served_stale", "count", len(words), "error", backendErr)
	if words == nil {
		words = []protocol.Word{}
	}
	return protocol.WordsSnapshot{Words: words, Stale: true}, nil
}

func (c *Coordinator) handleDeleteWord(ctx context.Context, req *router.Request) (any, error) {
	user, err := c.currentUser()
	if err != nil {
		return nil, err
	}
	var in protocol.DeleteWord
	if err := req.Message.ParsePayload(&in); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if in.ID == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrInvalidInput)
	}

	err = c.call(ctx, "documents.delete", func(ctx context.Context) error {
		return c.docs.Delete(ctx, user, domain.CollectionWords, in.ID)
	})
	if err != nil && !domain.IsNotFound(err) {
		return nil, err
	}

	words, whole := c.updateCachedWords(ctx, user, func(words []protocol.Word) []protocol.Word {
		out := words[:0]
		for _, w := range words {
			if w.ID != in.ID {
				out = append(out, w)
			}
		}
		return out
	})
	if whole {
		c.announceWords(ctx, words)
	}
	return protocol.Ack{Success: true}, nil
}

// updateCachedWords applies fn to the cached collection and writes the
// whole value back. Cache failures are logged since the backend already
// holds the change. It reports false when no complete collection was
// available; the cache entry is then dropped so the next read refetches.
func (c *Coordinator) updateCachedWords(ctx context.Context, user domain.UserID, fn func([]protocol.Word) []protocol.Word) ([]protocol.Word, bool) {
	c.wordsMu.Lock()
	defer c.wordsMu.Unlock()

	var words []protocol.Word
	found, err := c.cache.Get(ctx, wordsKey(user), &words)
	if err != nil {
		c.logger.WarnContext(ctx, "coordinator.words_cache_read_failed", "error", err)
	}
	if !found {
		// Nothing cached yet: seed from the backend so the snapshot is whole.
		var docs []Document
		lerr := c.call(ctx, "documents.list", func(ctx context.Context) error {
			var listErr error
			docs, listErr = c.docs.List(ctx, user, domain.CollectionWords)
			return listErr
		})
		if lerr != nil {
			c.logger.WarnContext(ctx, "coordinator.words_seed_failed", "error", lerr)
			if err := c.cache.Delete(ctx, wordsKey(user)); err != nil {
				c.logger.WarnContext(ctx, "coordinator.words_cache_delete_failed", "error", err)
			}
			return nil, false
		}
		words = c.decodeWords(ctx, docs)
	}
	words = fn(words)
	sortWords(words)
	if err := c.cache.Set(ctx, wordsKey(user), words); err != nil {
		c.logger.WarnContext(ctx, "coordinator.words_cache_write_failed", "error", err)
	}
	return words, true
}

// announceWords broadcasts the full list so every surface replaces its copy.
func (c *Coordinator) announceWords(ctx context.Context, words []protocol.Word) {
	if words == nil {
		words = []protocol.Word{}
	}
	msg := protocol.MustMessage(protocol.TypeWordsUpdated, protocol.WordsSnapshot{Words: words})
	msg.Source = protocol.SourceBackground
	if err := c.broadcast(ctx, msg); err != nil {
		c.logger.WarnContext(ctx, "coordinator.words_broadcast_failed", "error", err)
	}
}

func (c *Coordinator) decodeWords(ctx context.Context, docs []Document) []protocol.Word {
	words := make([]protocol.Word, 0, len(docs))
	for _, d := range docs {
		var w protocol.Word
		if err := json.Unmarshal(d.Data, &w); err != nil {
			c.logger.WarnContext(ctx, "coordinator.word_decode_failed", "id", d.ID, "error", err)
			continue
		}
		w.ID = d.ID
		words = append(words, w)
	}
	sortWords(words)
	return words
}

// sortWords orders newest first.
func sortWords(words []protocol.Word) {
	sort.SliceStable(words, func(i, j int) bool { return words[i].CreatedAt > words[j].CreatedAt })
}
