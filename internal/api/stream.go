package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/casedrill/casedrill/internal/domain"
	"github.com/casedrill/casedrill/internal/identity"
)

// feedBuffer is the per-subscriber channel depth. A subscriber that cannot
// keep up drops messages rather than stalling the turn pipeline.
const feedBuffer = 64

// Feed fans committed conversation messages out to websocket observers. It
// implements the orchestrator's notifier hook.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]map[chan domain.ConversationMessage]struct{}
}

// NewFeed creates an empty feed hub.
func NewFeed() *Feed {
	return &Feed{subs: make(map[string]map[chan domain.ConversationMessage]struct{})}
}

// Publish delivers messages to every subscriber of the session. Never blocks.
func (f *Feed) Publish(sessionID string, msgs []domain.ConversationMessage) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs[sessionID] {
		for _, msg := range msgs {
			select {
			case ch <- msg:
			default:
				// Slow observer: drop. The log in the store stays complete.
			}
		}
	}
}

func (f *Feed) subscribe(sessionID string) chan domain.ConversationMessage {
	ch := make(chan domain.ConversationMessage, feedBuffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[chan domain.ConversationMessage]struct{})
	}
	f.subs[sessionID][ch] = struct{}{}
	return ch
}

func (f *Feed) unsubscribe(sessionID string, ch chan domain.ConversationMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[sessionID], ch)
	if len(f.subs[sessionID]) == 0 {
		delete(f.subs, sessionID)
	}
}

// ServeFeed upgrades to a websocket and streams the session's conversation:
// a backfill of the existing log, then live messages as turns commit.
func (h *Handler) ServeFeed(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Feed session lookup failed", "error", err, "session_id", sessionID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sess == nil || sess.UserID != userID {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept feed websocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed closed"); closeErr != nil {
			slog.Debug("Failed to close feed websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before backfilling so nothing committed in between is lost;
	// the client dedupes on seq.
	ch := h.feed.subscribe(sessionID)
	defer h.feed.unsubscribe(sessionID, ch)

	backlog, err := h.repo.ListMessages(ctx, sessionID)
	if err != nil {
		slog.Error("Feed backfill failed", "error", err, "session_id", sessionID)
		return
	}
	for _, msg := range backlog {
		if err := writeFeedMessage(ctx, ws, msg); err != nil {
			return
		}
	}

	// Drain client frames so pings are answered and closure is noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-ch:
			if err := writeFeedMessage(ctx, ws, msg); err != nil {
				slog.Debug("Feed write failed", "error", err, "session_id", sessionID)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeFeedMessage(ctx context.Context, ws *websocket.Conn, msg domain.ConversationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
