// session.go implementa o gerenciamento de sessões de conversa por canal.
// Cada chat de texto possui sua própria sessão com histórico e timestamps
// independentes; sessões de voz vivem apenas durante a chamada.
package copilot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxMessages é o limite padrão de mensagens no histórico por sessão.
const DefaultMaxMessages = 50

// DefaultConversationTimeout é o tempo de inatividade após o qual o
// histórico de texto é considerado obsoleto e descartado.
const DefaultConversationTimeout = 60 * time.Minute

// DefaultSessionTTL é o tempo de inatividade antes de uma sessão ser
// removida do store.
const DefaultSessionTTL = 24 * time.Hour

// ChannelKind identifica o tipo de canal de uma sessão.
type ChannelKind string

const (
	KindText  ChannelKind = "text"
	KindVoice ChannelKind = "voice"
)

// Session representa uma conversa em andamento num canal.
type Session struct {
	ID     string
	Kind   ChannelKind
	ChatID string

	// history guarda as mensagens em ordem de inserção.
	history []Message

	// maxMessages é o limite do histórico; ao exceder, as mais antigas saem.
	maxMessages int

	CreatedAt    time.Time
	lastActiveAt time.Time

	persister SessionPersister

	mu sync.RWMutex
}

// SessionPersister é a interface de persistência de sessões de texto.
// Sessões de voz nunca são persistidas.
type SessionPersister interface {
	SaveMessage(sessionID string, msg Message) error
	LoadSession(sessionID string) ([]Message, error)
	DeleteSession(sessionID string) error
	Close() error
}

// Append adiciona uma mensagem ao histórico, aplicando o limite e
// persistindo quando configurado.
func (s *Session) Append(msg Message) {
	s.mu.Lock()
	s.history = append(s.history, msg)
	if s.maxMessages > 0 && len(s.history) > s.maxMessages {
		s.history = s.history[len(s.history)-s.maxMessages:]
	}
	s.lastActiveAt = time.Now()
	persister := s.persister
	s.mu.Unlock()

	if persister != nil {
		if err := persister.SaveMessage(s.ID, msg); err != nil {
			slog.Warn("failed to persist message", "session", s.ID, "err", err)
		}
	}
}

// History devolve uma cópia do histórico pronta para a API: resultados de
// ferramenta órfãos (cujo tool_use saiu no corte do limite) são removidos
// para manter os pares tool_use/tool_result adjacentes.
func (s *Session) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sanitizeHistory(s.history)
}

// sanitizeHistory drops tool_result blocks whose matching tool_use is no
// longer present and empty messages left behind by the drop.
func sanitizeHistory(history []Message) []Message {
	seen := make(map[string]bool)
	out := make([]Message, 0, len(history))
	for _, msg := range history {
		var blocks []ContentBlock
		for _, blk := range msg.Content {
			switch blk.Type {
			case BlockToolUse:
				seen[blk.ID] = true
				blocks = append(blocks, blk)
			case BlockToolResult:
				if seen[blk.ToolUseID] {
					blocks = append(blocks, blk)
				}
			default:
				blocks = append(blocks, blk)
			}
		}
		if len(blocks) > 0 {
			out = append(out, Message{Role: msg.Role, Content: blocks})
		}
	}
	return out
}

// Len retorna o número de mensagens no histórico.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// LastActiveAt retorna o timestamp da última atividade.
func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// Touch atualiza o timestamp de atividade sem alterar o histórico.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = time.Now()
}

// StaleAfter informa se a sessão está inativa há mais que timeout.
func (s *Session) StaleAfter(timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.lastActiveAt.IsZero() && time.Since(s.lastActiveAt) > timeout
}

// Clear descarta o histórico. A sessão permanece válida.
func (s *Session) Clear() {
	s.mu.Lock()
	history := s.history
	s.history = nil
	persister := s.persister
	s.mu.Unlock()

	if persister != nil && len(history) > 0 {
		if err := persister.DeleteSession(s.ID); err != nil {
			slog.Warn("failed to clear persisted session", "session", s.ID, "err", err)
		}
	}
}

// SessionStore gerencia sessões ativas por canal e chatID, com pruning
// automático de sessões inativas.
type SessionStore struct {
	sessions    map[string]*Session
	sessionTTL  time.Duration
	maxMessages int
	persister   SessionPersister
	logger      *slog.Logger
	mu          sync.RWMutex
}

// NewSessionStore cria um novo store de sessões.
func NewSessionStore(maxMessages int, logger *slog.Logger) *SessionStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		sessions:    make(map[string]*Session),
		sessionTTL:  DefaultSessionTTL,
		maxMessages: maxMessages,
		logger:      logger.With("component", "session_store"),
	}
}

// SetPersister configura a persistência para sessões de texto.
func (ss *SessionStore) SetPersister(p SessionPersister) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.persister = p
}

func sessionKey(kind ChannelKind, chatID string) string {
	return string(kind) + ":" + chatID
}

// GetOrCreate retorna a sessão existente ou cria uma nova. Sessões de texto
// tentam restaurar do disco antes de criar.
func (ss *SessionStore) GetOrCreate(kind ChannelKind, chatID string) *Session {
	key := sessionKey(kind, chatID)

	ss.mu.RLock()
	if session, exists := ss.sessions[key]; exists {
		ss.mu.RUnlock()
		return session
	}
	persister := ss.persister
	ss.mu.RUnlock()

	ss.mu.Lock()
	defer ss.mu.Unlock()

	// Double-check após adquirir o write lock.
	if session, exists := ss.sessions[key]; exists {
		return session
	}

	session := &Session{
		ID:           key,
		Kind:         kind,
		ChatID:       chatID,
		maxMessages:  ss.maxMessages,
		CreatedAt:    time.Now(),
		lastActiveAt: time.Now(),
	}

	if kind == KindText && persister != nil {
		session.persister = persister
		if history, err := persister.LoadSession(key); err == nil && len(history) > 0 {
			// O histórico persistido pode exceder o limite (config menor,
			// versão antiga); apara na restauração, não só no Append.
			if session.maxMessages > 0 && len(history) > session.maxMessages {
				history = history[len(history)-session.maxMessages:]
			}
			session.history = history
			ss.sessions[key] = session
			ss.logger.Info("sessão restaurada do disco", "chat_id", chatID, "messages", len(history))
			return session
		}
	}
	if kind == KindVoice {
		session.maxMessages = VoiceMaxMessages
	}

	ss.sessions[key] = session
	ss.logger.Info("nova sessão criada", "kind", string(kind), "chat_id", chatID)
	return session
}

// Get retorna a sessão, ou nil se não existir.
func (ss *SessionStore) Get(kind ChannelKind, chatID string) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[sessionKey(kind, chatID)]
}

// Remove descarta a sessão do store (fim de chamada de voz).
func (ss *SessionStore) Remove(kind ChannelKind, chatID string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, sessionKey(kind, chatID))
}

// Count retorna o número de sessões ativas.
func (ss *SessionStore) Count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// Prune remove sessões inativas há mais tempo que o TTL.
func (ss *SessionStore) Prune() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	cutoff := time.Now().Add(-ss.sessionTTL)
	pruned := 0
	for key, session := range ss.sessions {
		if session.LastActiveAt().Before(cutoff) {
			delete(ss.sessions, key)
			pruned++
		}
	}
	if pruned > 0 {
		ss.logger.Info("sessões inativas removidas", "pruned", pruned, "remaining", len(ss.sessions))
	}
	return pruned
}

// StartPruner executa Prune periodicamente até o contexto ser cancelado.
func (ss *SessionStore) StartPruner(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ss.sessionTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ss.Prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}
