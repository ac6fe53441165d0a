package stream

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
	"github.com/zhouzirui/z-tavern/client/internal/transcript"
)

// State is the turn state of the assembler.
type State int

const (
	StateIdle State = iota
	StateAwaitingFirst
	StateAccumulating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirst:
		return "awaiting_first"
	case StateAccumulating:
		return "accumulating"
	default:
		return "unknown"
	}
}

// Result describes what consuming one fragment did to the transcript.
type Result struct {
	MessageID string
	// First is set for the first content fragment of a turn opened by Begin.
	First bool
	// Orphan is set when content arrived without an open turn and a new
	// assistant message was appended for it.
	Orphan bool
	Done   bool
	// ServerID carries an integer DONE payload.
	ServerID    int64
	HasServerID bool
}

// Assembler rebuilds the assistant reply of the open turn inside the
// transcript. It keeps only the placeholder id; content lives in the log.
type Assembler struct {
	log    *transcript.Log
	logger *zap.Logger
	newID  func() string
	now    func() time.Time

	state         State
	sessionID     int64
	userID        int64
	placeholderID string
	buffer        strings.Builder
}

// New creates an idle assembler writing into log.
func New(log *transcript.Log, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		log:    log,
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Bind records the session that orphan content is attributed to.
func (a *Assembler) Bind(sessionID, userID int64) {
	a.sessionID = sessionID
	a.userID = userID
}

// Begin opens a turn for a placeholder the caller already appended.
func (a *Assembler) Begin(sessionID, userID int64, placeholderID string) {
	if a.state != StateIdle {
		a.logger.Debug("superseding open turn", zap.String("message_id", a.placeholderID))
	}
	a.Bind(sessionID, userID)
	a.state = StateAwaitingFirst
	a.placeholderID = placeholderID
	a.buffer.Reset()
}

// Consume applies one fragment in arrival order.
func (a *Assembler) Consume(f chat.Fragment) Result {
	switch f.Kind {
	case chat.FragmentContent:
		return a.consumeContent(f.Payload.String())
	case chat.FragmentDone:
		return a.consumeDone(f.Payload)
	default:
		return Result{}
	}
}

func (a *Assembler) consumeContent(text string) Result {
	switch a.state {
	case StateAwaitingFirst:
		if err := a.log.ReplaceContent(a.placeholderID, text); err != nil {
			return a.rebind(text, err)
		}
		a.state = StateAccumulating
		a.buffer.Reset()
		a.buffer.WriteString(text)
		return Result{MessageID: a.placeholderID, First: true}
	case StateAccumulating:
		if err := a.log.AppendContent(a.placeholderID, text); err != nil {
			return a.rebind(text, err)
		}
		a.buffer.WriteString(text)
		return Result{MessageID: a.placeholderID}
	default:
		id := a.appendAssistant(text)
		a.logger.Debug("content without open turn", zap.String("message_id", id))
		a.state = StateAccumulating
		a.placeholderID = id
		a.buffer.Reset()
		a.buffer.WriteString(text)
		return Result{MessageID: id, Orphan: true}
	}
}

// rebind handles a placeholder that vanished from the log while the turn was
// open: the text goes into a fresh assistant message that carries the turn on.
func (a *Assembler) rebind(text string, cause error) Result {
	if !errors.Is(cause, transcript.ErrMessageNotFound) {
		a.logger.Warn("update placeholder failed", zap.Error(cause))
	}
	first := a.state == StateAwaitingFirst
	id := a.appendAssistant(a.buffer.String() + text)
	a.logger.Debug("placeholder lost, continuing in new message",
		zap.String("lost_id", a.placeholderID), zap.String("message_id", id))
	a.placeholderID = id
	a.state = StateAccumulating
	a.buffer.WriteString(text)
	return Result{MessageID: id, First: first, Orphan: true}
}

func (a *Assembler) consumeDone(payload chat.Payload) Result {
	if a.state == StateIdle {
		return Result{}
	}
	res := Result{MessageID: a.placeholderID, Done: true}
	if n, ok := payload.Number(); ok {
		res.ServerID = n
		res.HasServerID = true
	}
	a.reset()
	return res
}

// Abandon closes the open turn without completing it and returns the
// placeholder id it held.
func (a *Assembler) Abandon() (string, bool) {
	if a.state == StateIdle {
		return "", false
	}
	id := a.placeholderID
	a.reset()
	return id, true
}

func (a *Assembler) reset() {
	a.state = StateIdle
	a.placeholderID = ""
	a.buffer.Reset()
}

func (a *Assembler) appendAssistant(text string) string {
	now := a.now()
	id := a.newID()
	a.log.Append(chat.Message{
		ID:        id,
		SessionID: a.sessionID,
		UserID:    a.userID,
		Sender:    chat.SenderAssistant,
		Content:   text,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return id
}

// State returns the current turn state.
func (a *Assembler) State() State {
	return a.state
}

// Open reports whether a turn is open.
func (a *Assembler) Open() bool {
	return a.state != StateIdle
}

// PlaceholderID returns the id of the message the open turn mutates.
func (a *Assembler) PlaceholderID() string {
	return a.placeholderID
}

// Text returns the text accumulated in the open turn.
func (a *Assembler) Text() string {
	return a.buffer.String()
}
