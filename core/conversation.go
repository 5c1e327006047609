package orchestration

import (
	"errors"
	"sync"

	"github.com/Virtual-Health-Hub/virtual-intake/core/llms"
	"github.com/jinzhu/copier"
)

var (
	ErrActiveTurnIDMismatch = errors.New("turn finalisation failed: turn IDs do not match")
	ErrActiveTurnMissing    = errors.New("turn finalisation failed: no active turn")
	ErrTurnAlreadyActive    = errors.New("turn start failed: another turn is active")
)

// Conversation is a point-in-time view of the transcript.
type Conversation struct {
	History    []llms.Turn
	ActiveTurn *llms.Turn
}

// conversation accumulates finalised turns and tracks the one in flight.
type conversation struct {
	mu sync.RWMutex

	turns      []llms.Turn
	activeTurn *activeTurn
}

func newConversation() conversation {
	return conversation{}
}

func (c *conversation) Snapshot() Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := []llms.Turn{}
	copier.Copy(&history, c.turns)

	var active *llms.Turn
	if c.activeTurn != nil {
		snapshot := c.activeTurn.Turn()
		active = &snapshot
	}

	return Conversation{History: history, ActiveTurn: active}
}

func (c *conversation) History() []llms.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := []llms.Turn{}
	copier.Copy(&history, c.turns)
	return history
}

func (c *conversation) ActiveTurn() *llms.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.activeTurn == nil {
		return nil
	}

	snapshot := c.activeTurn.Turn()
	return &snapshot
}

func (c *conversation) currentTurn() *activeTurn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.activeTurn
}

func (c *conversation) startTurn(turn *activeTurn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeTurn != nil {
		return ErrTurnAlreadyActive
	}

	c.activeTurn = turn
	return nil
}

// abortTurn releases the active turn without recording it. Used for
// errored turns, whose partial transcript is discarded.
func (c *conversation) abortTurn(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeTurn != nil && c.activeTurn.id == id {
		c.activeTurn = nil
	}
}

func (c *conversation) finaliseTurn(finalisedTurn llms.Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeTurn == nil {
		c.turns = append(c.turns, finalisedTurn)
		return ErrActiveTurnMissing
	}

	if c.activeTurn.id != finalisedTurn.ID {
		c.turns = append(c.turns, finalisedTurn)
		return ErrActiveTurnIDMismatch
	}

	c.turns = append(c.turns, finalisedTurn)
	c.activeTurn = nil
	return nil
}
