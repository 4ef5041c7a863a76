package coordinator

import (
	"livesync/internal/models"
)

// UpdateCursorPosition broadcasts the local caret. Presence is best effort:
// nothing is queued while offline.
func (c *Coordinator) UpdateCursorPosition(pos models.CursorPosition) error {
	c.mu.Lock()
	defer c.unlock()

	if !c.presenceReady() {
		return ErrNotConnected
	}
	return c.presenceSub.Perform(string(models.ActionCursorMoved), models.CursorPayload{
		Position:  pos,
		Timestamp: c.clock.Now(),
	})
}

func (c *Coordinator) UpdateSelection(sel models.Selection) error {
	c.mu.Lock()
	defer c.unlock()

	if !c.presenceReady() {
		return ErrNotConnected
	}
	return c.presenceSub.Perform(string(models.ActionSelectionChanged), models.SelectionPayload{
		Selection: sel,
		Timestamp: c.clock.Now(),
	})
}

// StartTyping announces typing once and (re)arms the idle timer. When the
// timer expires exactly one stop signal is sent.
func (c *Coordinator) StartTyping() error {
	c.mu.Lock()
	defer c.unlock()

	if !c.presenceReady() {
		return ErrNotConnected
	}
	if !c.typing {
		if err := c.sendTyping(true); err != nil {
			return err
		}
		c.typing = true
	}

	c.stopTimer(&c.typingTimer, &c.typingToken)
	token := c.nextToken()
	c.typingToken = token
	c.typingTimer = c.clock.AfterFunc(c.cfg.TypingIdleTimeout, func() {
		c.typingExpired(token)
	})
	return nil
}

// StopTyping sends the stop signal immediately if typing was announced.
func (c *Coordinator) StopTyping() error {
	c.mu.Lock()
	defer c.unlock()

	c.stopTimer(&c.typingTimer, &c.typingToken)
	if !c.typing {
		return nil
	}
	c.typing = false
	if !c.presenceReady() {
		return nil
	}
	return c.sendTyping(false)
}

func (c *Coordinator) typingExpired(token uint64) {
	c.mu.Lock()
	defer c.unlock()

	if token != c.typingToken || !c.typing {
		return
	}
	c.typingTimer = nil
	c.typingToken = 0
	c.typing = false
	if c.presenceReady() {
		if err := c.sendTyping(false); err != nil {
			c.logger.Printf("⚠️  Typing stop not sent: %v", err)
		}
	}
}

// must be called with c.mu held
func (c *Coordinator) sendTyping(typing bool) error {
	return c.presenceSub.Perform(string(models.ActionBroadcastTyping), models.TypingPayload{Typing: typing})
}

// must be called with c.mu held
func (c *Coordinator) presenceReady() bool {
	return !c.closed && c.online && c.presenceSub != nil
}
