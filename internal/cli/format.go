package cli

import (
	"fmt"
	"strings"
	"time"

	"livesync/internal/event"
	"livesync/internal/models"
)

// describe renders an event as one line for the terminal.
func describe(e event.Event) string {
	var detail string
	switch ev := e.(type) {
	case event.StateChanged:
		detail = fmt.Sprintf("%s -> %s", ev.From, ev.To)
	case event.ConnectionEstablished:
		detail = fmt.Sprintf("after %d failed attempts", ev.FailedAttempts)
	case event.ConnectionLost:
		if ev.Manual {
			detail = "manual"
		} else {
			detail = errText(ev.Err)
		}
	case event.ConnectionFailed:
		detail = fmt.Sprintf("attempt %d: %s", ev.Attempt, errText(ev.Err))
	case event.ReconnectScheduled:
		detail = fmt.Sprintf("attempt %d in %s", ev.Attempt, ev.Delay.Round(time.Millisecond))
	case event.MaxAttemptsReached:
		detail = fmt.Sprintf("gave up after %d attempts", ev.Attempts)
	case event.ConnectionStale:
		detail = fmt.Sprintf("idle %s", ev.Idle.Round(time.Second))
	case event.QualityChanged:
		detail = fmt.Sprintf("%s -> %s (avg %s)", ev.From, ev.To, ev.Average.Round(time.Millisecond))
	case event.LatencySample:
		detail = ev.RTT.Round(time.Microsecond).String()
	case event.SessionStatus:
		detail = ev.Channel
	case event.CollaboratorChanged:
		detail = fmt.Sprintf("%s (%s)", ev.Collaborator.Name, ev.Collaborator.UserID)
	case event.CollaboratorTyping:
		detail = fmt.Sprintf("%s typing=%t", ev.UserID, ev.Typing)
	case event.OperationEvent:
		detail = fmt.Sprintf("%s %s", ev.Operation.ID, editText(ev.Operation.Edit))
	case event.OperationConfirmed:
		detail = fmt.Sprintf("%s v%d in %s", ev.OperationID, ev.Version, ev.Latency.Round(time.Millisecond))
	case event.OperationApplied:
		detail = fmt.Sprintf("v%d by %s: %s", ev.Version, ev.Operation.AuthorID, editText(ev.Operation.Edit))
	case event.OperationFailed:
		detail = fmt.Sprintf("%s [%s] %s", ev.OperationID, ev.Code, ev.Message)
	case event.BatchEvent:
		detail = fmt.Sprintf("%s ops=%d v%d", ev.BatchID, max(len(ev.OperationIDs), len(ev.Operations)), ev.Version)
	case event.QueueFlushed:
		detail = fmt.Sprintf("%d queued operations", ev.Count)
	case event.CursorEvent:
		detail = fmt.Sprintf("%s at %d", ev.Cursor.UserID, ev.Cursor.Position.Offset)
	case event.SyncRequested:
		detail = fmt.Sprintf("full=%t", ev.Full)
	case event.DocumentSynced:
		detail = fmt.Sprintf("v%d %q", ev.State.Version, ev.State.Content)
	case event.SyncConfirmed:
		detail = fmt.Sprintf("v%d", ev.Version)
	case event.ConflictEvent:
		detail = fmt.Sprintf("%s on %s: %s", ev.Conflict.ID, ev.Conflict.OperationID, ev.Conflict.Reason)
	case event.ConflictResolved:
		detail = fmt.Sprintf("%s by %s", ev.ConflictID, ev.ResolvedBy)
	case event.VersionCreated:
		detail = fmt.Sprintf("%q at v%d (%s)", ev.Name, ev.Version, ev.VersionID)
	}

	line := fmt.Sprintf("%s %-32s", e.Timestamp().Format("15:04:05.000"), e.Kind())
	if detail != "" {
		line += " " + detail
	}
	return strings.TrimRight(line, " ")
}

func editText(e models.Edit) string {
	switch e.Type {
	case models.OpInsert:
		return fmt.Sprintf("insert %q at %d", e.Text, e.Position)
	case models.OpDelete:
		return fmt.Sprintf("delete %d at %d", e.Length, e.Position)
	default:
		return fmt.Sprintf("%s %d+%d", e.Type, e.Position, e.Length)
	}
}

func errText(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
