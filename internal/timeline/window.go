package timeline

import (
	"time"

	"github.com/vendaflow/atendimento-console/internal/model"
)

// EvaluateWindow computes the 24-hour WhatsApp session-window state from the
// most recent customer message timestamp.
//
// With no customer-initiated anchor the window is closed: sending a freeform
// message outside an open window is the costly failure mode, so the default
// is the conservative one. The anchor must be the true last customer message
// of the conversation, not just the newest one in the currently loaded page
// window (see store.LastCustomerMessage).
//
// Openness decays with elapsed time alone, so callers must re-evaluate on a
// timer as well as on message arrival.
func EvaluateWindow(lastCustomerAt *time.Time, now time.Time) model.WindowState {
	if lastCustomerAt == nil || lastCustomerAt.IsZero() {
		return model.WindowState{IsOpen: false}
	}
	ts := *lastCustomerAt
	hours := now.Sub(ts).Hours()
	return model.WindowState{
		IsOpen:                hours < model.SessionWindowHours,
		LastCustomerMessageAt: &ts,
		HoursSinceLast:        hours,
	}
}
