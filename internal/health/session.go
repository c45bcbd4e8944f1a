package health

import (
	"context"
	"fmt"

	"github.com/MrWong99/voicecoach/internal/session"
)

// SessionChecker reports the voice session as not ready while it is in
// [session.StateError]. Every other state, Idle included, is ready: the
// user can start a conversation.
func SessionChecker(snapshot func() session.Snapshot) Checker {
	return Checker{
		Name: "session",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			snap := snapshot()
			if snap.Status != session.StateError {
				return nil
			}
			if snap.Err != nil {
				return fmt.Errorf("session failed: %w", snap.Err)
			}
			return fmt.Errorf("session failed: %s", snap.Message)
		},
	}
}
