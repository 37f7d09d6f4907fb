package service

import "buttonsync/internal/model"

// Broadcaster pushes session snapshots to subscribers (avoids import cycle with transport)
type Broadcaster interface {
	BroadcastSession(view *model.SessionView)
}
