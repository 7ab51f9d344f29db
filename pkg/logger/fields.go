package logger

import "go.uber.org/zap"

// Field keys shared by the watcher and the syncer, so one update can be
// followed across both processes.
const (
	KeyChannel    = "channel_id"
	KeyMessage    = "message_id"
	KeyGame       = "game"
	KeyGameUpdate = "game_update_id"
	KeyVersion    = "version"
)

func Channel(id string) zap.Field { return zap.String(KeyChannel, id) }

func MessageID(id string) zap.Field { return zap.String(KeyMessage, id) }

func Game(name string) zap.Field { return zap.String(KeyGame, name) }

func GameUpdate(id string) zap.Field { return zap.String(KeyGameUpdate, id) }

// Version logs "none" for an update without a version, so a missing value
// reads differently from an empty string in a search.
func Version(v string) zap.Field {
	if v == "" {
		return zap.String(KeyVersion, "none")
	}
	return zap.String(KeyVersion, v)
}
