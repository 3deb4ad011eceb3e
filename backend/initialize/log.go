package initialize

import (
	"os"
	"time"

	"coffee-fleet/backend/global"

	"github.com/rs/zerolog"
)

func init() {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	global.Logger = zerolog.New(cw).With().Timestamp().Logger()
}

// SetLogLevel applies the configured level; unknown names fall back to info.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	global.Logger = global.Logger.Level(lvl)
}
