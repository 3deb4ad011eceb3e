// Package global holds the process-wide logger and the config the backend
// was built with.
package global

import (
	"coffee-fleet/backend/config"

	"github.com/rs/zerolog"
)

var (
	Logger zerolog.Logger = zerolog.Nop()
	Config config.Config
)
