package app

import (
	"strings"

	"github.com/wavechat/wavechat/pkg/logger"
)

// ConfigureLogging initialises the global logger from the configured level.
func ConfigureLogging(level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	return logger.Init(level)
}
