// Package autoload initializes the global logger from environment
// configuration as an import side effect.
package autoload

import (
	configx "github.com/conciergehq/concierge/pkg/config"
	logx "github.com/conciergehq/concierge/pkg/logger"
)

func init() {
	cfg, err := configx.New[logx.Config]("LOG")
	if err != nil {
		logx.Init()
		return
	}
	logx.Init(*cfg)
}
