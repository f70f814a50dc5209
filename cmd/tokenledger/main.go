package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/draftdesk/tokenledger/internal/clock"
	"github.com/draftdesk/tokenledger/internal/config"
	"github.com/draftdesk/tokenledger/internal/logger"
	"github.com/draftdesk/tokenledger/internal/migration"
	"github.com/draftdesk/tokenledger/internal/observability"
	"github.com/draftdesk/tokenledger/internal/scheduler"
	"github.com/draftdesk/tokenledger/internal/server"
	"github.com/draftdesk/tokenledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain modules are composed by the HTTP server module.
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
