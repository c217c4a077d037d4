package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gestionly/veriledger/internal/migration"
	"github.com/gestionly/veriledger/internal/server"
	"github.com/gestionly/veriledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		server.Module,
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
