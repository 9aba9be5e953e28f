package main

import (
	"github.com/smallbiznis/caisse/internal/app"
	"github.com/smallbiznis/caisse/internal/migration"
	"github.com/smallbiznis/caisse/internal/server"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		app.Infrastructure,
		migration.Module,
		app.Fiscal,
		server.Module,
	).Run()
}
