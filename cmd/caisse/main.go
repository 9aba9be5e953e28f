package main

import (
	"github.com/smallbiznis/caisse/internal/app"
	"github.com/smallbiznis/caisse/internal/integritymetrics"
	"github.com/smallbiznis/caisse/internal/migration"
	"github.com/smallbiznis/caisse/internal/scheduler"
	"github.com/smallbiznis/caisse/internal/server"
	"go.uber.org/fx"
)

// caisse runs the API and the scheduler in one process.
func main() {
	fx.New(
		app.Infrastructure,
		migration.Module,
		app.Fiscal,
		integritymetrics.Module,

		scheduler.Module,
		server.Module,
	).Run()
}
