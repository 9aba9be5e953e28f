package main

import (
	"github.com/smallbiznis/caisse/internal/app"
	"github.com/smallbiznis/caisse/internal/integritymetrics"
	"github.com/smallbiznis/caisse/internal/scheduler"
	"go.uber.org/fx"
)

// The scheduler expects the schema to exist; run the api first.
func main() {
	fx.New(
		app.Infrastructure,
		app.Fiscal,
		integritymetrics.Module,
		scheduler.Module,
	).Run()
}
