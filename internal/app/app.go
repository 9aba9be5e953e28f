// Package app groups the fx modules shared by the caisse binaries.
package app

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/audit"
	"github.com/smallbiznis/caisse/internal/authorization"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/closing"
	"github.com/smallbiznis/caisse/internal/config"
	"github.com/smallbiznis/caisse/internal/ledger"
	"github.com/smallbiznis/caisse/internal/observability"
	"github.com/smallbiznis/caisse/internal/organization"
	"github.com/smallbiznis/caisse/internal/ratelimit"
	"github.com/smallbiznis/caisse/internal/sale"
	"github.com/smallbiznis/caisse/pkg/db"
	"go.uber.org/fx"
)

// Infrastructure wires configuration, telemetry, storage and redis. The
// redis client is nil when REDIS_ADDR is unset.
var Infrastructure = fx.Options(
	config.Module,
	observability.Module,
	fx.Provide(NewSnowflakeNode),
	db.Module,
	clock.Module,
	ratelimit.Module,
)

// Fiscal wires the tenant, sale, ledger, closing, audit and access services.
var Fiscal = fx.Options(
	organization.Module,
	sale.Module,
	ledger.Module,
	closing.Module,
	audit.Module,
	authorization.Module,
)

// NewSnowflakeNode returns the ID generator for this process. Each replica
// needs its own SNOWFLAKE_NODE_ID.
func NewSnowflakeNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNodeID)
}
