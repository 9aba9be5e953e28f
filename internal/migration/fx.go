package migration

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/config"
	"github.com/smallbiznis/caisse/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node, log *zap.Logger) error {
		if err := Migrate(conn); err != nil {
			return err
		}

		org, err := seed.EnsureDefaultOrg(conn, node, seed.DefaultOrg{
			Name:     cfg.DefaultOrgName,
			Timezone: cfg.DefaultOrgTimezone,
		})
		if err != nil {
			return err
		}
		log.Info("default organization ready",
			zap.String("org_id", org.ID.String()),
			zap.String("timezone", org.TimezoneName),
		)
		return nil
	}),
)
