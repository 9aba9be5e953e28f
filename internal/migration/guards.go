package migration

import (
	"fmt"
	"strings"

	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	closingdomain "github.com/smallbiznis/caisse/internal/closing/domain"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	organizationdomain "github.com/smallbiznis/caisse/internal/organization/domain"
	saledomain "github.com/smallbiznis/caisse/internal/sale/domain"
	"github.com/smallbiznis/caisse/pkg/db"
	"gorm.io/gorm"
)

// appendOnlyTables reject every UPDATE and DELETE.
var appendOnlyTables = []string{"ledger_entries", "audit_logs"}

// reportWriteOnceColumns may never change once a daily report is stored.
var reportWriteOnceColumns = []string{
	"id", "org_id", "business_date", "timezone", "sale_count",
	"gross_total", "net_total", "tax_total", "payment_totals", "vat_breakdown",
	"first_sale_id", "last_sale_id", "first_sequence", "last_sequence",
	"signature_hash", "signature_version", "requested_by", "created_at",
}

// AutoMigrate creates the schema from the models and installs the
// immutability triggers for sqlite and mysql.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&organizationdomain.Organization{},
		&saledomain.Sale{},
		&saledomain.SaleLine{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerChainHead{},
		&closingdomain.DailyReport{},
		&auditdomain.AuditLog{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	var statements []string
	switch conn.Dialector.Name() {
	case db.DialectSQLite:
		statements = sqliteGuards()
	case db.DialectMySQL:
		statements = mysqlGuards()
	default:
		return nil
	}
	for _, stmt := range statements {
		if err := conn.Exec(stmt).Error; err != nil {
			return fmt.Errorf("install guard: %w", err)
		}
	}
	return nil
}

func sqliteGuards() []string {
	var out []string
	for _, table := range appendOnlyTables {
		for _, op := range []string{"UPDATE", "DELETE"} {
			out = append(out, fmt.Sprintf(
				`CREATE TRIGGER IF NOT EXISTS trg_%[1]s_no_%[2]s BEFORE %[3]s ON %[1]s
BEGIN SELECT RAISE(ABORT, '%[4]s: %[1]s rows cannot be %[5]s'); END`,
				table, strings.ToLower(op), op, db.ImmutableViolationMarker, pastTense(op)))
		}
	}

	changed := make([]string, 0, len(reportWriteOnceColumns))
	for _, col := range reportWriteOnceColumns {
		changed = append(changed, fmt.Sprintf("NEW.%[1]s IS NOT OLD.%[1]s", col))
	}
	out = append(out,
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS trg_daily_reports_write_once BEFORE UPDATE ON daily_reports
WHEN %s
BEGIN SELECT RAISE(ABORT, '%s: daily_reports only allows status changes'); END`,
			strings.Join(changed, " OR "), db.ImmutableViolationMarker),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS trg_daily_reports_no_delete BEFORE DELETE ON daily_reports
BEGIN SELECT RAISE(ABORT, '%s: daily_reports rows cannot be deleted'); END`,
			db.ImmutableViolationMarker),
	)
	return out
}

func mysqlGuards() []string {
	var out []string
	for _, table := range appendOnlyTables {
		for _, op := range []string{"UPDATE", "DELETE"} {
			name := fmt.Sprintf("trg_%s_no_%s", table, strings.ToLower(op))
			out = append(out,
				"DROP TRIGGER IF EXISTS "+name,
				fmt.Sprintf(`CREATE TRIGGER %s BEFORE %s ON %s FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = '%s: %s rows cannot be %s'`,
					name, op, table, db.ImmutableViolationMarker, table, pastTense(op)),
			)
		}
	}

	same := make([]string, 0, len(reportWriteOnceColumns))
	for _, col := range reportWriteOnceColumns {
		same = append(same, fmt.Sprintf("NEW.%[1]s <=> OLD.%[1]s", col))
	}
	out = append(out,
		"DROP TRIGGER IF EXISTS trg_daily_reports_write_once",
		fmt.Sprintf(`CREATE TRIGGER trg_daily_reports_write_once BEFORE UPDATE ON daily_reports FOR EACH ROW
BEGIN
	IF NOT (%s) THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = '%s: daily_reports only allows status changes';
	END IF;
END`, strings.Join(same, " AND "), db.ImmutableViolationMarker),
		"DROP TRIGGER IF EXISTS trg_daily_reports_no_delete",
		fmt.Sprintf(`CREATE TRIGGER trg_daily_reports_no_delete BEFORE DELETE ON daily_reports FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = '%s: daily_reports rows cannot be deleted'`,
			db.ImmutableViolationMarker),
	)
	return out
}

func pastTense(op string) string {
	if op == "UPDATE" {
		return "updated"
	}
	return "deleted"
}
