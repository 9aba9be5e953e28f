package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"github.com/smallbiznis/caisse/internal/sale/domain"
	"gorm.io/gorm"
)

type repository struct{}

func NewRepository() domain.Repository {
	return &repository{}
}

func (r *repository) Create(ctx context.Context, tx *gorm.DB, sale *domain.Sale) error {
	return tx.WithContext(ctx).Create(sale).Error
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID) (*domain.Sale, error) {
	var sale domain.Sale
	err := db.WithContext(ctx).
		Preload("Lines", func(q *gorm.DB) *gorm.DB { return q.Order("line_no ASC") }).
		Where("org_id = ? AND id = ?", orgID, saleID).
		Take(&sale).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSaleNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (r *repository) FindByIDs(ctx context.Context, db *gorm.DB, orgID snowflake.ID, saleIDs []snowflake.ID) ([]domain.Sale, error) {
	if len(saleIDs) == 0 {
		return nil, nil
	}
	var sales []domain.Sale
	err := db.WithContext(ctx).
		Preload("Lines", func(q *gorm.DB) *gorm.DB { return q.Order("line_no ASC") }).
		Where("org_id = ? AND id IN ?", orgID, saleIDs).
		Find(&sales).Error
	if err != nil {
		return nil, err
	}
	return sales, nil
}

func (r *repository) ListClosingLines(ctx context.Context, db *gorm.DB, orgID snowflake.ID, from, to time.Time) ([]domain.ClosingLine, error) {
	var rows []domain.ClosingLine
	err := db.WithContext(ctx).Raw(
		`SELECT s.id AS sale_id,
		        s.completed_at,
		        s.payment_method,
		        s.gross_total AS sale_gross,
		        e.sequence_number,
		        l.line_no,
		        l.vat_rate,
		        l.gross AS line_gross
		 FROM sales s
		 JOIN sale_lines l ON l.sale_id = s.id
		 LEFT JOIN ledger_entries e ON e.sale_id = s.id AND e.org_id = s.org_id
		 WHERE s.org_id = ?
		   AND s.status = ?
		   AND s.completed_at >= ?
		   AND s.completed_at < ?
		 ORDER BY s.completed_at ASC, s.id ASC, l.line_no ASC`,
		orgID,
		domain.SaleStatusCompleted,
		from.UTC(),
		to.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Keeps IN lists well below the PostgreSQL bind parameter limit.
const snapshotBatchSize = 1000

// SnapshotLoader rebuilds chain snapshots from stored sales.
type SnapshotLoader struct {
	repo domain.Repository
}

func NewSnapshotLoader(repo domain.Repository) ledgerdomain.SnapshotLoader {
	return &SnapshotLoader{repo: repo}
}

func (l *SnapshotLoader) LoadSnapshots(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, saleIDs []snowflake.ID) (map[snowflake.ID]ledgerdomain.SaleSnapshot, error) {
	out := make(map[snowflake.ID]ledgerdomain.SaleSnapshot, len(saleIDs))
	for start := 0; start < len(saleIDs); start += snapshotBatchSize {
		end := min(start+snapshotBatchSize, len(saleIDs))
		sales, err := l.repo.FindByIDs(ctx, tx, orgID, saleIDs[start:end])
		if err != nil {
			return nil, err
		}
		for _, sale := range sales {
			out[sale.ID] = sale.Snapshot()
		}
	}
	return out, nil
}
