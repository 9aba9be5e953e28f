package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/clock"
	"github.com/smallbiznis/caisse/internal/config"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	"github.com/smallbiznis/caisse/pkg/db"
	"github.com/smallbiznis/caisse/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListPageSize = 50
	maxListPageSize     = 500
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	Snapshots  ledgerdomain.SnapshotLoader
	Config     config.Config       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	snapshots  ledgerdomain.SnapshotLoader
	cfg        config.LedgerConfig
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		snapshots:  p.Snapshots,
		cfg:        p.Config.Ledger,
		obsMetrics: p.ObsMetrics,
	}
}

// Append locks the tenant chain head, derives the next link from the last
// entry and inserts it. It never opens its own transaction: tx must be the
// one persisting the sale so both commit or roll back together.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, snapshot ledgerdomain.SaleSnapshot) (*ledgerdomain.LedgerEntry, error) {
	if tx == nil {
		return nil, ledgerdomain.ErrMissingTransaction
	}
	if snapshot.Version == "" {
		snapshot.Version = ledgerdomain.HashVersionV1
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	orgID := snapshot.OrgID

	head, err := s.lockHead(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}

	chained, err := s.repo.ExistsForSale(ctx, tx, snapshot.SaleID)
	if err != nil {
		return nil, err
	}
	if chained {
		return nil, fmt.Errorf("%w: sale %s", ledgerdomain.ErrSaleAlreadyChained, snapshot.SaleID)
	}

	last, err := s.repo.LastEntry(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	if err := s.checkHead(ctx, tx, head, last); err != nil {
		return nil, err
	}

	nextSeq := int64(1)
	previousHash := ledgerdomain.GenesisHash
	if last != nil {
		nextSeq = last.SequenceNumber + 1
		previousHash = last.CurrentHash
	}

	currentHash, err := ledgerdomain.DeriveHash(snapshot, previousHash)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	entry := &ledgerdomain.LedgerEntry{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SaleID:         snapshot.SaleID,
		SequenceNumber: nextSeq,
		CurrentHash:    currentHash,
		PreviousHash:   previousHash,
		HashVersion:    snapshot.Version,
		CertifiedAt:    now,
		CreatedAt:      now,
	}
	if err := s.repo.Insert(ctx, tx, entry); err != nil {
		if errors.Is(err, ledgerdomain.ErrChainConflict) {
			s.log.Error("ledger chain conflict",
				zap.String("org_id", orgID.String()),
				zap.Int64("sequence_number", nextSeq),
				zap.String("sale_id", snapshot.SaleID.String()),
				zap.Error(err),
			)
		}
		return nil, err
	}
	if err := s.repo.AdvanceHead(ctx, tx, orgID, nextSeq, currentHash); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordLedgerEntry(ctx, orgID.String(), snapshot.PaymentMethod)
	s.log.Debug("ledger entry appended",
		zap.String("org_id", orgID.String()),
		zap.Int64("sequence_number", nextSeq),
		zap.String("sale_id", snapshot.SaleID.String()),
	)
	return entry, nil
}

// checkHead cross-checks the locked head against the authoritative last
// entry. A head created in this transaction adopts an existing chain.
func (s *Service) checkHead(ctx context.Context, tx *gorm.DB, head *ledgerdomain.LedgerChainHead, last *ledgerdomain.LedgerEntry) error {
	lastSeq := int64(0)
	lastHash := ledgerdomain.GenesisHash
	if last != nil {
		lastSeq = last.SequenceNumber
		lastHash = last.CurrentHash
	}
	if head.LastSequence == lastSeq && head.LastHash == lastHash {
		return nil
	}

	if head.LastSequence == 0 && last != nil {
		s.log.Warn("initialising chain head from existing entries",
			zap.String("org_id", head.OrgID.String()),
			zap.Int64("sequence_number", lastSeq),
		)
		return s.repo.AdvanceHead(ctx, tx, head.OrgID, lastSeq, lastHash)
	}

	err := &ledgerdomain.ConsistencyError{
		Err:            ledgerdomain.ErrChainHeadMismatch,
		OrgID:          head.OrgID,
		SequenceNumber: lastSeq,
		Detail:         fmt.Sprintf("head at sequence %d", head.LastSequence),
	}
	s.log.Error("ledger chain head mismatch",
		zap.String("org_id", head.OrgID.String()),
		zap.Int64("sequence_number", lastSeq),
		zap.Int64("head_sequence", head.LastSequence),
		zap.Error(err),
	)
	return err
}

func (s *Service) classifyLockErr(ctx context.Context, err error) error {
	if db.IsLockTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ledgerdomain.ErrChainLockTimeout, err)
	}
	return err
}

func (s *Service) ListEntries(ctx context.Context, orgID snowflake.ID, page pagination.Page) ([]ledgerdomain.EntryView, pagination.PageInfo, error) {
	if orgID == 0 {
		return nil, pagination.PageInfo{}, ledgerdomain.ErrInvalidOrganization
	}
	if page.Offset < 0 || page.Limit < 0 {
		return nil, pagination.PageInfo{}, ledgerdomain.ErrInvalidPage
	}
	def := s.cfg.ListDefaultPerPage
	if def <= 0 {
		def = defaultListPageSize
	}
	page = page.Normalize(def, maxListPageSize)

	entries, err := s.repo.ListWindow(ctx, s.db, orgID, page.Offset, page.Limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	entries, info := pagination.Trim(entries, page)

	views := make([]ledgerdomain.EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, ledgerdomain.NewEntryView(entry))
	}
	return views, info, nil
}

// ExportEntries returns the whole chain with full hashes, read from one
// snapshot.
func (s *Service) ExportEntries(ctx context.Context, orgID snowflake.ID) ([]ledgerdomain.ExportRecord, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	var entries []ledgerdomain.LedgerEntry
	err := db.ReadSnapshot(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		entries, err = s.repo.ListWindow(ctx, tx, orgID, 0, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	records := make([]ledgerdomain.ExportRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, ledgerdomain.NewExportRecord(entry))
	}
	return records, nil
}

// HoldChain takes the tenant chain lock for the rest of tx without
// appending. Appends for orgID wait until tx ends.
func (s *Service) HoldChain(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) error {
	if tx == nil {
		return ledgerdomain.ErrMissingTransaction
	}
	if orgID == 0 {
		return ledgerdomain.ErrInvalidOrganization
	}
	_, err := s.lockHead(ctx, tx, orgID)
	return err
}

func (s *Service) lockHead(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*ledgerdomain.LedgerChainHead, error) {
	if err := db.SetLockTimeout(tx.WithContext(ctx), s.cfg.LockTimeout); err != nil {
		return nil, err
	}
	if err := s.repo.EnsureHead(ctx, tx, orgID); err != nil {
		return nil, s.classifyLockErr(ctx, err)
	}

	lockStart := time.Now()
	head, err := s.repo.LockHead(ctx, tx, orgID)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceLedgerChainHead, time.Since(lockStart))
	if err != nil {
		return nil, s.classifyLockErr(ctx, err)
	}
	return head, nil
}
