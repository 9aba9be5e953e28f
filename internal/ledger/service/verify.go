package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
	"github.com/smallbiznis/caisse/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Verify replays a slice of the tenant chain inside one read-only snapshot
// and reports the first broken link. It takes no append lock.
func (s *Service) Verify(ctx context.Context, req ledgerdomain.VerifyRequest) (*ledgerdomain.VerificationResult, error) {
	if req.OrgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if req.Offset < 0 || req.Limit < 0 {
		return nil, ledgerdomain.ErrInvalidPage
	}
	limit := req.Limit
	if limit == 0 && s.cfg.VerifyPageSize > 0 {
		limit = s.cfg.VerifyPageSize
	}
	if s.cfg.VerifyMaxPageSize > 0 && limit > s.cfg.VerifyMaxPageSize {
		limit = s.cfg.VerifyMaxPageSize
	}

	result := &ledgerdomain.VerificationResult{
		OrgID:   req.OrgID.String(),
		Valid:   true,
		Offset:  req.Offset,
		Limit:   limit,
		Details: []ledgerdomain.CheckDetail{},
	}

	err := db.ReadSnapshot(ctx, s.db, func(tx *gorm.DB) error {
		fetchOffset, fetchLimit := req.Offset, limit
		if req.Offset > 0 {
			fetchOffset--
			if fetchLimit > 0 {
				fetchLimit++
			}
		}
		rows, err := s.repo.ListWindow(ctx, tx, req.OrgID, fetchOffset, fetchLimit)
		if err != nil {
			return err
		}

		var predecessor *ledgerdomain.LedgerEntry
		if req.Offset > 0 {
			if len(rows) == 0 {
				return nil
			}
			predecessor = &rows[0]
			rows = rows[1:]
		}
		if len(rows) == 0 {
			return nil
		}

		saleIDs := make([]snowflake.ID, 0, len(rows))
		for _, entry := range rows {
			saleIDs = append(saleIDs, entry.SaleID)
		}
		snapshots, err := s.snapshots.LoadSnapshots(ctx, tx, req.OrgID, saleIDs)
		if err != nil {
			return err
		}

		replay(result, rows, predecessor, int64(req.Offset)+1, snapshots)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Valid {
		if result.TotalChecked == 0 {
			result.Message = "no entries to verify"
		} else {
			result.Message = fmt.Sprintf("chain intact: %d entries verified", result.TotalChecked)
		}
	}

	s.report(ctx, result)
	return result, nil
}

func (s *Service) report(ctx context.Context, result *ledgerdomain.VerificationResult) {
	source := "api"
	if actorType, _ := obscontext.ActorFromContext(ctx); actorType == "system" {
		source = "scheduler"
	}
	kind := ""
	if result.FailureKind != nil {
		kind = string(*result.FailureKind)
	}
	s.obsMetrics.RecordVerification(ctx, result.OrgID, source, result.Valid, kind)
	if result.Valid {
		return
	}

	var brokenAt int64
	if result.BrokenAt != nil {
		brokenAt = *result.BrokenAt
	}
	s.log.Error("fiscal ledger integrity compromised",
		zap.String("org_id", result.OrgID),
		zap.Int64("sequence_number", brokenAt),
		zap.String("failure_kind", kind),
		zap.String("message", result.Message),
	)
}

// replay runs the sequence, linkage and tamper checks in that order on each
// entry and stops at the first failure. TotalChecked includes the failing
// entry.
func replay(
	result *ledgerdomain.VerificationResult,
	entries []ledgerdomain.LedgerEntry,
	predecessor *ledgerdomain.LedgerEntry,
	expectedSeq int64,
	snapshots map[snowflake.ID]ledgerdomain.SaleSnapshot,
) {
	expectedPrevious := ledgerdomain.GenesisHash
	if predecessor != nil {
		expectedPrevious = predecessor.CurrentHash
	}

	for _, entry := range entries {
		saleID := entry.SaleID.String()
		result.TotalChecked++

		if entry.SequenceNumber != expectedSeq {
			msg := fmt.Sprintf("sequence gap: expected %d, found %d", expectedSeq, entry.SequenceNumber)
			result.Details = append(result.Details, ledgerdomain.CheckDetail{
				SequenceNumber: entry.SequenceNumber,
				SaleID:         saleID,
				Check:          ledgerdomain.CheckSequence,
				Expected:       fmt.Sprint(expectedSeq),
				Actual:         fmt.Sprint(entry.SequenceNumber),
				Message:        msg,
			})
			result.MarkBroken(entry.SequenceNumber, ledgerdomain.FailureKindSequence, msg)
			return
		}
		result.Details = append(result.Details, ledgerdomain.CheckDetail{
			SequenceNumber: entry.SequenceNumber,
			SaleID:         saleID,
			Check:          ledgerdomain.CheckSequence,
			Passed:         true,
		})

		if entry.PreviousHash != expectedPrevious {
			msg := fmt.Sprintf("linkage broken at sequence %d: previous hash does not match the preceding entry", entry.SequenceNumber)
			result.Details = append(result.Details, ledgerdomain.CheckDetail{
				SequenceNumber: entry.SequenceNumber,
				SaleID:         saleID,
				Check:          ledgerdomain.CheckLinkage,
				Expected:       expectedPrevious,
				Actual:         entry.PreviousHash,
				Message:        msg,
			})
			result.MarkBroken(entry.SequenceNumber, ledgerdomain.FailureKindLinkage, msg)
			return
		}
		result.Details = append(result.Details, ledgerdomain.CheckDetail{
			SequenceNumber: entry.SequenceNumber,
			SaleID:         saleID,
			Check:          ledgerdomain.CheckLinkage,
			Passed:         true,
		})

		recomputed, msg := rederive(entry, snapshots)
		if msg == "" && recomputed != entry.CurrentHash {
			msg = fmt.Sprintf("tamper detected at sequence %d: recomputed hash differs from stored hash", entry.SequenceNumber)
		}
		if msg != "" {
			result.Details = append(result.Details, ledgerdomain.CheckDetail{
				SequenceNumber: entry.SequenceNumber,
				SaleID:         saleID,
				Check:          ledgerdomain.CheckTamper,
				Expected:       entry.CurrentHash,
				Actual:         recomputed,
				Message:        msg,
			})
			result.MarkBroken(entry.SequenceNumber, ledgerdomain.FailureKindTamper, msg)
			return
		}
		result.Details = append(result.Details, ledgerdomain.CheckDetail{
			SequenceNumber: entry.SequenceNumber,
			SaleID:         saleID,
			Check:          ledgerdomain.CheckTamper,
			Passed:         true,
		})

		expectedSeq++
		expectedPrevious = entry.CurrentHash
	}
}

func rederive(entry ledgerdomain.LedgerEntry, snapshots map[snowflake.ID]ledgerdomain.SaleSnapshot) (string, string) {
	snapshot, ok := snapshots[entry.SaleID]
	if !ok {
		return "", fmt.Sprintf("tamper detected at sequence %d: sale %s is missing", entry.SequenceNumber, entry.SaleID)
	}
	snapshot.Version = entry.HashVersion
	hash, err := ledgerdomain.DeriveHash(snapshot, entry.PreviousHash)
	if err != nil {
		return "", fmt.Sprintf("tamper detected at sequence %d: %v", entry.SequenceNumber, err)
	}
	return hash, ""
}
