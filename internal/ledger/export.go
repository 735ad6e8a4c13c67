package ledger

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/store"
)

// ExportRecord is one ledger entry in the reconciliation export.
type ExportRecord struct {
	ID               string `parquet:"id"`
	AccountID        string `parquet:"account_id"`
	EntryType        string `parquet:"entry_type"`
	Amount           string `parquet:"amount"`
	Currency         string `parquet:"currency"`
	Description      string `parquet:"description"`
	OrderID          string `parquet:"order_id"`
	TransferID       string `parquet:"transfer_id"`
	Side             string `parquet:"side"`
	IsReconciled     bool   `parquet:"is_reconciled"`
	ReconciliationID string `parquet:"reconciliation_id"`
	CreatedAt        int64  `parquet:"created_at,timestamp(millisecond)"`
}

func toRecord(e *model.LedgerEntry) ExportRecord {
	return ExportRecord{
		ID:               e.ID,
		AccountID:        e.AccountID,
		EntryType:        string(e.EntryType),
		Amount:           e.Amount.StringFixed(2),
		Currency:         e.Currency,
		Description:      e.Description,
		OrderID:          e.OrderID,
		TransferID:       e.TransferID,
		Side:             e.Metadata["side"],
		IsReconciled:     e.IsReconciled,
		ReconciliationID: e.ReconciliationID,
		CreatedAt:        e.CreatedAt.UnixMilli(),
	}
}

// Export writes every entry of an account, oldest first, as Parquet rows.
// It returns the number of rows written.
func (s *Service) Export(ctx context.Context, accountID string, w io.Writer) (int, error) {
	records, err := s.exportRecords(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if err := parquet.Write(w, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// ExportFile writes the export to path, creating parent directories.
func (s *Service) ExportFile(ctx context.Context, accountID, path string) (int, error) {
	records, err := s.exportRecords(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *Service) exportRecords(ctx context.Context, accountID string) ([]ExportRecord, error) {
	if err := s.requireAccount(ctx, accountID); err != nil {
		return nil, err
	}
	entries, _, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{AccountID: accountID, Ascending: true})
	if err != nil {
		return nil, err
	}
	records := make([]ExportRecord, len(entries))
	for i := range entries {
		records[i] = toRecord(&entries[i])
	}
	return records, nil
}
