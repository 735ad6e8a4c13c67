package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/redmasterf0x/spad/internal/metrics"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/store"
)

// TransferRequest asks to move cash into or out of an account.
type TransferRequest struct {
	AccountID      string             `json:"account_id"`
	Type           model.TransferType `json:"transfer_type"`
	Amount         money.Money        `json:"amount"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// RequestTransfer records a REQUESTED transfer. A repeated idempotency key
// returns the transfer created by the first request.
func (s *Service) RequestTransfer(ctx context.Context, req TransferRequest) (*model.Transfer, error) {
	if req.AccountID == "" {
		return nil, model.Validation("account_id is required")
	}
	if !req.Type.Valid() {
		return nil, model.Validation("invalid transfer type %q", req.Type)
	}
	if !req.Amount.IsPositive() {
		return nil, model.Validation("amount must be positive")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	if existing, err := s.store.GetTransferByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		if existing.AccountID != req.AccountID {
			return nil, model.Errorf(model.KindConflict, "idempotency key %s belongs to another account", req.IdempotencyKey)
		}
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var t *model.Transfer
	err := s.store.WithAccount(ctx, req.AccountID, func(tx store.Tx) error {
		acct := tx.Account()
		if acct.Status != model.AccountActive {
			return model.Errorf(model.KindAccountNotActive, "account %s is %s", acct.ID, acct.Status)
		}
		amount := req.Amount.RoundCash()
		if !req.Type.Inbound() && acct.AvailableBalance().LessThan(amount) {
			return model.Errorf(model.KindInsufficientBalance,
				"transfer %s exceeds available balance %s", amount, acct.AvailableBalance())
		}
		now := s.now()
		t = &model.Transfer{
			ID:             uuid.New().String(),
			AccountID:      req.AccountID,
			TransferType:   req.Type,
			Status:         model.TransferRequested,
			Amount:         amount,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.InsertTransfer(ctx, t)
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with a concurrent request carrying the same key.
		return s.store.GetTransferByIdempotencyKey(ctx, req.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer requested",
		"transfer_id", t.ID,
		"account", t.AccountID,
		"type", t.TransferType,
		"amount", t.Amount.String(),
	)
	return t, nil
}

// CompleteTransfer settles a transfer: inbound transfers post a DEPOSIT,
// outbound ones a WITHDRAWAL, both linked by transfer id.
func (s *Service) CompleteTransfer(ctx context.Context, transferID string) (*model.Transfer, *model.LedgerEntry, error) {
	t, err := s.loadTransfer(ctx, transferID)
	if err != nil {
		return nil, nil, err
	}

	var entry *model.LedgerEntry
	err = s.store.WithAccount(ctx, t.AccountID, func(tx store.Tx) error {
		locked, err := tx.GetTransfer(ctx, transferID)
		if err != nil {
			return fmt.Errorf("reload transfer: %w", err)
		}
		if err := requireOpen(locked); err != nil {
			return err
		}

		entryType, verb := model.EntryWithdrawal, "Withdrawal"
		if locked.TransferType.Inbound() {
			entryType, verb = model.EntryDeposit, "Deposit"
		}
		entry, err = s.PostTx(ctx, tx, PostRequest{
			AccountID:   locked.AccountID,
			EntryType:   entryType,
			Amount:      locked.Amount,
			Description: fmt.Sprintf("%s via %s", verb, locked.TransferType),
			TransferID:  locked.ID,
			Metadata:    map[string]string{"transfer_type": string(locked.TransferType)},
		})
		if err != nil {
			return err
		}

		now := s.now()
		locked.Status = model.TransferCompleted
		locked.UpdatedAt = now
		locked.CompletedAt = &now
		t = locked
		return tx.UpdateTransfer(ctx, locked)
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(entry.EntryType)).Inc()
	s.logger.Info("transfer completed", "transfer_id", t.ID, "account", t.AccountID, "entry_id", entry.ID)
	return t, entry, nil
}

// FailTransfer marks an open transfer FAILED. No ledger entry is written.
func (s *Service) FailTransfer(ctx context.Context, transferID, reason string) (*model.Transfer, error) {
	t, err := s.loadTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	err = s.store.WithAccount(ctx, t.AccountID, func(tx store.Tx) error {
		locked, err := tx.GetTransfer(ctx, transferID)
		if err != nil {
			return fmt.Errorf("reload transfer: %w", err)
		}
		if err := requireOpen(locked); err != nil {
			return err
		}
		locked.Status = model.TransferFailed
		locked.FailureReason = reason
		locked.UpdatedAt = s.now()
		t = locked
		return tx.UpdateTransfer(ctx, locked)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("transfer failed", "transfer_id", t.ID, "account", t.AccountID, "reason", reason)
	return t, nil
}

// Transfer returns one transfer.
func (s *Service) Transfer(ctx context.Context, transferID string) (*model.Transfer, error) {
	return s.loadTransfer(ctx, transferID)
}

func (s *Service) loadTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	t, err := s.store.GetTransfer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrTransferNotFound
	}
	return t, err
}

func requireOpen(t *model.Transfer) error {
	if t.Status != model.TransferRequested && t.Status != model.TransferProcessing {
		return model.Errorf(model.KindInvalidTransferState, "transfer %s is %s", t.ID, t.Status)
	}
	return nil
}
