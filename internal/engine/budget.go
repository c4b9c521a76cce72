package engine

import (
	"context"
	"fmt"

	"github.com/privacytap/dpquery/internal/domain"
)

// GetBudget looks up a user's budget. An empty datasetName returns
// every budget entry the user holds.
func (e *Engine) GetBudget(ctx context.Context, userID, datasetName string) ([]domain.BudgetEntry, error) {
	if err := e.gateCheck(ctx, userID); err != nil {
		return nil, err
	}

	if datasetName == "" {
		entries, err := e.admin.ListBudgets(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		return entries, nil
	}

	entry, err := e.admin.GetBudget(ctx, userID, datasetName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	return []domain.BudgetEntry{entry}, nil
}

// GetArchives lists a user's past query archives. An empty datasetName
// lists every archive for the user across all datasets.
func (e *Engine) GetArchives(ctx context.Context, userID, datasetName string) ([]domain.Archive, error) {
	if err := e.gateCheck(ctx, userID); err != nil {
		return nil, err
	}
	archives, err := e.admin.ListArchives(ctx, userID, datasetName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	return archives, nil
}
