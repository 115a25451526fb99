package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/ayo6706/crypto-custody/internal/repository"
)

var ErrInvalidTransition = errors.New("invalid conversion state transition")

var buyTransitions = map[string]map[string]struct{}{
	domain.ConversionPending: {
		domain.ConversionPixSent: {},
		domain.ConversionFailed:  {},
	},
	domain.ConversionPixSent: {
		domain.ConversionUSDTBought: {},
		domain.ConversionFailed:     {},
	},
	domain.ConversionUSDTBought: {
		domain.ConversionUSDTWithdrawn: {},
		domain.ConversionFailed:        {},
	},
	domain.ConversionUSDTWithdrawn: {
		domain.ConversionCompleted: {},
		domain.ConversionFailed:    {},
	},
	domain.ConversionCompleted: {},
	domain.ConversionFailed:    {},
}

var sellTransitions = map[string]map[string]struct{}{
	domain.ConversionPending: {
		domain.ConversionAwaitingDeposit: {},
		domain.ConversionFailed:          {},
	},
	domain.ConversionAwaitingDeposit: {
		domain.ConversionUSDTDeposited: {},
		domain.ConversionFailed:        {},
	},
	domain.ConversionUSDTDeposited: {
		domain.ConversionUSDTSold: {},
		domain.ConversionFailed:   {},
	},
	domain.ConversionUSDTSold: {
		domain.ConversionCompleted: {},
		domain.ConversionFailed:    {},
	},
	domain.ConversionCompleted: {},
	domain.ConversionFailed:    {},
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(conversionType, current, next string) bool {
	table := buyTransitions
	if conversionType == domain.ConversionTypeSell {
		table = sellTransitions
	}
	nextStates, ok := table[normalizeState(current)]
	if !ok {
		return false
	}
	_, ok = nextStates[normalizeState(next)]
	return ok
}

// transitionConversion locks the row, validates current -> next, persists every
// mutable field of conv and writes the audit entry. A same-state call only
// persists the fields.
func transitionConversion(ctx context.Context, qtx repository.Querier, audit *AuditService, conv *models.Conversion, nextState, action string) error {
	currentState, err := qtx.GetConversionStatusForUpdate(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("get current conversion state: %w", err)
	}

	sameState := normalizeState(currentState) == normalizeState(nextState)
	if !sameState && !canTransition(conv.Type, currentState, nextState) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentState, nextState)
	}

	conv.Status = nextState
	rows, err := qtx.UpdateConversion(ctx, *conv)
	if err != nil {
		return fmt.Errorf("update conversion: %w", err)
	}
	if err := requireExactlyOne(rows, "update conversion"); err != nil {
		return err
	}
	if sameState {
		return nil
	}

	metadata := map[string]any{"type": conv.Type}
	if conv.ErrorMessage != nil {
		metadata["error"] = *conv.ErrorMessage
	}
	return audit.Write(ctx, qtx, "conversion", conv.ID, &conv.CustomerID, action, currentState, nextState, metadata)
}
