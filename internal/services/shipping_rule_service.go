package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/voltvault/api/internal/platform/ruletable"
)

var (
	// ErrRuleTableUnavailable indicates no rule table is loaded.
	ErrRuleTableUnavailable = errors.New("shipping rules: table unavailable")
	// ErrRuleTableReloadFailed indicates the replacement table could not be read or parsed; the
	// previous table stays active.
	ErrRuleTableReloadFailed = errors.New("shipping rules: reload failed")
)

// RuleTableReloader is the subset of *ruletable.Holder used by the rule service.
type RuleTableReloader interface {
	RuleTableSource
	Reload(ctx context.Context) (*ruletable.Table, error)
}

// ShippingRuleServiceDeps wires the shipping rule service.
type ShippingRuleServiceDeps struct {
	Rules  RuleTableReloader
	Logger func(context.Context, string, map[string]any)
}

type shippingRuleService struct {
	rules  RuleTableReloader
	logger func(context.Context, string, map[string]any)
}

func NewShippingRuleService(deps ShippingRuleServiceDeps) (ShippingRuleService, error) {
	if deps.Rules == nil {
		return nil, errors.New("shipping rule service: rule table holder is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &shippingRuleService{rules: deps.Rules, logger: logger}, nil
}

func (s *shippingRuleService) ActiveRules(context.Context) (RuleTableSnapshot, error) {
	table := s.rules.Current()
	if table == nil {
		return RuleTableSnapshot{}, ErrRuleTableUnavailable
	}
	return snapshotOf(table), nil
}

func (s *shippingRuleService) Reload(ctx context.Context) (RuleTableSnapshot, error) {
	previous := s.rules.Current()
	table, err := s.rules.Reload(ctx)
	if err != nil {
		fields := map[string]any{"level": "error", "error": err.Error()}
		if previous != nil {
			fields["activeVersion"] = previous.Version()
		}
		s.logger(ctx, "shipping_rules.reload_failed", fields)
		return RuleTableSnapshot{}, fmt.Errorf("%w: %w", ErrRuleTableReloadFailed, err)
	}

	fields := map[string]any{
		"version":   table.Version(),
		"source":    table.Source(),
		"ruleCount": table.Len(),
	}
	if previous != nil {
		fields["previousVersion"] = previous.Version()
	}
	s.logger(ctx, "shipping_rules.reloaded", fields)
	ReportMissingCatchAll(ctx, table, s.logger)
	return snapshotOf(table), nil
}

// ReportMissingCatchAll logs a warning when no rule in table is unconditional, meaning some carts
// will fall through to the built-in default price. It reports whether the warning was logged.
func ReportMissingCatchAll(ctx context.Context, table *ruletable.Table, logger func(context.Context, string, map[string]any)) bool {
	if table == nil || table.HasCatchAll() {
		return false
	}
	if logger != nil {
		logger(ctx, "shipping_rules.missing_catch_all", map[string]any{
			"level":   "warn",
			"version": table.Version(),
			"source":  table.Source(),
		})
	}
	return true
}

func snapshotOf(table *ruletable.Table) RuleTableSnapshot {
	return RuleTableSnapshot{
		Version:  table.Version(),
		Source:   table.Source(),
		LoadedAt: table.LoadedAt(),
		Rules:    table.Rules(),
		Delivery: table.Delivery(),
	}
}
