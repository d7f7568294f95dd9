package services

import (
	"context"
	"errors"
)

// ErrQuoteUnavailable is returned when no shipping rule table has been loaded.
var ErrQuoteUnavailable = errors.New("quote: rule table unavailable")

type quoteService struct {
	rules      RuleTableSource
	validator  LineValidator
	engine     *ShippingRulesEngine
	calculator *TotalsCalculator
	logger     func(context.Context, string, map[string]any)
}

// QuoteServiceDeps wires the collaborators of the quote service.
type QuoteServiceDeps struct {
	Rules     RuleTableSource
	Validator LineValidator
	Logger    func(context.Context, string, map[string]any)
}

// NewQuoteService composes the validator, shipping engine and totals calculator.
func NewQuoteService(deps QuoteServiceDeps) (QuoteService, error) {
	if deps.Rules == nil {
		return nil, errors.New("quote service: rule table source is required")
	}
	validator := deps.Validator
	if validator == nil {
		validator = NewOrderLineValidator()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &quoteService{
		rules:      deps.Rules,
		validator:  validator,
		engine:     NewShippingRulesEngine(deps.Rules),
		calculator: NewTotalsCalculator(validator),
		logger:     logger,
	}, nil
}

func (s *quoteService) Quote(ctx context.Context, cmd QuoteCommand) (Quote, error) {
	if err := CheckCartLines(cmd.Lines); err != nil {
		return Quote{}, err
	}
	if err := checkAmount("discount", cmd.Discount); err != nil {
		return Quote{}, err
	}
	table := s.rules.Current()
	if table == nil {
		return Quote{}, ErrQuoteUnavailable
	}

	validation := s.validator.Validate(cmd.Lines)
	shipping := s.engine.CalculateWith(table, cmd.Lines, s.calculator.Subtotal(cmd.Lines), cmd.Address)
	if shipping.Fallback {
		s.logger(ctx, "shipping_rule_fallback", map[string]any{
			"level":        "warn",
			"rulesVersion": table.Version(),
			"lineCount":    len(cmd.Lines),
			"country":      cmd.Address.Country,
		})
	}

	totals, err := s.calculator.ComputeTotalsWithValidation(cmd.Lines, shipping.Cost, cmd.Discount, validation)
	if err != nil {
		return Quote{}, err
	}
	if len(totals.Errors) > 0 {
		s.logger(ctx, "quote_validation_failed", map[string]any{
			"errorCount": len(totals.Errors),
		})
	}

	return Quote{
		Totals:       totals,
		Shipping:     shipping,
		Issues:       validation.Issues,
		RulesVersion: table.Version(),
	}, nil
}
