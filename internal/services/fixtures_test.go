package services

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/voltvault/api/internal/platform/ruletable"
)

func defaultRuleHolder(t *testing.T) *ruletable.Holder {
	t.Helper()
	holder, err := ruletable.NewHolder(context.Background(), ruletable.EmbeddedSource{})
	if err != nil {
		t.Fatalf("load default rule table: %v", err)
	}
	return holder
}

func ruleHolderFromYAML(t *testing.T, doc string) *ruletable.Holder {
	t.Helper()
	table, err := ruletable.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse rule table: %v", err)
	}
	return ruletable.NewStaticHolder(table)
}

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

func intPtr(v int) *int { return &v }

func assertDecimal(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s: expected %s, got %s", label, want, got.String())
	}
}

type loggedEvent struct {
	event  string
	fields map[string]any
}

type recordingLogger struct {
	mu     sync.Mutex
	events []loggedEvent
}

func (r *recordingLogger) log(_ context.Context, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, loggedEvent{event: event, fields: fields})
}

func (r *recordingLogger) find(event string) (loggedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.event == event {
			return e, true
		}
	}
	return loggedEvent{}, false
}
