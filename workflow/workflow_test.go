package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/workflowzen/wfzen/storage"
)

func sixKinds() map[storage.Kind]int {
	return map[storage.Kind]int{
		storage.KindConsultation:    1,
		storage.KindPurchaseOrder:   2,
		storage.KindServiceRequest:  1,
		storage.KindServiceDelivery: 3,
		storage.KindInvoiceReceipt:  1,
		storage.KindPaymentRequest:  1,
		storage.KindDocument:        4, // no step
	}
}

func TestComputeProgress(t *testing.T) {
	p := ComputeProgress(sixKinds(), 0)
	if have, want := p.Completed, 6; have != want {
		t.Errorf("completed: have %d, want %d", have, want)
	}
	if have, want := p.Total, 9; have != want {
		t.Errorf("total: have %d, want %d", have, want)
	}
	// data entry is the first step with no kind
	if have, want := p.Current, StepID(2); have != want {
		t.Errorf("current: have %d, want %d", have, want)
	}
	if have, want := p.Percent, 66.667; math.Abs(have-want) > 0.001 {
		t.Errorf("percent: have %v, want %v", have, want)
	}
	if have, want := p.RoundedPercent(), 67; have != want {
		t.Errorf("rounded percent: have %d, want %d", have, want)
	}
	var current int
	for _, st := range p.Steps {
		if st.Current {
			current++
			if st.ID != 2 {
				t.Errorf("step %d marked current", st.ID)
			}
		}
	}
	if current != 1 {
		t.Errorf("%d steps marked current", current)
	}

	p = ComputeProgress(sixKinds(), 7)
	if have, want := p.Current, StepID(7); have != want {
		t.Errorf("pinned current: have %d, want %d", have, want)
	}
	if !p.Steps[6].Current || !p.Steps[6].Completed {
		t.Errorf("pinned step status: %+v", p.Steps[6])
	}
	if p.Steps[1].Current {
		t.Error("derived step still current when pinned")
	}
}

func TestComputeProgressEmpty(t *testing.T) {
	p := ComputeProgress(nil, 0)
	if p.Completed != 0 || p.Current != 1 || p.Percent != 0 {
		t.Errorf("unexpected progress: completed=%d current=%d percent=%v", p.Completed, p.Current, p.Percent)
	}
	step, ok := p.CurrentStep()
	if !ok || step.Name != "Consultation" {
		t.Errorf("current step: have %+v", step)
	}
}

func TestComputeProgressInvalidPin(t *testing.T) {
	p := ComputeProgress(nil, 42)
	if have, want := p.Current, StepID(1); have != want {
		t.Errorf("current: have %d, want %d", have, want)
	}
}

func TestStepsWithoutKindNeverComplete(t *testing.T) {
	counts := make(map[storage.Kind]int)
	for _, k := range storage.Kinds {
		counts[k] = 10
	}
	p := ComputeProgress(counts, 0)
	if have, want := p.Completed, 6; have != want {
		t.Errorf("completed: have %d, want %d", have, want)
	}
	for _, id := range []StepID{2, 8, 9} {
		if p.Steps[id-1].Completed {
			t.Errorf("step %d completed without a kind", id)
		}
	}
}

func TestPinHistoryBound(t *testing.T) {
	s := new(StepState)
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var last time.Time
	for i := 0; i < 25; i++ {
		last = start.Add(time.Duration(i) * time.Minute)
		if err := s.Pin(StepID(i%9+1), last); err != nil {
			t.Fatal(err)
		}
	}
	if have, want := len(s.History), MaxHistory; have != want {
		t.Fatalf("history length: have %d, want %d", have, want)
	}
	if !s.History[0].ChangedAt.Equal(last) {
		t.Errorf("newest entry: have %v, want %v", s.History[0].ChangedAt, last)
	}
	if have, want := s.History[0].StepID, StepID(24%9+1); have != want {
		t.Errorf("newest step: have %d, want %d", have, want)
	}
	for i := 1; i < len(s.History); i++ {
		if !s.History[i-1].ChangedAt.After(s.History[i].ChangedAt) {
			t.Fatalf("history not newest first at %d", i)
		}
	}
	if have, want := s.Pinned, StepID(24%9+1); have != want {
		t.Errorf("pinned: have %d, want %d", have, want)
	}
}

func TestPinInvalid(t *testing.T) {
	s := new(StepState)
	for _, id := range []StepID{0, 10, -1} {
		if err := s.Pin(id, time.Now()); !errors.Is(err, ErrInvalidStep) {
			t.Errorf("%d: expected ErrInvalidStep, have %v", id, err)
		}
	}
	if s.Pinned != 0 || len(s.History) != 0 {
		t.Error("invalid pin changed state")
	}
}

func TestIsIdle(t *testing.T) {
	now := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		name  string
		state StepState
		idle  bool
	}{
		{"never changed", StepState{}, false},
		{"5h idle", StepState{ChangedAt: now.Add(-5 * time.Hour)}, true},
		{"1h", StepState{ChangedAt: now.Add(-time.Hour)}, false},
		{"history newer", StepState{
			ChangedAt: now.Add(-5 * time.Hour),
			History:   []HistoryEntry{{StepID: 3, ChangedAt: now.Add(-time.Hour)}},
		}, false},
		{"history only", StepState{
			History: []HistoryEntry{{StepID: 3, ChangedAt: now.Add(-6 * time.Hour)}},
		}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if have := tc.state.IsIdle(now, 4*time.Hour); have != tc.idle {
				t.Errorf("have %v, want %v", have, tc.idle)
			}
		})
	}
}

func TestParseStepID(t *testing.T) {
	if id, err := ParseStepID("3"); err != nil || id != 3 {
		t.Errorf("have %d, %v", id, err)
	}
	for _, s := range []string{"0", "10", "x", ""} {
		if _, err := ParseStepID(s); !errors.Is(err, ErrInvalidStep) {
			t.Errorf("%q: expected ErrInvalidStep, have %v", s, err)
		}
	}
}

type mapState map[string]json.RawMessage

func (m mapState) GetAppState(_ context.Context, key string, v any) (bool, error) {
	raw, ok := m[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (m mapState) SetAppStates(_ context.Context, values map[string]any) error {
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m[k] = raw
	}
	return nil
}

func TestLoadSaveState(t *testing.T) {
	ctx := context.Background()
	m := make(mapState)

	s, err := LoadState(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if s.Pinned != 0 || !s.ChangedAt.IsZero() || len(s.History) != 0 {
		t.Errorf("expected empty state on first run, have %+v", s)
	}

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err = s.Pin(4, now); err != nil {
		t.Fatal(err)
	}
	if err = SaveState(ctx, m, s); err != nil {
		t.Fatal(err)
	}
	if have, want := string(m[KeyCurrentStepID]), "4"; have != want {
		t.Errorf("stored step: have %s, want %s", have, want)
	}

	loaded, err := LoadState(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Pinned != 4 || !loaded.ChangedAt.Equal(now) || len(loaded.History) != 1 {
		t.Errorf("loaded state: %+v", loaded)
	}
}
