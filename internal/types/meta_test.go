package types

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestEnterStageClosesPreviousSpan(t *testing.T) {
	m := NewJobMeta()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.EnterStage(StageIngest, t0)
	m.EnterStage(StageTranscribing, t0.Add(time.Minute))

	if len(m.StageTimeline) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(m.StageTimeline))
	}
	first := m.StageTimeline[0]
	if first.ExitedAt == nil {
		t.Fatalf("first span should be closed")
	}
	if !first.ExitedAt.Equal(m.StageTimeline[1].EnteredAt) {
		t.Fatalf("exit of span 0 (%v) should equal entry of span 1 (%v)", first.ExitedAt, m.StageTimeline[1].EnteredAt)
	}
	if span := m.CurrentSpan(); span == nil || span.Stage != StageTranscribing {
		t.Fatalf("current span should be TRANSCRIBING, got %+v", span)
	}
}

func TestStatusTimelineRing(t *testing.T) {
	m := NewJobMeta()
	now := time.Now()
	for i := 0; i < statusTimelineCap+10; i++ {
		m.PushStatus(fmt.Sprintf("status %d", i), now.Add(time.Duration(i)*time.Second))
	}
	if len(m.StatusTimeline) != statusTimelineCap {
		t.Fatalf("timeline should cap at %d, got %d", statusTimelineCap, len(m.StatusTimeline))
	}
	if m.StatusTimeline[len(m.StatusTimeline)-1].Status != fmt.Sprintf("status %d", statusTimelineCap+9) {
		t.Fatalf("newest entry missing: %q", m.StatusTimeline[len(m.StatusTimeline)-1].Status)
	}
	if m.StatusTimeline[0].Status != "status 10" {
		t.Fatalf("oldest surviving entry wrong: %q", m.StatusTimeline[0].Status)
	}
}

func TestMetaExtraRoundTrip(t *testing.T) {
	raw := []byte(`{"source_path":"/vault/a.mp4","translator_notes":{"tone":"formal"},"halted":true}`)
	var m JobMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.SourcePath != "/vault/a.mp4" || !m.Halted {
		t.Fatalf("known fields lost: %+v", m)
	}
	if _, ok := m.Extra["translator_notes"]; !ok {
		t.Fatalf("unknown key should land in Extra, got %v", m.Extra)
	}

	m.SourcePath = "/vault/b.mp4"
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if string(round["translator_notes"]) != `{"tone":"formal"}` {
		t.Fatalf("foreign key mangled: %s", round["translator_notes"])
	}
	if string(round["source_path"]) != `"/vault/b.mp4"` {
		t.Fatalf("mutation lost: %s", round["source_path"])
	}
}

func TestRetryCounters(t *testing.T) {
	m := NewJobMeta()
	if n := m.BumpRetry(StageBurning); n != 1 {
		t.Fatalf("first bump should be 1, got %d", n)
	}
	if n := m.BumpRetry(StageBurning); n != 2 {
		t.Fatalf("second bump should be 2, got %d", n)
	}
	m.ResetRetry(StageBurning)
	if n := m.BumpRetry(StageBurning); n != 1 {
		t.Fatalf("bump after reset should be 1, got %d", n)
	}
}

func TestErrorLogRing(t *testing.T) {
	m := NewJobMeta()
	now := time.Now()
	for i := 0; i < errorLogCap+5; i++ {
		m.AppendError(StageIngest, fmt.Sprintf("err %d", i), now)
	}
	if len(m.ErrorLog) != errorLogCap {
		t.Fatalf("error log should cap at %d, got %d", errorLogCap, len(m.ErrorLog))
	}
}
