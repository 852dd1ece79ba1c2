package types

import "testing"

func TestParseStage(t *testing.T) {
	for _, s := range AllStages() {
		got, err := ParseStage(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseStage(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseStage("NOT_A_STAGE"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestCloudStageFromWorker(t *testing.T) {
	cases := map[string]Stage{
		"translating": StageCloudTranslating,
		"reviewing":   StageCloudReviewing,
		"editing":     StageCloudReviewing,
		"polishing":   StageCloudPolishing,
		"done":        StageCloudDone,
		"approved":    StageCloudDone,
	}
	for worker, want := range cases {
		got, ok := CloudStageFromWorker(worker)
		if !ok || got != want {
			t.Fatalf("CloudStageFromWorker(%q) = %v, %v; want %v", worker, got, ok, want)
		}
	}
	if _, ok := CloudStageFromWorker("uploading"); ok {
		t.Fatalf("unknown worker stage should not map")
	}
}

func TestTerminalStages(t *testing.T) {
	terminal := map[Stage]bool{
		StageCompleted: true, StageDelivered: true, StageDead: true, StageHalted: true,
	}
	for _, s := range AllStages() {
		if s.Terminal() != terminal[s] {
			t.Fatalf("Terminal(%s) = %v", s, s.Terminal())
		}
	}
}
