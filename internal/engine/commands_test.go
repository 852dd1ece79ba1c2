package engine

import "testing"

func TestExpandCommandSubstitutesPerToken(t *testing.T) {
	cmd, args, err := expandCommand("whisper_asr {audio} --language {lang} --out {skeleton}", commandVars{
		Audio:    "/vault/audio/show with spaces.wav",
		Skeleton: "/vault/data/show_skeleton.json.partial",
		Lang:     "is",
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if cmd != "whisper_asr" {
		t.Fatalf("cmd = %q", cmd)
	}
	want := []string{"/vault/audio/show with spaces.wav", "--language", "is", "--out", "/vault/data/show_skeleton.json.partial"}
	if len(args) != len(want) {
		t.Fatalf("args = %q, want %q", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestExpandCommandEmptyTemplateErrors(t *testing.T) {
	if _, _, err := expandCommand("   ", commandVars{}); err == nil {
		t.Fatalf("empty template should error")
	}
}

func TestExpandCommandLeavesUnknownTokensAlone(t *testing.T) {
	cmd, args, err := expandCommand("tool --flag=value {output}", commandVars{Output: "/out/file.mp4"})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if cmd != "tool" || args[0] != "--flag=value" || args[1] != "/out/file.mp4" {
		t.Fatalf("expansion wrong: %q %q", cmd, args)
	}
}
