package engine

import (
	"fmt"
	"strings"
)

// Commands holds the collaborator invocation templates. Placeholders are
// expanded per token so paths containing spaces survive:
// {source} {audio} {skeleton} {approved} {srt} {output} {stem} {lang} {style}
type Commands struct {
	ASR       string
	Translate string
	Finalize  string
	Burn      string
}

type commandVars struct {
	Source   string
	Audio    string
	Skeleton string
	Approved string
	Subtitle string
	Output   string
	Stem     string
	Lang     string
	Style    string
}

func expandCommand(template string, v commandVars) (string, []string, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command template")
	}
	r := strings.NewReplacer(
		"{source}", v.Source,
		"{audio}", v.Audio,
		"{skeleton}", v.Skeleton,
		"{approved}", v.Approved,
		"{srt}", v.Subtitle,
		"{output}", v.Output,
		"{stem}", v.Stem,
		"{lang}", v.Lang,
		"{style}", v.Style,
	)
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = r.Replace(f)
	}
	return out[0], out[1:], nil
}
