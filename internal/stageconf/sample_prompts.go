package stageconf

import (
	"fmt"
	"strings"
)

const qualityPrefix = "(masterpiece, best quality:1.2)"

// SamplePrompts builds the preview prompt file body. With UseImageTags the
// first line of up to MaxImageTags captions is used; otherwise, or when no
// caption yields a line, the configured positive prompt is used.
func SamplePrompts(p TrainingParams, captions []string) string {
	flags := fmt.Sprintf("--n %s --w %d --h %d --l %d --s %d --d %d",
		p.NegativePrompts, p.SampleWidth, p.SampleHeight, p.SampleCFG, p.SampleSteps, p.SampleSeed)

	var lines []string
	if p.UseImageTags {
		limit := p.MaxImageTags
		if limit <= 0 {
			limit = 5
		}
		for _, caption := range captions {
			if len(lines) >= limit {
				break
			}
			first, _, _ := strings.Cut(strings.TrimSpace(caption), "\n")
			first = strings.TrimSpace(first)
			if first == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s, %s %s", qualityPrefix, first, flags))
		}
	}
	if len(lines) == 0 {
		positive := p.PositivePrompts
		if positive == "" {
			positive = "1girl, solo"
		}
		lines = append(lines, fmt.Sprintf("%s, %s %s", qualityPrefix, positive, flags))
	}
	return strings.Join(lines, "\n")
}
