// Package stageconf holds the typed marking and training parameters and the
// pure functions that resolve them from global, asset and task layers.
package stageconf

// Marking algorithms understood by the bundled workflow templates.
const (
	AlgorithmJoyCaption = "joycaption2"
	AlgorithmWDDefault  = "wd-v1-4-convnext-tagger-v2"
)

// MarkParams is a fully resolved marking configuration.
type MarkParams struct {
	AutoCrop      bool    `json:"auto_crop"`
	Resolution    int     `json:"resolution"`
	CropRatio     string  `json:"crop_ratio"`
	MinConfidence float64 `json:"min_confidence"`
	MaxTags       int     `json:"max_tags"`
	TriggerWords  string  `json:"trigger_words"`
	Algorithm     string  `json:"mark_algorithm"`
}

// MarkOverrides carries optional per-asset or per-task marking settings.
// A nil field leaves the lower layer untouched.
type MarkOverrides struct {
	AutoCrop      *bool    `json:"auto_crop,omitempty"`
	Resolution    *int     `json:"resolution,omitempty"`
	CropRatio     *string  `json:"crop_ratio,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	MaxTags       *int     `json:"max_tags,omitempty"`
	TriggerWords  *string  `json:"trigger_words,omitempty"`
	Algorithm     *string  `json:"mark_algorithm,omitempty"`
}

// DefaultMarkParams returns the built-in marking defaults.
func DefaultMarkParams() MarkParams {
	return MarkParams{
		AutoCrop:      true,
		Resolution:    1024,
		CropRatio:     "1:1",
		MinConfidence: 0.6,
		MaxTags:       300,
		Algorithm:     AlgorithmWDDefault,
	}
}

// Apply returns p with every non-nil override copied over it.
func (p MarkParams) Apply(o MarkOverrides) MarkParams {
	set(&p.AutoCrop, o.AutoCrop)
	set(&p.Resolution, o.Resolution)
	set(&p.CropRatio, o.CropRatio)
	set(&p.MinConfidence, o.MinConfidence)
	set(&p.MaxTags, o.MaxTags)
	set(&p.TriggerWords, o.TriggerWords)
	set(&p.Algorithm, o.Algorithm)
	return p
}

// ResolveMark merges marking settings with precedence global < asset < task.
//
// asset is nil when the asset follows the global configuration. When the task
// follows the global configuration only its trigger words are applied, since
// those are always task specific.
func ResolveMark(global MarkParams, asset *MarkOverrides, task MarkOverrides, taskUsesGlobal bool) MarkParams {
	p := global
	if asset != nil {
		p = p.Apply(*asset)
	}
	if taskUsesGlobal {
		if task.TriggerWords != nil && *task.TriggerWords != "" {
			p.TriggerWords = *task.TriggerWords
		}
		return p
	}
	return p.Apply(task)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Ptr returns a pointer to v, for building override literals.
func Ptr[T any](v T) *T {
	return &v
}
