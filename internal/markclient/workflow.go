package markclient

import (
	"embed"
	"encoding/json"
	"fmt"

	"lora_pipeline/internal/stageconf"
)

//go:embed workflows/*.json
var workflowFS embed.FS

// Node ids the templates expose for parameters.
const (
	nodeAutoCrop     = "209"
	nodeScale        = "35"
	nodeInputFolder  = "208"
	nodeOutputFolder = "155"
	nodeTriggerWords = "210"
	nodeTagger       = "220"
	nodeCaption      = "241"
)

type param struct {
	node, key string
	value     any
}

func templateFor(algorithm string) string {
	if algorithm == stageconf.AlgorithmJoyCaption {
		return "workflows/joycaption2.json"
	}
	// every WD tagger model shares one template
	return "workflows/wd.json"
}

// BuildWorkflow loads the template for p.Algorithm and fills in the marking
// parameters and folders.
func BuildWorkflow(p stageconf.MarkParams, inputDir, outputDir string) (map[string]any, error) {
	name := templateFor(p.Algorithm)
	raw, err := workflowFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", name, err)
	}
	var wf map[string]any
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", name, err)
	}

	set := func(node, key string, value any) error {
		n, ok := wf[node].(map[string]any)
		if !ok {
			return fmt.Errorf("workflow %s has no node %s", name, node)
		}
		inputs, ok := n["inputs"].(map[string]any)
		if !ok {
			return fmt.Errorf("workflow %s node %s has no inputs", name, node)
		}
		inputs[key] = value
		return nil
	}

	params := []param{
		{nodeAutoCrop, "boolean", p.AutoCrop},
		{nodeScale, "aspect_ratio", p.CropRatio},
		{nodeScale, "scale_to_length", p.Resolution},
		{nodeInputFolder, "string", inputDir},
		{nodeOutputFolder, "string", outputDir},
		{nodeTriggerWords, "string", p.TriggerWords},
	}
	if p.Algorithm == stageconf.AlgorithmJoyCaption {
		params = append(params, param{nodeCaption, "max_new_tokens", p.MaxTags})
	} else {
		params = append(params,
			param{nodeTagger, "threshold", p.MinConfidence},
			param{nodeTagger, "model", p.Algorithm},
		)
	}

	for _, pr := range params {
		if err := set(pr.node, pr.key, pr.value); err != nil {
			return nil, err
		}
	}
	return wf, nil
}
