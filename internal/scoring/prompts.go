package scoring

import (
	"fmt"
	"io/fs"
	"strconv"
	"sync"

	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/prompts"
)

// PromptTable resolves the scoring prompt for a seed number. Prompt files are
// read once and cached.
type PromptTable struct {
	fsys        fs.FS
	defaultName string
	seeds       map[int]string

	mu    sync.Mutex
	cache map[string]string
}

// NewPromptTable builds a table from cfg. Seed keys must be integers.
func NewPromptTable(fsys fs.FS, cfg config.PromptsConfig) (*PromptTable, error) {
	t := &PromptTable{
		fsys:        fsys,
		defaultName: cfg.Default,
		seeds:       make(map[int]string, len(cfg.Seeds)),
		cache:       make(map[string]string),
	}
	for key, name := range cfg.Seeds {
		seed, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("prompt table: seed key %q is not a number", key)
		}
		t.seeds[seed] = name
	}
	return t, nil
}

// PromptFor returns the prompt for seed, falling back to the default prompt
// for unknown or missing seeds.
func (t *PromptTable) PromptFor(seed *int) (string, error) {
	name := t.defaultName
	if seed != nil {
		if seedName, ok := t.seeds[*seed]; ok {
			name = seedName
		}
	}
	if name == "" {
		if seed == nil {
			return "", fmt.Errorf("no default scoring prompt configured")
		}
		return "", fmt.Errorf("no scoring prompt configured for seed %d", *seed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if text, ok := t.cache[name]; ok {
		return text, nil
	}
	text, err := prompts.Read(t.fsys, name)
	if err != nil {
		return "", err
	}
	t.cache[name] = text
	return text, nil
}
