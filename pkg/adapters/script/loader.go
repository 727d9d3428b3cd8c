package script

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/memory"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"gopkg.in/yaml.v3"
)

// dialogueFile is the YAML layout of one dialogue script.
type dialogueFile struct {
	Name     string     `yaml:"name"`
	Language string     `yaml:"language"`
	Start    string     `yaml:"start"`
	Nodes    []nodeFile `yaml:"nodes"`
}

type nodeFile struct {
	Title     string         `yaml:"title"`
	Speaker   string         `yaml:"speaker"`
	Statement string         `yaml:"statement"`
	Set       map[string]any `yaml:"set"`
	Replies   []replyFile    `yaml:"replies"`
}

type replyFile struct {
	ID        int            `yaml:"id"`
	Statement string         `yaml:"statement"`
	Next      string         `yaml:"next"`
	Dialogue  string         `yaml:"dialogue"`
	Input     []string       `yaml:"input"`
	When      *conditionFile `yaml:"when"`
}

type conditionFile struct {
	Variable string `yaml:"variable"`
	Equals   any    `yaml:"equals"`
}

// Parse decodes one YAML dialogue script.
func Parse(data []byte) (*domain.Dialogue, error) {
	var f dialogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse dialogue: %w", err)
	}

	d := &domain.Dialogue{
		Name:        f.Name,
		Language:    f.Language,
		StartNodeID: f.Start,
		Nodes:       make(map[string]*domain.Node, len(f.Nodes)),
	}
	for i, n := range f.Nodes {
		if n.Title == "" {
			return nil, fmt.Errorf("node %d has no title", i)
		}
		if _, dup := d.Nodes[n.Title]; dup {
			return nil, fmt.Errorf("duplicate node %q", n.Title)
		}
		if i == 0 && d.StartNodeID == "" {
			d.StartNodeID = n.Title
		}
		for name := range n.Set {
			if err := domain.ValidateVariableName(name); err != nil {
				return nil, fmt.Errorf("node %q: %w", n.Title, err)
			}
		}
		node := &domain.Node{
			Title:     n.Title,
			Speaker:   n.Speaker,
			Statement: strings.TrimSpace(n.Statement),
			Set:       n.Set,
		}
		for _, r := range n.Replies {
			reply := domain.Reply{
				ID:        r.ID,
				Statement: r.Statement,
				Next:      domain.NodePointer{Dialogue: r.Dialogue, Node: r.Next},
				Input:     r.Input,
			}
			if r.When != nil {
				reply.When = &domain.Condition{Variable: r.When.Variable, Equals: r.When.Equals}
			}
			node.Replies = append(node.Replies, reply)
		}
		d.Nodes[n.Title] = node
	}
	return d, nil
}

// Load reads every *.yaml and *.yml file below dir.
// A missing name defaults to the file name; a missing language to the
// name of the enclosing directory, when it is not dir itself.
func Load(dir string) (*memory.Provider, error) {
	var dialogues []*domain.Dialogue
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(path)
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		d, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if d.Name == "" {
			d.Name = strings.TrimSuffix(filepath.Base(path), ext)
		}
		if parent := filepath.Dir(path); d.Language == "" && filepath.Clean(parent) != filepath.Clean(dir) {
			d.Language = filepath.Base(parent)
		}
		dialogues = append(dialogues, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load dialogues from %s: %w", dir, err)
	}
	return memory.NewProvider(dialogues...)
}
