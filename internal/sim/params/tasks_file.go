package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// tasksFile is the on-disk layout. The "data" key mirrors the body accepted
// by the HTTP /tasks route so the same document works for both.
type tasksFile struct {
	Data []map[string]any `yaml:"data" json:"data"`
}

// LoadTasksFile reads a task list from a YAML or JSON file. The format is
// chosen by extension; anything other than .json is parsed as YAML.
func LoadTasksFile(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	return ParseTasks(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// ParseTasks decodes a task document. isJSON selects the decoder.
func ParseTasks(data []byte, isJSON bool) ([]Task, error) {
	var doc tasksFile
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: parse tasks json: %v", ErrInvalidTask, err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse tasks yaml: %v", ErrInvalidTask, err)
	}

	values := make([]any, 0, len(doc.Data))
	for _, entry := range doc.Data {
		values = append(values, entry)
	}
	return TasksFromValues(values)
}
