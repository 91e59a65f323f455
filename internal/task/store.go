package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smart-tinker/ncrew-sub000/internal/model"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
)

const (
	taskFileExt  = ".md"
	taskFileMode = 0o644
	tasksDirMode = 0o755
)

var (
	// ErrNotFound is returned when no task file exists for an id.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidID is returned for ids that cannot name a task file.
	ErrInvalidID = errors.New("invalid task id")
)

// Task is a task record loaded from disk.
type Task struct {
	ID   string
	Path string
	Header
	Body string
}

// ModelRef returns the model selected in the task header, when complete.
func (task Task) ModelRef() (model.Ref, bool) {
	if strings.TrimSpace(task.Provider) == "" || strings.TrimSpace(task.Model) == "" {
		return model.Ref{}, false
	}
	return model.Ref{Provider: task.Provider, Name: task.Model}, true
}

// Store reads and updates task files in a single directory.
type Store struct {
	dir string
}

// NewStore builds a Store over the provided tasks directory.
func NewStore(dir string) (Store, error) {
	if strings.TrimSpace(dir) == "" {
		return Store{}, errors.New("tasks directory is required")
	}
	return Store{dir: dir}, nil
}

// Dir returns the tasks directory.
func (store Store) Dir() string {
	return store.dir
}

// Path returns the file path for a task id.
func (store Store) Path(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(store.dir, id+taskFileExt), nil
}

// Load reads a single task.
func (store Store) Load(id string) (Task, error) {
	path, err := store.Path(id)
	if err != nil {
		return Task{}, err
	}
	doc, err := readDocument(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Task{}, err
	}
	return Task{ID: id, Path: path, Header: doc.Header, Body: doc.Body}, nil
}

// List reads every task in the directory sorted by id. Files that cannot be
// parsed are skipped and reported through warn.
func (store Store) List(warn func(string)) ([]Task, error) {
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Task{}, nil
		}
		return nil, fmt.Errorf("read tasks directory %s: %w", store.dir, err)
	}
	tasks := make([]Task, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != taskFileExt {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), taskFileExt)
		task, err := store.Load(id)
		if err != nil {
			emitWarning(warn, fmt.Sprintf("skip task %s: %v", id, err))
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Create writes a new task file with the given title and body.
func (store Store) Create(id string, title string, body string) (Task, error) {
	path, err := store.Path(id)
	if err != nil {
		return Task{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return Task{}, fmt.Errorf("task %s already exists", id)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Task{}, fmt.Errorf("stat task file %s: %w", path, err)
	}
	doc := Document{
		Header:    Header{Title: title, Stage: stage.Specification, Status: stage.StatusNew},
		Body:      body,
		HasHeader: true,
	}
	if err := writeDocument(path, doc); err != nil {
		return Task{}, err
	}
	return store.Load(id)
}

// Update applies mutate to the task header and rewrites the file, keeping the
// body and every key mutate does not touch.
func (store Store) Update(id string, mutate func(*Header) error) (Task, error) {
	path, err := store.Path(id)
	if err != nil {
		return Task{}, err
	}
	doc, err := readDocument(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Task{}, err
	}
	if err := mutate(&doc.Header); err != nil {
		return Task{}, err
	}
	if err := writeDocument(path, doc); err != nil {
		return Task{}, err
	}
	return Task{ID: id, Path: path, Header: doc.Header, Body: doc.Body}, nil
}

// ValidateID ensures the task id is safe for filesystem use.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidID)
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q must not contain path separators", ErrInvalidID, id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q must not contain '..'", ErrInvalidID, id)
	}
	return nil
}

// readDocument loads and parses a task file.
func readDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, err
		}
		return Document{}, fmt.Errorf("read task file %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return Document{}, fmt.Errorf("parse task file %s: %w", path, err)
	}
	return doc, nil
}

// writeDocument renders and writes a task file.
func writeDocument(path string, doc Document) error {
	data, err := doc.Render()
	if err != nil {
		return fmt.Errorf("render task file %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), tasksDirMode); err != nil {
		return fmt.Errorf("create tasks directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, taskFileMode); err != nil {
		return fmt.Errorf("write task file %s: %w", path, err)
	}
	return nil
}

// emitWarning sends a warning to the configured sink.
func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
