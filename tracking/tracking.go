// Package tracking records training metrics to experiment sinks.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/retune/util/fileutil"
)

// Run identifies one training run.
type Run struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Project string         `json:"project"`
	Config  map[string]any `json:"config,omitempty"`
}

// NewRun creates a run with a fresh ID.
func NewRun(project, name string, config map[string]any) Run {
	return Run{ID: uuid.NewString(), Name: name, Project: project, Config: config}
}

// Tracker receives the scalar metrics of a run.
type Tracker interface {
	Init(ctx context.Context, run Run) error
	Record(name string, step int, value float64) error
	Finish() error
}

// Noop discards everything.
type Noop struct{}

func (Noop) Init(context.Context, Run) error   { return nil }
func (Noop) Record(string, int, float64) error { return nil }
func (Noop) Finish() error                     { return nil }

// LogTracker writes every record to the logger.
type LogTracker struct {
	run Run
}

func NewLogTracker() *LogTracker {
	return &LogTracker{}
}

func (t *LogTracker) Init(_ context.Context, run Run) error {
	t.run = run
	log.Info().Str("run", run.ID).Str("name", run.Name).Str("project", run.Project).Msg("tracking run started")
	return nil
}

func (t *LogTracker) Record(name string, step int, value float64) error {
	log.Info().Str("run", t.run.Name).Int("step", step).Float64(name, value).Msg("")
	return nil
}

func (t *LogTracker) Finish() error {
	log.Info().Str("run", t.run.ID).Msg("tracking run finished")
	return nil
}

// Record is one line of a FileTracker log.
type Record struct {
	Run   string    `json:"run"`
	Name  string    `json:"name"`
	Step  int       `json:"step"`
	Value float64   `json:"value"`
	Time  time.Time `json:"time"`
}

// FileTracker appends records as JSON lines to <dir>/<project>/<name>-<id>.jsonl. The run itself
// is described by the first line.
type FileTracker struct {
	Dir    string
	mutex  sync.Mutex
	run    Run
	writer io.WriteCloser
	now    func() time.Time
}

func NewFileTracker(dir string) *FileTracker {
	return &FileTracker{Dir: dir, now: time.Now}
}

// Path returns the file the current run is written to.
func (t *FileTracker) Path() string {
	return fileutil.PathJoinSafe(t.Dir, t.run.Project, fmt.Sprintf("%s-%s.jsonl", t.run.Name, t.run.ID))
}

func (t *FileTracker) Init(_ context.Context, run Run) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.writer != nil {
		return errors.New("file tracker already initialised")
	}
	t.run = run
	writer, err := fileutil.NewFileWriter(t.Path(), "application/x-ndjson")
	if err != nil {
		return fmt.Errorf("failed to create tracking file: %w", err)
	}
	t.writer = writer
	return t.writeLine(run)
}

func (t *FileTracker) Record(name string, step int, value float64) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.writer == nil {
		return errors.New("file tracker is not initialised")
	}
	return t.writeLine(Record{Run: t.run.ID, Name: name, Step: step, Value: value, Time: t.now()})
}

func (t *FileTracker) writeLine(value any) error {
	line, err := jsoniter.Marshal(value)
	if err != nil {
		return err
	}
	_, err = t.writer.Write(append(line, '\n'))
	return err
}

func (t *FileTracker) Finish() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.writer == nil {
		return nil
	}
	err := t.writer.Close()
	t.writer = nil
	return err
}

// Multi forwards to several trackers.
type Multi []Tracker

func (m Multi) Init(ctx context.Context, run Run) error {
	for _, tracker := range m {
		if err := tracker.Init(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Record(name string, step int, value float64) error {
	var err error
	for _, tracker := range m {
		err = errors.Join(err, tracker.Record(name, step, value))
	}
	return err
}

func (m Multi) Finish() error {
	var err error
	for _, tracker := range m {
		err = errors.Join(err, tracker.Finish())
	}
	return err
}
