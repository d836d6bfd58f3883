package tracking

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/retune/util/fileutil"
)

type memoryTracker struct {
	run      Run
	records  map[string][]float64
	finished bool
	fail     bool
}

func (m *memoryTracker) Init(_ context.Context, run Run) error {
	m.run = run
	m.records = map[string][]float64{}
	return nil
}

func (m *memoryTracker) Record(name string, _ int, value float64) error {
	if m.fail {
		return errors.New("record failed")
	}
	m.records[name] = append(m.records[name], value)
	return nil
}

func (m *memoryTracker) Finish() error {
	m.finished = true
	return nil
}

func TestNewRun(t *testing.T) {
	first := NewRun("test-project", "test", nil)
	second := NewRun("test-project", "test", nil)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestFileTracker(t *testing.T) {
	tracker := NewFileTracker(t.TempDir())
	tracker.now = func() time.Time { return time.Unix(0, 0).UTC() }
	run := NewRun("test-project", "test", map[string]any{"loss": "focal"})

	assert.Error(t, tracker.Record("train/loss", 1, 0.5))
	require.NoError(t, tracker.Init(context.Background(), run))
	assert.Error(t, tracker.Init(context.Background(), run))
	require.NoError(t, tracker.Record("train/loss", 1, 0.5))
	require.NoError(t, tracker.Record("eval/micro_f1", 2, 61.5))
	require.NoError(t, tracker.Finish())
	require.NoError(t, tracker.Finish())

	data, err := fileutil.ReadFileBytes(tracker.Path())
	require.NoError(t, err)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	require.True(t, scanner.Scan())
	var header Run
	require.NoError(t, jsoniter.Unmarshal(scanner.Bytes(), &header))
	assert.Equal(t, run.ID, header.ID)
	assert.Equal(t, "focal", header.Config["loss"])

	var records []Record
	for scanner.Scan() {
		var record Record
		require.NoError(t, jsoniter.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	require.Len(t, records, 2)
	assert.Equal(t, run.ID, records[1].Run)
	assert.Equal(t, "eval/micro_f1", records[1].Name)
	assert.Equal(t, 2, records[1].Step)
	assert.InDelta(t, 61.5, records[1].Value, 1e-12)
	assert.True(t, records[1].Time.Equal(time.Unix(0, 0)))
}

func TestMulti(t *testing.T) {
	first, second := &memoryTracker{}, &memoryTracker{fail: true}
	multi := Multi{first, second, NewLogTracker(), Noop{}}
	require.NoError(t, multi.Init(context.Background(), NewRun("p", "n", nil)))
	assert.Equal(t, "n", second.run.Name)

	// a failing sink does not stop the others
	assert.Error(t, multi.Record("train/loss", 1, 0.25))
	assert.Equal(t, []float64{0.25}, first.records["train/loss"])

	require.NoError(t, multi.Finish())
	assert.True(t, first.finished)
	assert.True(t, second.finished)
}
