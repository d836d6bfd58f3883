package datasets

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/knights-analytics/retune/util/errutil"
	"github.com/knights-analytics/retune/util/fileutil"
)

// EntitySeparator joins the subject and object words into the first segment of the tokenizer input.
const EntitySeparator = "[SEP]"

// GenerateOption selects which data files make up the training data.
type GenerateOption int

const (
	// Original uses train.csv only.
	Original GenerateOption = iota
	// Generated uses generated.csv only.
	Generated
	// Concat uses train.csv followed by generated.csv.
	Concat
)

const (
	OriginalFile  = "train.csv"
	GeneratedFile = "generated.csv"
)

// RawExample is one row of a relation extraction data file.
type RawExample struct {
	ID            string
	Sentence      string
	SubjectEntity Entity
	ObjectEntity  Entity
	Label         string
	Source        string
}

// EntityPair returns the first tokenizer segment of the example: subject and object joined by EntitySeparator.
func (r RawExample) EntityPair() string {
	return r.SubjectEntity.Word + EntitySeparator + r.ObjectEntity.Word
}

// Files returns the data files used for the generate option, relative to dir.
func (g GenerateOption) Files(dir string) ([]string, error) {
	switch g {
	case Original:
		return []string{fileutil.PathJoinSafe(dir, OriginalFile)}, nil
	case Generated:
		return []string{fileutil.PathJoinSafe(dir, GeneratedFile)}, nil
	case Concat:
		return []string{fileutil.PathJoinSafe(dir, OriginalFile), fileutil.PathJoinSafe(dir, GeneratedFile)}, nil
	default:
		return nil, errutil.NewConfigurationError("generate_option", int(g), "must be 0 (original), 1 (generated) or 2 (concat)")
	}
}

// Load reads the data files selected by the generate option from dir.
func Load(dir string, option GenerateOption) ([]RawExample, error) {
	files, err := option.Files(dir)
	if err != nil {
		return nil, err
	}
	var examples []RawExample
	for _, file := range files {
		loaded, loadErr := LoadCSV(file)
		if loadErr != nil {
			return nil, loadErr
		}
		examples = append(examples, loaded...)
	}
	return examples, nil
}

// LoadCSV reads a relation extraction csv file. Columns are located by header name: sentence,
// subject_entity, object_entity and label are required, id and source are optional.
func LoadCSV(path string) (examples []RawExample, err error) {
	source, err := fileutil.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, fileutil.CloseFile(source))
	}()
	examples, err = ReadCSV(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return examples, nil
}

// ReadCSV parses relation extraction rows from r.
func ReadCSV(r io.Reader) ([]RawExample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("missing header: %w", err)
	}
	columns := map[string]int{}
	for i, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, required := range []string{"sentence", "subject_entity", "object_entity", "label"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("column %s is required", required)
		}
	}
	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var examples []RawExample
	for line := 2; ; line++ {
		record, readErr := reader.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
		if len(record) < len(header) {
			return nil, fmt.Errorf("line %d has %d fields, expected %d", line, len(record), len(header))
		}
		examples = append(examples, RawExample{
			ID:            field(record, "id"),
			Sentence:      field(record, "sentence"),
			SubjectEntity: ParseEntity(field(record, "subject_entity")),
			ObjectEntity:  ParseEntity(field(record, "object_entity")),
			Label:         strings.TrimSpace(field(record, "label")),
			Source:        field(record, "source"),
		})
	}
	return examples, nil
}

// RawLabels returns the label column of the examples.
func RawLabels(examples []RawExample) []string {
	out := make([]string, len(examples))
	for i, example := range examples {
		out[i] = example.Label
	}
	return out
}
