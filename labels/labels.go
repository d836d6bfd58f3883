// Package labels maps relation label strings to the integer class ids the classifier is trained on.
package labels

import "fmt"

// NoRelation is the label for entity pairs without a relation. It is excluded from the micro F1 score.
const NoRelation = "no_relation"

// NumLabels is the size of the fixed label vocabulary.
const NumLabels = 30

var names = [NumLabels]string{
	NoRelation,
	"org:top_members/employees",
	"org:members",
	"org:product",
	"per:title",
	"org:alternate_names",
	"per:employee_of",
	"org:place_of_headquarters",
	"per:product",
	"org:number_of_employees/members",
	"per:children",
	"per:place_of_residence",
	"per:alternate_names",
	"per:other_family",
	"per:colleagues",
	"per:origin",
	"per:siblings",
	"per:spouse",
	"org:founded",
	"org:political/religious_affiliation",
	"org:member_of",
	"per:parents",
	"org:dissolved",
	"per:schools_attended",
	"per:date_of_death",
	"per:date_of_birth",
	"per:place_of_birth",
	"per:place_of_death",
	"org:founded_by",
	"per:religion",
}

var ids = func() map[string]int {
	m := make(map[string]int, NumLabels)
	for i, name := range names {
		m[name] = i
	}
	return m
}()

// UnknownLabelError is returned when a label string is not part of the label table.
type UnknownLabelError struct {
	Label string
	Index int // position of the label in the encoded input
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("unknown label %q at index %d", e.Label, e.Index)
}

// Names returns a copy of the label table ordered by id.
func Names() []string {
	out := make([]string, NumLabels)
	copy(out, names[:])
	return out
}

// ID returns the class id of a label.
func ID(label string) (int, bool) {
	id, ok := ids[label]
	return id, ok
}

// Name returns the label of a class id.
func Name(id int) (string, bool) {
	if id < 0 || id >= NumLabels {
		return "", false
	}
	return names[id], true
}

// Encode maps raw labels to class ids. It fails on the first label that is not in the table.
func Encode(raw []string) ([]int, error) {
	encoded := make([]int, len(raw))
	for i, label := range raw {
		id, ok := ids[label]
		if !ok {
			return nil, &UnknownLabelError{Label: label, Index: i}
		}
		encoded[i] = id
	}
	return encoded, nil
}

// Decode maps class ids back to their labels.
func Decode(encoded []int) ([]string, error) {
	decoded := make([]string, len(encoded))
	for i, id := range encoded {
		name, ok := Name(id)
		if !ok {
			return nil, fmt.Errorf("class id %d at index %d is outside [0, %d)", id, i, NumLabels)
		}
		decoded[i] = name
	}
	return decoded, nil
}
