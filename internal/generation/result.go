package generation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/tjfontaine/genstream/internal/core/domain"
)

// fieldSchemas pin down the shape of each recognised key. Keys are
// checked one by one so a malformed sibling does not hide a usable array.
// Entries are decoded leniently afterwards.
var fieldSchemas = []struct {
	key    string
	schema *gojsonschema.Schema
}{
	{"workouts", mustSchema(`{"type": ["array", "null"], "items": {"type": ["object", "string"]}}`)},
	{"exercises", mustSchema(`{"type": ["array", "null"], "items": {"type": ["object", "string"]}}`)},
	{"reasoning", mustSchema(`{"type": ["string", "null"]}`)},
	{"sources", mustSchema(`{"type": ["array", "null"]}`)},
}

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("generation: invalid snapshot schema: %v", err))
	}
	return schema
}

func validateField(schema *gojsonschema.Schema, v gjson.Result) error {
	res, err := schema.Validate(gojsonschema.NewStringLoader(v.Raw))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.Description())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ErrNoStructuredFields is returned when a document parses but holds none
// of the recognised keys.
var ErrNoStructuredFields = errors.New("no structured fields")

// Snapshot is a structured result as carried by a result frame. Only the
// fields flagged present replace their accumulators.
type Snapshot struct {
	Workouts     []domain.Workout
	Exercises    []domain.Exercise
	Sources      []domain.Source
	Reasoning    string
	HasWorkouts  bool
	HasExercises bool
	HasSources   bool
	HasReasoning bool
	// Invalid lists recognised keys that were present but malformed.
	Invalid []string
}

// Empty reports whether no recognised field was present.
func (s Snapshot) Empty() bool {
	return !s.HasWorkouts && !s.HasExercises && !s.HasSources && !s.HasReasoning
}

// ParseSnapshot decodes result content. The content may be the snapshot
// object itself, a JSON string encoding it, or a bare array of workouts.
// Malformed keys are skipped and listed in Invalid; an error is returned
// only when nothing usable remains.
func ParseSnapshot(content gjson.Result) (Snapshot, error) {
	if content.Type == gjson.String {
		inner := strings.TrimSpace(content.String())
		if !gjson.Valid(inner) {
			return Snapshot{}, fmt.Errorf("result content is not JSON")
		}
		content = gjson.Parse(inner)
	}

	if content.IsArray() {
		return Snapshot{
			Workouts:    domain.WorkoutsFromJSON(content),
			HasWorkouts: true,
		}, nil
	}
	if !content.IsObject() {
		return Snapshot{}, fmt.Errorf("result content must be an object, got %s", content.Type)
	}

	var (
		snap Snapshot
		errs []error
	)
	for _, f := range fieldSchemas {
		v := content.Get(f.key)
		if !v.Exists() {
			continue
		}
		if err := validateField(f.schema, v); err != nil {
			snap.Invalid = append(snap.Invalid, f.key)
			errs = append(errs, fmt.Errorf("%s: %w", f.key, err))
			continue
		}
		switch f.key {
		case "workouts":
			if v.IsArray() {
				snap.Workouts = domain.WorkoutsFromJSON(v)
				snap.HasWorkouts = true
			}
		case "exercises":
			if v.IsArray() {
				snap.Exercises = domain.ExercisesFromJSON(v)
				snap.HasExercises = true
			}
		case "reasoning":
			if v.Type == gjson.String {
				snap.Reasoning = v.String()
				snap.HasReasoning = true
			}
		case "sources":
			if v.IsArray() {
				snap.Sources = domain.SourcesFromJSON(v)
				snap.HasSources = true
			}
		}
	}

	// A partly malformed frame still replaces the accumulators it carries.
	if snap.Empty() && len(errs) > 0 {
		return Snapshot{}, fmt.Errorf("invalid result: %w", errors.Join(errs...))
	}
	return snap, nil
}

// ReconstructFromBuffer parses the full token buffer of a session that
// never emitted structured frames. Plain-text buffers yield a
// terminal_parse error and documents without recognised keys yield
// ErrNoStructuredFields. Neither fails the session.
func ReconstructFromBuffer(buffer string) (Snapshot, error) {
	doc := stripFence(strings.TrimSpace(buffer))
	if doc == "" {
		return Snapshot{}, ErrNoStructuredFields
	}
	if !gjson.Valid(doc) {
		return Snapshot{}, domain.NewStreamError(domain.ErrorKindTerminalParse, "reconstruct", errors.New("buffer is not a JSON document"))
	}
	parsed := gjson.Parse(doc)
	if !parsed.IsObject() && !parsed.IsArray() {
		return Snapshot{}, ErrNoStructuredFields
	}
	snap, err := ParseSnapshot(parsed)
	if err != nil {
		return Snapshot{}, domain.NewStreamError(domain.ErrorKindTerminalParse, "reconstruct", err)
	}
	if snap.Empty() {
		return Snapshot{}, ErrNoStructuredFields
	}
	return snap, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(s[3:], "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{[") {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
