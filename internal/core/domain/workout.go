package domain

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Workout is a generated workout plan. Fields are decoded leniently from
// whatever the backend emitted; Raw keeps the original document.
type Workout struct {
	Name            string          `json:"name,omitempty"`
	Description     string          `json:"description,omitempty"`
	Day             string          `json:"day,omitempty"`
	DurationMinutes int64           `json:"duration_minutes,omitempty"`
	Exercises       []Exercise      `json:"exercises,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Exercise is a single generated exercise.
type Exercise struct {
	Name        string          `json:"name,omitempty"`
	MuscleGroup string          `json:"muscle_group,omitempty"`
	Sets        int64           `json:"sets,omitempty"`
	Reps        string          `json:"reps,omitempty"`
	RestSeconds int64           `json:"rest_seconds,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Clone returns a deep copy of w.
func (w Workout) Clone() Workout {
	out := w
	if w.Exercises != nil {
		out.Exercises = make([]Exercise, len(w.Exercises))
		for i, e := range w.Exercises {
			out.Exercises[i] = e.Clone()
		}
	}
	if w.Raw != nil {
		out.Raw = append(json.RawMessage(nil), w.Raw...)
	}
	return out
}

// Clone returns a deep copy of e.
func (e Exercise) Clone() Exercise {
	out := e
	if e.Raw != nil {
		out.Raw = append(json.RawMessage(nil), e.Raw...)
	}
	return out
}

// first returns the first of keys present on v.
func first(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// WorkoutFromJSON decodes a workout object. Numbers given as strings are
// accepted, and a bare string is taken as the workout name.
func WorkoutFromJSON(v gjson.Result) Workout {
	if v.Type == gjson.String {
		return Workout{Name: v.String(), Raw: json.RawMessage(v.Raw)}
	}
	w := Workout{
		Name:            first(v, "name", "title").String(),
		Description:     first(v, "description", "summary").String(),
		Day:             first(v, "day", "weekday").String(),
		DurationMinutes: first(v, "duration_minutes", "durationMinutes", "duration").Int(),
		Raw:             json.RawMessage(v.Raw),
	}
	if ex := v.Get("exercises"); ex.IsArray() {
		w.Exercises = ExercisesFromJSON(ex)
	}
	return w
}

// ExerciseFromJSON decodes an exercise object.
func ExerciseFromJSON(v gjson.Result) Exercise {
	if v.Type == gjson.String {
		return Exercise{Name: v.String(), Raw: json.RawMessage(v.Raw)}
	}
	return Exercise{
		Name:        first(v, "name", "exercise", "title").String(),
		MuscleGroup: first(v, "muscle_group", "muscleGroup", "target_muscle").String(),
		Sets:        v.Get("sets").Int(),
		Reps:        v.Get("reps").String(),
		RestSeconds: first(v, "rest_seconds", "restSeconds", "rest").Int(),
		Notes:       first(v, "notes", "instructions").String(),
		Raw:         json.RawMessage(v.Raw),
	}
}

// WorkoutsFromJSON decodes an array of workouts. Entries that are neither
// objects nor strings are skipped.
func WorkoutsFromJSON(arr gjson.Result) []Workout {
	out := make([]Workout, 0, len(arr.Array()))
	for _, v := range arr.Array() {
		if !v.IsObject() && v.Type != gjson.String {
			continue
		}
		out = append(out, WorkoutFromJSON(v))
	}
	return out
}

// ExercisesFromJSON decodes an array of exercises.
func ExercisesFromJSON(arr gjson.Result) []Exercise {
	out := make([]Exercise, 0, len(arr.Array()))
	for _, v := range arr.Array() {
		if !v.IsObject() && v.Type != gjson.String {
			continue
		}
		out = append(out, ExerciseFromJSON(v))
	}
	return out
}

// SourcesFromJSON decodes a citation array. Plain strings are treated as
// URLs.
func SourcesFromJSON(arr gjson.Result) []Source {
	out := make([]Source, 0, len(arr.Array()))
	for _, v := range arr.Array() {
		switch {
		case v.Type == gjson.String:
			out = append(out, Source{URL: v.String(), Raw: json.RawMessage(v.Raw)})
		case v.IsObject():
			out = append(out, Source{
				Title:   first(v, "title", "name").String(),
				URL:     first(v, "url", "link", "href").String(),
				Snippet: first(v, "snippet", "excerpt", "text").String(),
				Raw:     json.RawMessage(v.Raw),
			})
		}
	}
	return out
}
