package domain

import (
	"encoding/json"
	"time"
)

// ProbeState classifies the outcome of the most recent reachability check.
type ProbeState string

const (
	StateUnknown ProbeState = "unknown"
	StateUp      ProbeState = "up"
	StateDown    ProbeState = "down"
	StateOpaque  ProbeState = "opaque"
)

// Valid reports whether s is one of the known states.
func (s ProbeState) Valid() bool {
	switch s {
	case StateUnknown, StateUp, StateDown, StateOpaque:
		return true
	}
	return false
}

const (
	DefaultProjectName     = "Untitled Project"
	DefaultEnvironmentName = "Environment"
)

// Catalog is the root aggregate persisted as one document.
type Catalog struct {
	Projects []Project `json:"projects"`
}

// Project groups environments under a display name.
type Project struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Environments []Environment `json:"environments"`
}

// Environment is one monitored endpoint.
type Environment struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	URL        string      `json:"url"`
	LastStatus ProbeResult `json:"lastStatus"`
}

// ProbeResult records the last known reachability of an environment.
type ProbeResult struct {
	State      ProbeState
	HTTPStatus *int
	CheckedAt  *time.Time
	Detail     *string
}

// UnknownResult is the status of an environment with no probe evidence.
func UnknownResult() ProbeResult {
	return ProbeResult{State: StateUnknown}
}

// timestampLayout matches the ISO-8601 form browsers emit from toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type probeResultWire struct {
	State      ProbeState `json:"state"`
	HTTPStatus *int       `json:"httpStatus"`
	CheckedAt  *string    `json:"checkedAt"`
	Detail     *string    `json:"detail"`
}

// MarshalJSON writes checkedAt in UTC with millisecond precision.
func (r ProbeResult) MarshalJSON() ([]byte, error) {
	wire := probeResultWire{State: r.State, HTTPStatus: r.HTTPStatus, Detail: r.Detail}
	if wire.State == "" {
		wire.State = StateUnknown
	}
	if r.CheckedAt != nil {
		formatted := r.CheckedAt.UTC().Format(timestampLayout)
		wire.CheckedAt = &formatted
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts any value and repairs it the same way Normalize does.
func (r *ProbeResult) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = normalizeStatus(raw)
	return nil
}

// UnmarshalJSON decodes a document leniently through Normalize.
func (c *Catalog) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Normalize(raw)
	return nil
}

// Clone returns a deep copy that shares no memory with c.
func (c Catalog) Clone() Catalog {
	out := Catalog{Projects: make([]Project, 0, len(c.Projects))}
	for _, p := range c.Projects {
		out.Projects = append(out.Projects, p.Clone())
	}
	return out
}

// Clone returns a deep copy of the project.
func (p Project) Clone() Project {
	out := Project{ID: p.ID, Name: p.Name, Environments: make([]Environment, 0, len(p.Environments))}
	for _, e := range p.Environments {
		out.Environments = append(out.Environments, e.Clone())
	}
	return out
}

// Clone returns a deep copy of the environment.
func (e Environment) Clone() Environment {
	e.LastStatus = e.LastStatus.Clone()
	return e
}

// Clone returns a deep copy of the result.
func (r ProbeResult) Clone() ProbeResult {
	out := ProbeResult{State: r.State}
	if r.HTTPStatus != nil {
		v := *r.HTTPStatus
		out.HTTPStatus = &v
	}
	if r.CheckedAt != nil {
		v := *r.CheckedAt
		out.CheckedAt = &v
	}
	if r.Detail != nil {
		v := *r.Detail
		out.Detail = &v
	}
	return out
}
