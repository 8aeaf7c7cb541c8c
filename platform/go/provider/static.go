package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// TypeStatic is the registry tag for the in-memory adapter. It serves two
// purposes: a demo source for local development (datasets supplied inline in
// the settings document) and a controllable source for engine tests.
const TypeStatic = "static"

// StaticConfigSchema validates the static adapter's settings document.
var StaticConfigSchema = []byte(`{
  "type": "object",
  "properties": {
    "pageSize": {"type": "integer", "minimum": 1},
    "schools": {"type": "array"},
    "classes": {"type": "array"},
    "users": {"type": "array"},
    "enrollments": {"type": "array"}
  },
  "additionalProperties": true
}`)

// StaticFactory returns the factory entry for the static adapter.
func StaticFactory() Factory {
	return Factory{
		New:          func() Adapter { return NewStaticAdapter() },
		ConfigSchema: StaticConfigSchema,
	}
}

// StaticAdapter serves roster data straight from memory. All dataset fields
// may be mutated between runs to simulate source-side change.
type StaticAdapter struct {
	mu sync.Mutex

	Schools     []School
	Classes     []Class
	Users       []User
	Enrollments []Enrollment

	// PageSize bounds every fetch page; zero means everything in one page.
	PageSize int

	// PendingChanges is drained one ChangePage per FetchChanges call.
	PendingChanges []ChangePage

	// NextToken is handed out once PendingChanges is exhausted.
	NextToken string

	// TokenExpired forces FetchChanges to report ErrDeltaTokenExpired.
	TokenExpired bool

	// InitializeErr, when set, fails Initialize with a ConnectError.
	InitializeErr error

	// TransientFetches fails that many fetch calls with a transient error
	// before succeeding, exercising the page retry path.
	TransientFetches int

	// PageWarnings is attached to every returned page.
	PageWarnings []string

	initialized bool
}

// NewStaticAdapter returns an empty adapter; datasets arrive via Initialize
// settings or direct field assignment.
func NewStaticAdapter() *StaticAdapter {
	return &StaticAdapter{}
}

func (a *StaticAdapter) Type() string { return TypeStatic }

type staticSettings struct {
	PageSize    int          `json:"pageSize"`
	Schools     []School     `json:"schools"`
	Classes     []Class      `json:"classes"`
	Users       []User       `json:"users"`
	Enrollments []Enrollment `json:"enrollments"`
}

func (a *StaticAdapter) Initialize(_ context.Context, cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.InitializeErr != nil {
		return &ConnectError{Provider: TypeStatic, Message: "initialize", Err: a.InitializeErr}
	}

	if len(cfg.Settings) > 0 {
		var s staticSettings
		if err := json.Unmarshal(cfg.Settings, &s); err != nil {
			return &ConnectError{Provider: TypeStatic, Message: "decode settings", Err: err}
		}
		if s.PageSize > 0 {
			a.PageSize = s.PageSize
		}
		if s.Schools != nil {
			a.Schools = s.Schools
		}
		if s.Classes != nil {
			a.Classes = s.Classes
		}
		if s.Users != nil {
			a.Users = s.Users
		}
		if s.Enrollments != nil {
			a.Enrollments = s.Enrollments
		}
	}

	a.initialized = true
	return nil
}

func (a *StaticAdapter) TestConnection(context.Context) ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.InitializeErr != nil {
		return ConnectionStatus{OK: false, Message: a.InitializeErr.Error()}
	}
	return ConnectionStatus{OK: true, Message: "static dataset ready"}
}

func (a *StaticAdapter) FetchSchools(_ context.Context, cursor string) (Page[School], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeTransient(); err != nil {
		return Page[School]{}, err
	}
	return pageOf(a.Schools, cursor, a.PageSize, a.PageWarnings)
}

func (a *StaticAdapter) FetchClasses(_ context.Context, cursor string) (Page[Class], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeTransient(); err != nil {
		return Page[Class]{}, err
	}
	return pageOf(a.Classes, cursor, a.PageSize, a.PageWarnings)
}

func (a *StaticAdapter) FetchUsers(_ context.Context, cursor string) (Page[User], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeTransient(); err != nil {
		return Page[User]{}, err
	}
	return pageOf(a.Users, cursor, a.PageSize, a.PageWarnings)
}

func (a *StaticAdapter) FetchEnrollments(_ context.Context, cursor string) (Page[Enrollment], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeTransient(); err != nil {
		return Page[Enrollment]{}, err
	}
	return pageOf(a.Enrollments, cursor, a.PageSize, a.PageWarnings)
}

// FetchChanges drains one pending change page per call.
func (a *StaticAdapter) FetchChanges(_ context.Context, token string) (ChangePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.TokenExpired {
		return ChangePage{}, fmt.Errorf("token %q: %w", token, ErrDeltaTokenExpired)
	}
	if len(a.PendingChanges) == 0 {
		return ChangePage{NextToken: a.NextToken}, nil
	}

	page := a.PendingChanges[0]
	a.PendingChanges = a.PendingChanges[1:]
	if page.NextToken == "" && !page.HasMore {
		page.NextToken = a.NextToken
	}
	return page, nil
}

func (a *StaticAdapter) Cleanup(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = false
	return nil
}

func (a *StaticAdapter) maybeTransient() error {
	if a.TransientFetches > 0 {
		a.TransientFetches--
		return Transient(fmt.Errorf("static source momentarily unavailable"))
	}
	return nil
}

func pageOf[T any](all []T, cursor string, pageSize int, warnings []string) (Page[T], error) {
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return Page[T]{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = parsed
	}
	if offset > len(all) {
		offset = len(all)
	}

	end := len(all)
	if pageSize > 0 && offset+pageSize < end {
		end = offset + pageSize
	}

	page := Page[T]{
		Entities: append([]T(nil), all[offset:end]...),
		HasMore:  end < len(all),
		Warnings: warnings,
	}
	if page.HasMore {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

var (
	_ Adapter      = (*StaticAdapter)(nil)
	_ DeltaAdapter = (*StaticAdapter)(nil)
)
