package provider

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TypeCSVDir is the registry tag for the CSV directory adapter. It reads
// OneRoster-style exports dropped into a directory: schools.csv, classes.csv,
// users.csv, enrollments.csv. Files are optional; a missing file yields an
// empty entity set. Column order is free; the header row names the columns.
const TypeCSVDir = "csv-dir"

// CSVDirConfigSchema validates the csv-dir adapter's settings document.
var CSVDirConfigSchema = []byte(`{
  "type": "object",
  "properties": {
    "dir": {"type": "string", "minLength": 1},
    "pageSize": {"type": "integer", "minimum": 1}
  },
  "required": ["dir"],
  "additionalProperties": false
}`)

// CSVDirFactory returns the factory entry for the csv-dir adapter.
func CSVDirFactory() Factory {
	return Factory{
		New:          func() Adapter { return &CSVDirAdapter{} },
		ConfigSchema: CSVDirConfigSchema,
	}
}

// CSVDirAdapter serves roster data from CSV exports. Files are parsed once at
// Initialize; a sync run sees one consistent snapshot even if the export is
// replaced mid-run.
type CSVDirAdapter struct {
	dir      string
	pageSize int

	schools     []School
	classes     []Class
	users       []User
	enrollments []Enrollment
	warnings    []string
}

func (a *CSVDirAdapter) Type() string { return TypeCSVDir }

type csvDirSettings struct {
	Dir      string `json:"dir"`
	PageSize int    `json:"pageSize"`
}

func (a *CSVDirAdapter) Initialize(_ context.Context, cfg Config) error {
	var s csvDirSettings
	if err := json.Unmarshal(cfg.Settings, &s); err != nil {
		return &ConnectError{Provider: TypeCSVDir, Message: "decode settings", Err: err}
	}
	if s.Dir == "" {
		return &ConnectError{Provider: TypeCSVDir, Message: "settings field dir is required"}
	}
	info, err := os.Stat(s.Dir)
	if err != nil || !info.IsDir() {
		return &ConnectError{Provider: TypeCSVDir, Message: fmt.Sprintf("export directory %s is not readable", s.Dir), Err: err}
	}
	a.dir = s.Dir
	a.pageSize = s.PageSize

	a.schools, a.classes, a.users, a.enrollments = nil, nil, nil, nil
	a.warnings = nil

	if err := a.loadFile("schools.csv", a.appendSchool); err != nil {
		return err
	}
	if err := a.loadFile("classes.csv", a.appendClass); err != nil {
		return err
	}
	if err := a.loadFile("users.csv", a.appendUser); err != nil {
		return err
	}
	return a.loadFile("enrollments.csv", a.appendEnrollment)
}

func (a *CSVDirAdapter) TestConnection(context.Context) ConnectionStatus {
	info, err := os.Stat(a.dir)
	if err != nil || !info.IsDir() {
		return ConnectionStatus{OK: false, Message: fmt.Sprintf("export directory %s is not readable", a.dir)}
	}
	return ConnectionStatus{OK: true, Message: fmt.Sprintf("export directory %s ready", a.dir)}
}

func (a *CSVDirAdapter) FetchSchools(_ context.Context, cursor string) (Page[School], error) {
	return pageOf(a.schools, cursor, a.pageSize, a.warnings)
}

func (a *CSVDirAdapter) FetchClasses(_ context.Context, cursor string) (Page[Class], error) {
	return pageOf(a.classes, cursor, a.pageSize, a.warnings)
}

func (a *CSVDirAdapter) FetchUsers(_ context.Context, cursor string) (Page[User], error) {
	return pageOf(a.users, cursor, a.pageSize, a.warnings)
}

func (a *CSVDirAdapter) FetchEnrollments(_ context.Context, cursor string) (Page[Enrollment], error) {
	return pageOf(a.enrollments, cursor, a.pageSize, a.warnings)
}

func (a *CSVDirAdapter) Cleanup(context.Context) error {
	a.schools, a.classes, a.users, a.enrollments = nil, nil, nil, nil
	return nil
}

// row is one parsed CSV record keyed by lowercased header name.
type row map[string]string

func (r row) get(names ...string) string {
	for _, name := range names {
		if v, ok := r[name]; ok && v != "" {
			return v
		}
	}
	return ""
}

func (r row) active() bool {
	switch strings.ToLower(r.get("status", "is_active", "active")) {
	case "", "active", "true", "1", "yes":
		return true
	default:
		return false
	}
}

func (r row) raw() json.RawMessage {
	doc, err := json.Marshal(map[string]string(r))
	if err != nil {
		return nil
	}
	return doc
}

func (a *CSVDirAdapter) loadFile(name string, add func(row) error) error {
	path := filepath.Join(a.dir, name)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &ConnectError{Provider: TypeCSVDir, Message: fmt.Sprintf("open %s", name), Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return &ConnectError{Provider: TypeCSVDir, Message: fmt.Sprintf("read %s header", name), Err: err}
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			a.warnings = append(a.warnings, fmt.Sprintf("%s line %d: %v", name, line, err))
			continue
		}
		r := make(row, len(header))
		for i, value := range record {
			if i < len(header) {
				r[header[i]] = strings.TrimSpace(value)
			}
		}
		if err := add(r); err != nil {
			a.warnings = append(a.warnings, fmt.Sprintf("%s line %d: %v", name, line, err))
		}
	}
}

func (a *CSVDirAdapter) appendSchool(r row) error {
	id := r.get("sourcedid", "school_id", "id")
	if id == "" {
		return fmt.Errorf("missing school id")
	}
	a.schools = append(a.schools, School{
		ExternalID: id,
		Name:       r.get("name", "title"),
		Number:     r.get("identifier", "school_number", "number"),
		IsActive:   r.active(),
		Raw:        r.raw(),
	})
	return nil
}

func (a *CSVDirAdapter) appendClass(r row) error {
	id := r.get("sourcedid", "class_id", "id")
	if id == "" {
		return fmt.Errorf("missing class id")
	}
	a.classes = append(a.classes, Class{
		ExternalID:       id,
		ExternalSchoolID: r.get("schoolsourcedid", "school_id", "school"),
		Name:             r.get("title", "name"),
		Subject:          r.get("subjects", "subject"),
		Period:           r.get("periods", "period"),
		Grade:            r.get("grades", "grade"),
		IsActive:         r.active(),
		Raw:              r.raw(),
	})
	return nil
}

func (a *CSVDirAdapter) appendUser(r row) error {
	id := r.get("sourcedid", "user_id", "id")
	if id == "" {
		return fmt.Errorf("missing user id")
	}
	a.users = append(a.users, User{
		ExternalID:    id,
		Role:          UserRole(strings.ToLower(r.get("role"))),
		Email:         r.get("email"),
		Username:      r.get("username"),
		GivenName:     r.get("givenname", "first_name"),
		FamilyName:    r.get("familyname", "last_name"),
		StudentNumber: r.get("identifier", "student_number"),
		StaffID:       r.get("staff_id"),
		IsActive:      r.active(),
		Raw:           r.raw(),
	})
	return nil
}

func (a *CSVDirAdapter) appendEnrollment(r row) error {
	userID := r.get("usersourcedid", "user_id", "user")
	classID := r.get("classsourcedid", "class_id", "class")
	if userID == "" || classID == "" {
		return fmt.Errorf("missing enrollment user or class id")
	}
	e := Enrollment{
		ExternalUserID:  userID,
		ExternalClassID: classID,
		Role:            EnrollmentRole(strings.ToLower(r.get("role"))),
		Primary:         strings.EqualFold(r.get("primary"), "true"),
		IsActive:        r.active(),
		Raw:             r.raw(),
	}
	if t := parseDate(r.get("begindate", "start_date")); t != nil {
		e.BeginDate = t
	}
	if t := parseDate(r.get("enddate", "end_date")); t != nil {
		e.EndDate = t
	}
	a.enrollments = append(a.enrollments, e)
	return nil
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}

var _ Adapter = (*CSVDirAdapter)(nil)
