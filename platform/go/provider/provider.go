// Package provider defines the extraction contract every roster source
// implements, plus the registry that maps provider type tags to adapter
// constructors. The reconciliation engine consumes adapters exclusively
// through the interfaces declared here.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EntityType enumerates the roster entity kinds an adapter can fetch.
type EntityType string

const (
	EntityTypeSchools     EntityType = "schools"
	EntityTypeClasses     EntityType = "classes"
	EntityTypeUsers       EntityType = "users"
	EntityTypeEnrollments EntityType = "enrollments"
)

// EntityTypes lists all entity types in the order later stages depend on
// earlier ones (classes reference schools, enrollments reference both).
func EntityTypes() []EntityType {
	return []EntityType{EntityTypeSchools, EntityTypeClasses, EntityTypeUsers, EntityTypeEnrollments}
}

// UserRole is the provider-declared role of a fetched user.
type UserRole string

const (
	UserRoleTeacher       UserRole = "teacher"
	UserRoleStudent       UserRole = "student"
	UserRoleAdministrator UserRole = "administrator"
	UserRoleAide          UserRole = "aide"
	UserRoleParent        UserRole = "parent"
	UserRoleGuardian      UserRole = "guardian"
)

// EnrollmentRole is the role a user holds within one class.
type EnrollmentRole string

const (
	EnrollmentRoleStudent EnrollmentRole = "student"
	EnrollmentRoleTeacher EnrollmentRole = "teacher"
	EnrollmentRoleAide    EnrollmentRole = "aide"
)

// School is the provider-agnostic shape of a fetched school.
type School struct {
	ExternalID string
	Name       string
	Number     string
	IsActive   bool
	Raw        json.RawMessage
}

// Class is the provider-agnostic shape of a fetched class/section.
type Class struct {
	ExternalID       string
	ExternalSchoolID string
	Name             string
	Subject          string
	Period           string
	Grade            string
	IsActive         bool
	Raw              json.RawMessage
}

// User is the provider-agnostic shape of a fetched user.
type User struct {
	ExternalID    string
	Role          UserRole
	Email         string
	Username      string
	GivenName     string
	FamilyName    string
	StudentNumber string
	StaffID       string
	IsActive      bool
	Raw           json.RawMessage
}

// Enrollment is the provider-agnostic shape of a fetched enrollment.
type Enrollment struct {
	ExternalUserID  string
	ExternalClassID string
	Role            EnrollmentRole
	Primary         bool
	BeginDate       *time.Time
	EndDate         *time.Time
	IsActive        bool
	Raw             json.RawMessage
}

// Page is one page of fetched entities. Cursor is opaque to the caller;
// it is threaded back into the next fetch call unchanged.
type Page[T any] struct {
	Entities   []T
	HasMore    bool
	NextCursor string
	Warnings   []string
}

// ChangeOp tags one delta event.
type ChangeOp string

const (
	ChangeOpCreate ChangeOp = "create"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
)

// ChangeEvent is one entry of a delta fetch. Exactly one of the entity
// pointers matching Type is set; delete events may carry only external ids.
type ChangeEvent struct {
	Op         ChangeOp
	Type       EntityType
	ExternalID string

	School     *School
	Class      *Class
	User       *User
	Enrollment *Enrollment

	// ExternalClassID is set for enrollment events, whose identity is the
	// (user, class) pair rather than a single external id.
	ExternalClassID string
}

// ChangePage is one page of delta events plus the token to persist once the
// whole change set has been applied.
type ChangePage struct {
	Events    []ChangeEvent
	HasMore   bool
	NextToken string
	Warnings  []string
}

// ErrDeltaTokenExpired is returned by delta-capable adapters when the stored
// token is no longer usable and the caller must fall back to a full sync.
var ErrDeltaTokenExpired = errors.New("delta token expired")

// ConnectError marks adapter failures that are fatal to a whole run:
// the source cannot be reached or refuses authentication.
type ConnectError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectError reports whether err is fatal to a run.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}
