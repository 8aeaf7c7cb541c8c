package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeExport(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func initCSVDir(t *testing.T, dir string, pageSize int) *CSVDirAdapter {
	t.Helper()
	a := &CSVDirAdapter{}
	settings := fmt.Sprintf(`{"dir": %q, "pageSize": %d}`, dir, pageSize)
	require.NoError(t, a.Initialize(context.Background(), Config{Settings: json.RawMessage(settings)}))
	return a
}

func TestCSVDirAdapterParsesExports(t *testing.T) {
	dir := t.TempDir()
	writeExport(t, dir, "schools.csv",
		"sourcedId,name,identifier,status\nsch-1,North High,0042,active\nsch-2,Closed Annex,0043,inactive\n")
	writeExport(t, dir, "classes.csv",
		"sourcedId,schoolSourcedId,title,grades\ncls-1,sch-1,Algebra I,09\n")
	writeExport(t, dir, "users.csv",
		"sourcedId,role,email,givenName,familyName\nusr-1,Teacher,t.frost@north.edu,Theo,Frost\n")
	writeExport(t, dir, "enrollments.csv",
		"userSourcedId,classSourcedId,role,primary,beginDate\nusr-1,cls-1,teacher,true,2026-08-15\n")

	a := initCSVDir(t, dir, 0)

	schools, err := a.FetchSchools(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, schools.Entities, 2)
	require.Equal(t, "sch-1", schools.Entities[0].ExternalID)
	require.Equal(t, "0042", schools.Entities[0].Number)
	require.True(t, schools.Entities[0].IsActive)
	require.False(t, schools.Entities[1].IsActive)
	require.NotEmpty(t, schools.Entities[0].Raw)

	classes, err := a.FetchClasses(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, classes.Entities, 1)
	require.Equal(t, "sch-1", classes.Entities[0].ExternalSchoolID)
	require.Equal(t, "09", classes.Entities[0].Grade)

	users, err := a.FetchUsers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, users.Entities, 1)
	require.Equal(t, UserRoleTeacher, users.Entities[0].Role)
	require.Equal(t, "t.frost@north.edu", users.Entities[0].Email)

	enrollments, err := a.FetchEnrollments(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, enrollments.Entities, 1)
	require.True(t, enrollments.Entities[0].Primary)
	require.NotNil(t, enrollments.Entities[0].BeginDate)
	require.Equal(t, "2026-08-15", enrollments.Entities[0].BeginDate.Format("2006-01-02"))
}

func TestCSVDirAdapterPaginates(t *testing.T) {
	dir := t.TempDir()
	writeExport(t, dir, "schools.csv",
		"sourcedId,name\nsch-1,A\nsch-2,B\nsch-3,C\n")

	a := initCSVDir(t, dir, 2)

	first, err := a.FetchSchools(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, first.Entities, 2)
	require.True(t, first.HasMore)

	second, err := a.FetchSchools(context.Background(), first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Entities, 1)
	require.False(t, second.HasMore)
}

func TestCSVDirAdapterMissingFilesAreEmpty(t *testing.T) {
	a := initCSVDir(t, t.TempDir(), 0)

	page, err := a.FetchUsers(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, page.Entities)
	require.False(t, page.HasMore)
}

func TestCSVDirAdapterWarnsOnBadRows(t *testing.T) {
	dir := t.TempDir()
	writeExport(t, dir, "users.csv",
		"sourcedId,role,email\nusr-1,teacher,t@x.edu\n,student,orphan@x.edu\n")

	a := initCSVDir(t, dir, 0)

	page, err := a.FetchUsers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Entities, 1)
	require.NotEmpty(t, page.Warnings)
}

func TestCSVDirAdapterRejectsMissingDir(t *testing.T) {
	a := &CSVDirAdapter{}
	err := a.Initialize(context.Background(), Config{Settings: json.RawMessage(`{"dir": "/nonexistent/exports"}`)})
	require.Error(t, err)
	require.True(t, IsConnectError(err))
}
