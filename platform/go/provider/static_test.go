package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticAdapterPagingNeverRepeats(t *testing.T) {
	ctx := context.Background()
	adapter := NewStaticAdapter()
	adapter.PageSize = 2
	for i := 0; i < 5; i++ {
		adapter.Schools = append(adapter.Schools, School{ExternalID: fmt.Sprintf("sch-%d", i), Name: fmt.Sprintf("School %d", i), IsActive: true})
	}

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		page, err := adapter.FetchSchools(ctx, cursor)
		require.NoError(t, err)
		pages++
		for _, s := range page.Entities {
			require.False(t, seen[s.ExternalID], "external id repeated across pages: %s", s.ExternalID)
			seen[s.ExternalID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	require.Equal(t, 3, pages)
	require.Len(t, seen, 5)
}

func TestStaticAdapterInvalidCursor(t *testing.T) {
	adapter := NewStaticAdapter()
	_, err := adapter.FetchUsers(context.Background(), "not-a-cursor")
	require.Error(t, err)
}

func TestStaticAdapterInitializeFromSettings(t *testing.T) {
	ctx := context.Background()
	adapter := NewStaticAdapter()
	cfg := Config{Settings: []byte(`{"pageSize": 1, "schools": [{"ExternalID": "s1", "Name": "North High", "IsActive": true}]}`)}
	require.NoError(t, adapter.Initialize(ctx, cfg))

	page, err := adapter.FetchSchools(ctx, "")
	require.NoError(t, err)
	require.Len(t, page.Entities, 1)
	require.Equal(t, "s1", page.Entities[0].ExternalID)
}

func TestStaticAdapterInitializeFailureIsConnectError(t *testing.T) {
	adapter := NewStaticAdapter()
	adapter.InitializeErr = fmt.Errorf("bad credentials")

	err := adapter.Initialize(context.Background(), Config{})
	require.Error(t, err)
	require.True(t, IsConnectError(err))

	status := adapter.TestConnection(context.Background())
	require.False(t, status.OK)
}

func TestStaticAdapterDeltaDrainAndExpiry(t *testing.T) {
	ctx := context.Background()
	adapter := NewStaticAdapter()
	adapter.NextToken = "tok-2"
	adapter.PendingChanges = []ChangePage{{
		Events: []ChangeEvent{{Op: ChangeOpDelete, Type: EntityTypeSchools, ExternalID: "s9"}},
	}}

	page, err := adapter.FetchChanges(ctx, "tok-1")
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, "tok-2", page.NextToken)

	// Drained: next call returns an empty page with the same token.
	page, err = adapter.FetchChanges(ctx, "tok-2")
	require.NoError(t, err)
	require.Empty(t, page.Events)

	adapter.TokenExpired = true
	_, err = adapter.FetchChanges(ctx, "tok-2")
	require.ErrorIs(t, err, ErrDeltaTokenExpired)
}
