package model_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-migrate/internal/model"
)

func TestProgressOrdering(t *testing.T) {
	entries := []model.ProgressEntry{
		{Schema: "sales", Name: "orders"},
		{Schema: "public", Name: "users"},
		{Schema: "public", Name: "accounts"},
		{Schema: "archive", Name: "users"},
	}

	t.Run("schema then name", func(t *testing.T) {
		sorted := append([]model.ProgressEntry(nil), entries...)
		model.SortProgress(sorted)
		require.Equal(t, []model.ProgressEntry{
			{Schema: "archive", Name: "users"},
			{Schema: "public", Name: "accounts"},
			{Schema: "public", Name: "users"},
			{Schema: "sales", Name: "orders"},
		}, sorted)
	})

	t.Run("name only", func(t *testing.T) {
		sorted := append([]model.ProgressEntry(nil), entries...)
		model.SortProgressByName(sorted)
		names := make([]string, 0, len(sorted))
		for _, e := range sorted {
			names = append(names, e.Name)
		}
		require.Equal(t, []string{"accounts", "orders", "users", "users"}, names)
	})

	t.Run("strict total order consistent with name order within a schema", func(t *testing.T) {
		for _, a := range entries {
			for _, b := range entries {
				ab, ba := model.CompareProgress(a, b), model.CompareProgress(b, a)
				require.Equal(t, -ab, ba)
				if a == b {
					require.Zero(t, ab)
					continue
				}
				require.NotZero(t, ab, "%v vs %v", a, b)
				if a.Schema == b.Schema {
					require.Equal(t, model.CompareProgressByName(a, b), ab)
				}
			}
		}
	})
}

func TestProgressNormalize(t *testing.T) {
	testCases := []struct {
		name     string
		entry    model.ProgressEntry
		expected model.ProgressEntry
	}{
		{
			name:     "error dropped for non failed status",
			entry:    model.ProgressEntry{Status: model.StatusMigrating, Percent: 0.4, Error: "boom"},
			expected: model.ProgressEntry{Status: model.StatusMigrating, Percent: 0.4},
		},
		{
			name:     "error kept for failed status",
			entry:    model.ProgressEntry{Status: model.StatusFailed, Percent: 0.4, Error: "boom"},
			expected: model.ProgressEntry{Status: model.StatusFailed, Percent: 0.4, Error: "boom"},
		},
		{
			name:     "percent clamped unless finalize failed",
			entry:    model.ProgressEntry{Status: model.StatusCompleted, Percent: 1.2},
			expected: model.ProgressEntry{Status: model.StatusCompleted, Percent: 1},
		},
		{
			name:     "percent may exceed one when finalize failed",
			entry:    model.ProgressEntry{Status: model.StatusFinalizeFailed, Percent: 1.2, Error: "index"},
			expected: model.ProgressEntry{Status: model.StatusFinalizeFailed, Percent: 1.2, Error: "index"},
		},
		{
			name:     "negative percent",
			entry:    model.ProgressEntry{Status: model.StatusPending, Percent: -3},
			expected: model.ProgressEntry{Status: model.StatusPending},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.entry.Normalize())
		})
	}
}

func TestStatusBucket(t *testing.T) {
	require.Equal(t, model.BucketInProgress, model.StatusPending.Bucket())
	require.Equal(t, model.BucketInProgress, model.StatusMigrating.Bucket())
	require.Equal(t, model.BucketCompleted, model.StatusCompleted.Bucket())
	require.Equal(t, model.BucketCompleted, model.StatusChecking.Bucket())
	require.Equal(t, model.BucketCompleted, model.StatusVerified.Bucket())
	require.Equal(t, model.BucketFailed, model.StatusFailed.Bucket())
	require.Equal(t, model.BucketFailed, model.StatusFinalizeFailed.Bucket())
	require.Equal(t, model.BucketInProgress, model.Status(42).Bucket())
	require.Equal(t, "status(42)", model.Status(42).String())
}

func TestObjectStatusCheckAnnotation(t *testing.T) {
	entry := model.NewObjectStatus(model.ProgressEntry{
		Schema: "public", Name: "orders", Status: model.StatusCompleted, Percent: 1,
	}, model.ObjectTable)
	require.Equal(t, model.CheckNone, entry.CheckStatus)

	t.Run("failure then success keeps last writer", func(t *testing.T) {
		e := entry
		e.SetCheckFailure("row mismatch", "/repair/orders.sql")
		e.SetCheckSuccess()
		require.Equal(t, model.CheckSuccess, e.CheckStatus)
		require.Empty(t, e.CheckMessage)
		require.Empty(t, e.RepairFilePath)
	})

	t.Run("success then failure keeps last writer", func(t *testing.T) {
		e := entry
		e.SetCheckSuccess()
		e.SetCheckFailure("row mismatch", "/repair/orders.sql")
		require.Equal(t, model.CheckFail, e.CheckStatus)
		require.Equal(t, "row mismatch", e.CheckMessage)
		require.Equal(t, "/repair/orders.sql", e.RepairFilePath)
	})

	t.Run("migration status is unchanged by annotation", func(t *testing.T) {
		e := entry
		e.SetCheckFailure("x", "y")
		require.Equal(t, model.StatusCompleted, e.Status)
		require.Equal(t, model.ObjectTable, e.Type)
	})

	t.Run("dual ordering", func(t *testing.T) {
		entries := []model.ObjectStatusEntry{
			{Schema: "b", Name: "a"},
			{Schema: "a", Name: "z"},
		}
		model.SortObjectStatus(entries)
		require.Equal(t, "a", entries[0].Schema)
		model.SortObjectStatusByName(entries)
		require.Equal(t, "a", entries[0].Name)
	})
}
