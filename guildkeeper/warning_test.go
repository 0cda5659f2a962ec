package guildkeeper

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestWarningLog(t *testing.T) {
	ctx := context.Background()
	warnings := NewWarningLog(newTestDBI(t))

	for i := 1; i <= 3; i++ {
		w := &Warning{ServerID: "1", UserID: "2", ModeratorID: "3", Reason: "spam"}
		ct, err := warnings.Add(ctx, w)
		require.NoError(t, err)
		assert.Equal(t, int64(i), ct)
		assert.NotEmpty(t, w.WarningID)
		assert.False(t, w.Timestamp.IsZero())
	}

	ct, err := warnings.Add(ctx, &Warning{ServerID: "other", UserID: "2", ModeratorID: "3"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ct)

	ct, err = warnings.Count(ctx, "1", "2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ct)

	ct, err = warnings.Count(ctx, "1", "nobody")
	require.NoError(t, err)
	assert.Zero(t, ct)
}
