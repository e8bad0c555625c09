package distribution

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRollup(t *testing.T) {
	tests := []struct {
		name                         string
		total, prepared, distributed int
		want                         BatchStatus
	}{
		{"empty", 0, 0, 0, BatchStatusPlanning},
		{"all allocated", 3, 0, 0, BatchStatusPlanning},
		{"partly prepared", 3, 2, 0, BatchStatusPlanning},
		{"all prepared", 3, 3, 0, BatchStatusPrepared},
		{"one distributed", 3, 2, 1, BatchStatusInProgress},
		{"all distributed", 3, 0, 3, BatchStatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, rollup(tt.total, tt.prepared, tt.distributed))
		})
	}
}

func TestProgressOf(t *testing.T) {
	require.Equal(t, 0, progressOf(0, 0))
	require.Equal(t, 33, progressOf(1, 3))
	require.Equal(t, 67, progressOf(2, 3))
	require.Equal(t, 100, progressOf(3, 3))
}

func TestWindow(t *testing.T) {
	start, end := window(StickerQuery{Page: 3, PageSize: 10})
	require.Equal(t, 20, start)
	require.Equal(t, 30, end)

	start, end = window(StickerQuery{Page: 0, PageSize: 5000})
	require.Equal(t, 0, start)
	require.Equal(t, maxStickerPage, end)

	_, end = window(StickerQuery{All: true, Page: 2, PageSize: 10})
	require.Equal(t, math.MaxInt, end)
}
