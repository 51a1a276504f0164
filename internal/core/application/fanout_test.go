package application

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkPool(t *testing.T) {
	t.Run("processes every item", func(t *testing.T) {
		items := make([]int, 100)
		for i := range items {
			items[i] = i
		}

		var sum int64
		err := workPool(items, 4, func(item int) error {
			atomic.AddInt64(&sum, int64(item))
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, int64(4950), atomic.LoadInt64(&sum))
	})

	t.Run("returns the failing item's error", func(t *testing.T) {
		items := []string{"a", "b", "c", "d"}
		err := workPool(items, 2, func(item string) error {
			if item == "c" {
				return fmt.Errorf("item %s refused", item)
			}
			return nil
		})
		require.ErrorContains(t, err, "item c refused")
	})

	t.Run("no items is a no-op", func(t *testing.T) {
		var ran int32
		err := workPool(nil, 3, func(int) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
		require.NoError(t, err)
		require.Zero(t, atomic.LoadInt32(&ran))
	})
}

func TestCollectPool(t *testing.T) {
	t.Run("gathers results by key", func(t *testing.T) {
		items := []int{1, 2, 3, 4, 5}
		results, err := collectPool(
			items,
			func(item int) string { return fmt.Sprintf("verifier-%d", item) },
			func(item int) (int, error) { return item * 2, nil },
		)
		require.NoError(t, err)
		require.Len(t, results, 5)
		for _, item := range items {
			require.Equal(t, item*2, results[fmt.Sprintf("verifier-%d", item)])
		}
	})

	t.Run("stops at the first error", func(t *testing.T) {
		items := []int{1, 2, 3}
		results, err := collectPool(
			items,
			func(item int) string { return fmt.Sprintf("%d", item) },
			func(item int) (int, error) {
				if item == 2 {
					return 0, fmt.Errorf("verifier 2 unreachable")
				}
				return item, nil
			},
		)
		require.ErrorContains(t, err, "verifier 2 unreachable")
		require.Nil(t, results)
	})

	t.Run("empty input yields an empty map", func(t *testing.T) {
		results, err := collectPool(
			nil,
			func(item int) string { return "" },
			func(item int) (int, error) { return item, nil },
		)
		require.NoError(t, err)
		require.Empty(t, results)
	})
}
