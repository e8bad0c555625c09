package task

import (
	"testing"

	"impact-donations/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRegister(t *testing.T) {
	s := NewScheduler(&Service{}, &config.Config{Timezone: "Asia/Kolkata"})

	err := s.Register([]Task{
		{Name: "a", Schedule: "@every 1h"},
		{Name: "b", Schedule: "*/5 * * * *"},
		{Name: "c"},
	})
	require.NoError(t, err)
	require.Len(t, s.cron.Entries(), 2)

	require.Error(t, s.Register([]Task{{Name: "d", Schedule: "every tuesday"}}))
}
