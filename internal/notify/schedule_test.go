package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-01-01 is a Monday
func monday(h, m, s int) time.Time {
	return time.Date(2024, 1, 1, h, m, s, 0, time.Local)
}

func TestParseWindow_Invalid(t *testing.T) {
	cases := map[string]Schedule{
		"no days":     {Days: "", Start: "08:00", End: "09:00"},
		"unknown day": {Days: "mon,funday", Start: "08:00", End: "09:00"},
		"bad start":   {Days: "mon", Start: "8am", End: "09:00"},
		"bad end":     {Days: "mon", Start: "08:00", End: "25:00"},
		"start > end": {Days: "mon", Start: "22:00", End: "06:00"},
		"only commas": {Days: " , ,", Start: "08:00", End: "09:00"},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWindow("w", s)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}

func TestWindow_OpenIsInclusive(t *testing.T) {
	w, err := ParseWindow("morning", Schedule{Days: "mon", Start: "08:00", End: "09:00"})
	require.NoError(t, err)

	assert.True(t, w.Open(monday(8, 0, 0)))
	assert.True(t, w.Open(monday(8, 30, 0)))
	assert.True(t, w.Open(monday(9, 0, 0)))
	assert.True(t, w.Open(monday(9, 0, 30)))
	assert.True(t, w.Open(monday(9, 0, 59)))
	assert.False(t, w.Open(monday(9, 1, 0)))
	assert.False(t, w.Open(monday(7, 59, 59)))
	assert.False(t, w.Open(monday(8, 30, 0).AddDate(0, 0, 1)), "tuesday")
}

func TestWindow_LastMinuteOfDay(t *testing.T) {
	w, err := ParseWindow("always", Schedule{Days: "mon,tue,wed,thu,fri,sat,sun", Start: "00:00", End: "23:59"})
	require.NoError(t, err)

	assert.True(t, w.Open(monday(23, 59, 30)))
	assert.True(t, w.Open(time.Date(2024, 1, 1, 23, 59, 59, 999999999, time.Local)))
	assert.True(t, w.Open(monday(0, 0, 0)))
}

func TestWindow_DayNames(t *testing.T) {
	w, err := ParseWindow("weekend", Schedule{Days: "Sat, SUNDAY", Start: "00:00", End: "23:59"})
	require.NoError(t, err)

	sat := monday(12, 0, 0).AddDate(0, 0, 5)
	sun := monday(12, 0, 0).AddDate(0, 0, 6)
	assert.True(t, w.Open(sat))
	assert.True(t, w.Open(sun))
	assert.False(t, w.Open(monday(12, 0, 0)))
	assert.Equal(t, "Sat, SUNDAY", w.Schedule().Days)
}
