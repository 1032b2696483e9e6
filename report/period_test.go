package report

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looperhq/looper/errors"
)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestWeeksMondayToSaturday(t *testing.T) {
	p, err := DateRange(day("2024-01-01"), day("2024-01-20"))
	require.NoError(t, err)

	weeks := p.Weeks()
	require.Len(t, weeks, 3)
	assert.Equal(t, Week{day("2024-01-01"), day("2024-01-06")}, weeks[0])
	assert.Equal(t, Week{day("2024-01-07"), day("2024-01-13")}, weeks[1])
	assert.Equal(t, Week{day("2024-01-14"), day("2024-01-20")}, weeks[2])
	for _, w := range weeks {
		assert.Equal(t, time.Saturday, w.End.Weekday())
	}
}

func TestWeeksTrailingPartial(t *testing.T) {
	// 2024-01-07 is a Sunday, 2024-01-17 a Wednesday.
	p, err := DateRange(day("2024-01-07"), day("2024-01-17"))
	require.NoError(t, err)

	weeks := p.Weeks()
	require.Len(t, weeks, 2)
	assert.Equal(t, Week{day("2024-01-07"), day("2024-01-13")}, weeks[0])
	assert.Equal(t, Week{day("2024-01-14"), day("2024-01-17")}, weeks[1],
		"final bucket is cut short of Saturday")
}

func TestWeeksSingleDay(t *testing.T) {
	p := SingleDate(day("2024-01-03"))
	weeks := p.Weeks()
	require.Len(t, weeks, 1)
	assert.Equal(t, Week{day("2024-01-03"), day("2024-01-03")}, weeks[0])
}

func TestDateRangeRejectsInvertedBounds(t *testing.T) {
	_, err := DateRange(day("2024-02-01"), day("2024-01-01"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDateSetBounds(t *testing.T) {
	p, err := DateSet(day("2024-01-15"), day("2024-01-01"), day("2024-01-08"))
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-01"), p.Start)
	assert.Equal(t, day("2024-01-15"), p.End)

	assert.True(t, p.Contains(day("2024-01-08")))
	assert.False(t, p.Contains(day("2024-01-09")), "a set only contains its members")

	_, err = DateSet()
	assert.True(t, errors.IsInvalid(err))
}

func TestPeriodJSONRoundTrip(t *testing.T) {
	p, err := DateSet(day("2024-01-01"), day("2024-01-08"))
	require.NoError(t, err)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":"2024-01-01","end":"2024-01-08","dates":["2024-01-01","2024-01-08"]}`, string(raw))

	var back Period
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, p, back)
}
