// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/cubefs/dbcache/errors"
)

const (
	secPerMin  = 60
	secPerHour = 60 * secPerMin
	secPerDay  = 24 * secPerHour
	secPerWeek = 7 * secPerDay
	secPerYear = 365 * secPerDay

	maxDelay = secPerDay
)

// FlexPeriod overrides the item delay while it is active.
type FlexPeriod struct {
	Delay   int64
	DayFrom int // 1 is Monday, 7 is Sunday
	DayTo   int
	From    int64 // seconds since midnight, inclusive
	To      int64 // exclusive, up to 24:00
}

// Interval is a parsed update interval: "<delay>[;<delay>/<d1>[-<d2>],<hh:mm>-<hh:mm>]...".
type Interval struct {
	Delay int64
	Flex  []FlexPeriod
}

func ParseInterval(spec string) (Interval, error) {
	var iv Interval
	parts := strings.Split(strings.TrimSpace(spec), ";")
	delay, err := parseDelay(parts[0])
	if err != nil {
		return iv, err
	}
	iv.Delay = delay
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		fp, err := parseFlex(p)
		if err != nil {
			return Interval{}, err
		}
		iv.Flex = append(iv.Flex, fp)
	}
	if iv.Delay == 0 {
		nonZero := false
		for _, fp := range iv.Flex {
			nonZero = nonZero || fp.Delay != 0
		}
		if !nonZero {
			return Interval{}, fmt.Errorf("%w: %q is never checked", apierrors.ErrInvalidInterval, spec)
		}
	}
	return iv, nil
}

func (iv Interval) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(iv.Delay, 10))
	for _, fp := range iv.Flex {
		fmt.Fprintf(&b, ";%d/%d-%d,%02d:%02d-%02d:%02d", fp.Delay, fp.DayFrom, fp.DayTo,
			fp.From/secPerHour, fp.From%secPerHour/secPerMin, fp.To/secPerHour, fp.To%secPerHour/secPerMin)
	}
	return b.String()
}

// currentDelay is the smallest delay of the flexible periods active at t, or
// the default delay when none is.
func (iv Interval) currentDelay(t time.Time) int64 {
	delay, found := iv.Delay, false
	for _, fp := range iv.Flex {
		if fp.active(t) && (!found || fp.Delay < delay) {
			delay, found = fp.Delay, true
		}
	}
	return delay
}

// nextBoundary is the earliest moment after t at which a flexible period
// starts or ends.
func (iv Interval) nextBoundary(t time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	y, m, d := t.Date()
	for _, fp := range iv.Flex {
		for offset := 0; offset <= 7; offset++ {
			day := time.Date(y, m, d+offset, 0, 0, 0, 0, t.Location())
			if wd := isoWeekday(day); wd < fp.DayFrom || wd > fp.DayTo {
				continue
			}
			for _, sec := range [2]int64{fp.From, fp.To} {
				c := day.Add(time.Duration(sec) * time.Second)
				if c.After(t) && (!found || c.Before(next)) {
					next, found = c, true
				}
			}
			if found && next.Before(day) {
				break
			}
		}
	}
	return next, found
}

func (fp FlexPeriod) active(t time.Time) bool {
	wd := isoWeekday(t)
	sec := int64(t.Hour()*secPerHour + t.Minute()*secPerMin + t.Second())
	return fp.DayFrom <= wd && wd <= fp.DayTo && fp.From <= sec && sec < fp.To
}

func isoWeekday(t time.Time) int {
	if wd := int(t.Weekday()); wd != 0 {
		return wd
	}
	return 7
}

func parseDelay(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty delay", apierrors.ErrInvalidInterval)
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 's':
		s = s[:len(s)-1]
	case 'm':
		mult, s = secPerMin, s[:len(s)-1]
	case 'h':
		mult, s = secPerHour, s[:len(s)-1]
	case 'd':
		mult, s = secPerDay, s[:len(s)-1]
	case 'w':
		mult, s = secPerWeek, s[:len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 || v*mult > maxDelay {
		return 0, fmt.Errorf("%w: bad delay %q", apierrors.ErrInvalidInterval, s)
	}
	return v * mult, nil
}

// parseFlex parses "<delay>/<d1>[-<d2>],<hh:mm>-<hh:mm>".
func parseFlex(s string) (FlexPeriod, error) {
	var fp FlexPeriod
	bad := fmt.Errorf("%w: bad flexible interval %q", apierrors.ErrInvalidInterval, s)

	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return fp, bad
	}
	delay, err := parseDelay(s[:slash])
	if err != nil {
		return fp, err
	}
	fp.Delay = delay

	period := s[slash+1:]
	comma := strings.IndexByte(period, ',')
	if comma < 0 {
		return fp, bad
	}
	days, hours := period[:comma], period[comma+1:]
	if dash := strings.IndexByte(days, '-'); dash >= 0 {
		fp.DayFrom, err = strconv.Atoi(days[:dash])
		if err != nil {
			return fp, bad
		}
		fp.DayTo, err = strconv.Atoi(days[dash+1:])
	} else {
		fp.DayFrom, err = strconv.Atoi(days)
		fp.DayTo = fp.DayFrom
	}
	if err != nil || fp.DayFrom < 1 || fp.DayTo > 7 || fp.DayFrom > fp.DayTo {
		return fp, bad
	}

	dash := strings.IndexByte(hours, '-')
	if dash < 0 {
		return fp, bad
	}
	if fp.From, err = parseClock(hours[:dash]); err != nil {
		return fp, bad
	}
	if fp.To, err = parseClock(hours[dash+1:]); err != nil {
		return fp, bad
	}
	if fp.From >= fp.To {
		return fp, bad
	}
	return fp, nil
}

func parseClock(s string) (int64, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return 0, apierrors.ErrInvalidInterval
	}
	h, err := strconv.Atoi(s[:colon])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(s[colon+1:])
	if err != nil {
		return 0, err
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, apierrors.ErrInvalidInterval
	}
	return int64(h*secPerHour + m*secPerMin), nil
}
