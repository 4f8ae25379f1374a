package scheduler

import (
	"math"
	"testing"
	"time"

	apierrors "github.com/cubefs/dbcache/errors"
	"github.com/cubefs/dbcache/proto"
	"github.com/stretchr/testify/require"
)

// 2024-01-01 is a Monday
var monday = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("30s")
	require.NoError(t, err)
	require.Equal(t, int64(30), iv.Delay)
	require.Empty(t, iv.Flex)

	iv, err = ParseInterval("5m;10s/1-5,09:00-18:00;0/6-7,00:00-24:00")
	require.NoError(t, err)
	require.Equal(t, int64(300), iv.Delay)
	require.Equal(t, []FlexPeriod{
		{Delay: 10, DayFrom: 1, DayTo: 5, From: 9 * 3600, To: 18 * 3600},
		{Delay: 0, DayFrom: 6, DayTo: 7, From: 0, To: 24 * 3600},
	}, iv.Flex)
	require.Equal(t, "300;10/1-5,09:00-18:00;0/6-7,00:00-24:00", iv.String())

	for _, s := range []string{"1h", "2d", "1d", "0;1m/3,00:00-01:00"} {
		_, err := ParseInterval(s)
		require.NoError(t, err, s)
	}
	for _, s := range []string{
		"", "abc", "-5", "2w", "0", "30s;junk", "30s;10s/0-5,09:00-18:00",
		"30s;10s/5-1,09:00-18:00", "30s;10s/1-5,18:00-09:00", "30s;10s/1-5,09:00",
		"30s;10s/1-5,25:00-26:00", "30s;10s/1-5,09:60-10:00", "30s;10s/1-5", "0;0/1-7,00:00-24:00",
	} {
		_, err := ParseInterval(s)
		require.ErrorIs(t, err, apierrors.ErrInvalidInterval, s)
	}
}

func TestNextCheck_Grid(t *testing.T) {
	iv := Interval{Delay: 30}
	now := time.Unix(1000, 0)
	offsets := make(map[int64]struct{})
	for id := uint64(1); id <= 1000; id++ {
		next := NextCheck(iv, Seed(id), now, time.UTC)
		require.Greater(t, next.Unix(), int64(1000))
		require.LessOrEqual(t, next.Unix(), int64(1030))
		require.Equal(t, int64(Seed(id)%30), next.Unix()%30)
		offsets[next.Unix()%30] = struct{}{}

		// any moment before the result yields the same check
		require.Equal(t, next, NextCheck(iv, Seed(id), next.Add(-time.Second), time.UTC))
		require.Equal(t, next.Add(30*time.Second), NextCheck(iv, Seed(id), next, time.UTC))
	}
	// items with equal delays are spread over the period
	require.Greater(t, len(offsets), 25)
}

func TestNextCheck_CatchUp(t *testing.T) {
	// after a long downtime the next check is one period away, not in the past
	iv := Interval{Delay: 60}
	seed := Seed(42)
	last := time.Unix(1_700_000_000, 0)
	next := NextCheck(iv, seed, last, time.UTC)
	now := next.Add(72 * time.Hour)
	again := NextCheck(iv, seed, now, time.UTC)
	require.True(t, again.After(now))
	require.LessOrEqual(t, again.Sub(now), time.Minute)
	require.Equal(t, next.Unix()%60, again.Unix()%60)
}

func TestNextCheck_Flexible(t *testing.T) {
	iv, err := ParseInterval("60s;10s/1-5,09:00-18:00")
	require.NoError(t, err)
	seed := Seed(7)

	inside := monday.Add(10 * time.Hour)
	next := NextCheck(iv, seed, inside, time.UTC)
	require.True(t, next.After(inside))
	require.LessOrEqual(t, next.Sub(inside), 10*time.Second)

	// the shorter delay takes over at the start of the window
	before := monday.Add(9*time.Hour - 5*time.Second)
	next = NextCheck(iv, seed, before, time.UTC)
	require.True(t, next.After(before))
	require.LessOrEqual(t, next.Sub(monday.Add(9*time.Hour)), 10*time.Second)

	// saturday falls back to the default delay
	saturday := monday.AddDate(0, 0, 5).Add(10 * time.Hour)
	next = NextCheck(iv, seed, saturday, time.UTC)
	require.LessOrEqual(t, next.Sub(saturday), time.Minute)
	require.Greater(t, next.Sub(saturday), time.Duration(0))

	// smallest active delay wins
	iv, err = ParseInterval("60s;20s/1-7,00:00-24:00;5s/1,00:00-24:00")
	require.NoError(t, err)
	next = NextCheck(iv, seed, inside, time.UTC)
	require.LessOrEqual(t, next.Sub(inside), 5*time.Second)
}

func TestNextCheck_OnlyFlexible(t *testing.T) {
	// no default delay: checks only happen on weekdays during working hours
	iv, err := ParseInterval("0;30s/1-5,09:00-18:00")
	require.NoError(t, err)
	saturday := monday.AddDate(0, 0, 5).Add(12 * time.Hour)
	next := NextCheck(iv, Seed(3), saturday, time.UTC)
	nextMonday := monday.AddDate(0, 0, 7).Add(9 * time.Hour)
	require.False(t, next.Before(nextMonday))
	require.Less(t, next.Sub(nextMonday), 30*time.Second)

	evening := monday.Add(18*time.Hour + time.Minute)
	next = NextCheck(iv, Seed(3), evening, time.UTC)
	require.False(t, next.Before(monday.Add(33*time.Hour)))
}

func TestNextCheck_Timezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	iv, err := ParseInterval("1h;10s/1-7,09:00-10:00")
	require.NoError(t, err)
	// 06:30 UTC is 09:30 local
	now := monday.Add(6*time.Hour + 30*time.Minute)
	require.LessOrEqual(t, NextCheck(iv, Seed(1), now, loc).Sub(now), 10*time.Second)
	require.Equal(t, int64(10), iv.currentDelay(now.In(loc)))
	require.Equal(t, int64(3600), iv.currentDelay(now.In(time.UTC)))
}

func TestSuppress(t *testing.T) {
	from, to := monday, monday.Add(time.Hour)
	next, ok := Suppress(monday.Add(time.Minute), from, to)
	require.True(t, ok)
	require.Equal(t, to, next)

	next, ok = Suppress(to, from, to)
	require.False(t, ok)
	require.Equal(t, to, next)

	_, ok = Suppress(monday, time.Time{}, time.Time{})
	require.False(t, ok)
	_, ok = Suppress(Never, from, to)
	require.False(t, ok)
}

func TestPollerFor(t *testing.T) {
	cases := []struct {
		typ     proto.ItemType
		key     string
		proxied bool
		want    proto.PollerType
	}{
		{proto.ItemTypeAgent, "agent.ping", false, proto.PollerNormal},
		{proto.ItemTypeSimple, "icmpping", false, proto.PollerPinger},
		{proto.ItemTypeSimple, "icmppingsec[,5]", false, proto.PollerPinger},
		{proto.ItemTypeSimple, "net.tcp.service[ssh]", false, proto.PollerNormal},
		{proto.ItemTypeIPMI, "ipmi.temp", false, proto.PollerIPMI},
		{proto.ItemTypeJMX, "jmx[x]", false, proto.PollerJavaGateway},
		{proto.ItemTypeHTTPAgent, "http.get", false, proto.PollerHTTPAgent},
		{proto.ItemTypeTrapper, "trap", false, proto.PollerNone},
		{proto.ItemTypeAgentActive, "log[x]", false, proto.PollerNone},
		{proto.ItemTypeDependent, "dep", false, proto.PollerNone},
		{proto.ItemTypeAgent, "agent.ping", true, proto.PollerNone},
		{proto.ItemTypeCalculated, "calc", true, proto.PollerNormal},
		{proto.ItemTypeInternal, "dbcache[items]", true, proto.PollerNormal},
	}
	for _, c := range cases {
		require.Equal(t, c.want, PollerFor(c.typ, c.key, c.proxied), c.key)
	}

	require.Equal(t, proto.PollerUnreachable, Quarantine(proto.PollerNormal))
	require.Equal(t, proto.PollerUnreachable, Quarantine(proto.PollerIPMI))
	require.Equal(t, proto.PollerPinger, Quarantine(proto.PollerPinger))
	require.Equal(t, proto.PollerNone, Quarantine(proto.PollerNone))
}

func TestLadder(t *testing.T) {
	l := Ladder{Base: 15 * time.Second, Cap: 300 * time.Second}
	require.Equal(t, time.Duration(0), l.Delay(0))
	prev := time.Duration(0)
	for n := uint32(1); n <= 5; n++ {
		d := l.Delay(n)
		require.Greater(t, d, prev)
		prev = d
	}
	require.Equal(t, 240*time.Second, l.Delay(5))
	require.Equal(t, 300*time.Second, l.Delay(6))
	require.Equal(t, 300*time.Second, l.Delay(1000))

	// no cap keeps doubling, saturating instead of overflowing
	l.Cap = 0
	require.Equal(t, 15*time.Second, l.Delay(1))
	require.Equal(t, 30*time.Second, l.Delay(2))
	require.Equal(t, 480*time.Second, l.Delay(6))
	require.Equal(t, time.Duration(math.MaxInt64), l.Delay(1000))
}

func TestScheduler_Plan(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	host := &proto.Host{ID: 1, Status: proto.HostMonitored}
	item := &proto.Item{ID: 10, HostID: 1, Key: "agent.ping", Type: proto.ItemTypeAgent, Delay: "30s"}
	now := time.Unix(1000, 0)

	d, err := s.Plan(item, host, now)
	require.NoError(t, err)
	require.True(t, d.Due())
	require.Equal(t, proto.PollerNormal, d.PollerType)
	require.Equal(t, proto.SchedQueued, d.State)
	require.True(t, d.NextCheck.After(now))
	require.LessOrEqual(t, d.NextCheck.Unix(), int64(1030))

	item.Delay = "bogus"
	d, err = s.Plan(item, host, now)
	require.ErrorIs(t, err, apierrors.ErrInvalidInterval)
	require.False(t, d.Due())
	require.Equal(t, proto.SchedInvalid, d.State)

	item.Delay = "30s"
	item.Status = proto.ItemStatusDisabled
	d, err = s.Plan(item, host, now)
	require.NoError(t, err)
	require.False(t, d.Due())
	require.Equal(t, proto.SchedDisabled, d.State)

	item.Status = proto.ItemStatusNotSupported
	d, err = s.Plan(item, host, now)
	require.NoError(t, err)
	require.Greater(t, d.NextCheck.Sub(now), time.Duration(0))
	require.LessOrEqual(t, d.NextCheck.Sub(now), 600*time.Second)
	require.Equal(t, int64(Seed(item.ID)%600), d.NextCheck.Unix()%600)

	item.Status = proto.ItemStatusActive
	host.MaintenanceFrom, host.MaintenanceTo = now, now.Add(time.Hour)
	d, err = s.Plan(item, host, now)
	require.NoError(t, err)
	require.Equal(t, proto.SchedSuppressed, d.State)
	require.Equal(t, host.MaintenanceTo, d.NextCheck)
}

func TestScheduler_Failures(t *testing.T) {
	s, err := New(Config{UnreachablePeriodS: 45})
	require.NoError(t, err)
	host := &proto.Host{ID: 1, Available: proto.Available}
	item := &proto.Item{ID: 10, HostID: 1, Key: "agent.ping", Type: proto.ItemTypeAgent, Delay: "30s"}
	now := time.Unix(10_000, 0)

	item.Failures = 1
	d := s.PlanFailure(item, host, now)
	require.Equal(t, proto.PollerUnreachable, d.PollerType)
	require.Equal(t, proto.SchedBackoff, d.State)
	require.Equal(t, now.Add(15*time.Second), d.NextCheck)

	host.Status = proto.HostNotMonitored
	d = s.PlanFailure(item, host, now)
	require.False(t, d.Due())
	require.Equal(t, proto.SchedDisabled, d.State)
	host.Status = proto.HostMonitored

	host.ProxyID = 5
	d = s.PlanFailure(item, host, now)
	require.False(t, d.Due())
	require.Equal(t, proto.SchedUnscheduled, d.State)
	host.ProxyID = 0

	require.True(t, s.HostFailed(host, now))
	require.Equal(t, proto.Unreachable, host.Available)
	require.False(t, s.HostFailed(host, now.Add(10*time.Second)))
	require.True(t, s.HostFailed(host, now.Add(45*time.Second)))
	require.Equal(t, proto.Unavailable, host.Available)
	require.False(t, s.HostFailed(host, now.Add(90*time.Second)))

	require.True(t, s.HostRecovered(host))
	require.Equal(t, proto.Available, host.Available)
	require.True(t, host.ErrorsFrom.IsZero())
	require.False(t, s.HostRecovered(host))

	_, err = New(Config{Timezone: "Nowhere/Atlantis"})
	require.Error(t, err)
}
