package entry

import "time"

const (
	// ticksPerSecond is the number of 100ns ticks in one second.
	ticksPerSecond = 10_000_000

	// unixEpochTicks is 1970-01-01T00:00:00Z expressed in ticks since 0001-01-01T00:00:00Z.
	unixEpochTicks int64 = 621_355_968_000_000_000

	// kindMask clears the two high bits some encoders use to tag the time zone kind.
	kindMask int64 = 0x3FFF_FFFF_FFFF_FFFF
)

// MinTime and MaxTime bound the update times an entry can carry.
var (
	MinTime = FromTicks(0)
	MaxTime = FromTicks(kindMask)
)

// ToTicks converts t to the number of 100ns intervals since 0001-01-01 UTC.
func ToTicks(t time.Time) int64 {
	t = t.UTC()
	return unixEpochTicks + t.Unix()*ticksPerSecond + int64(t.Nanosecond()/100)
}

// FromTicks converts a tick count back to a UTC time.
func FromTicks(ticks int64) time.Time {
	ticks &= kindMask
	rel := ticks - unixEpochTicks

	sec := rel / ticksPerSecond
	rem := rel % ticksPerSecond
	if rem < 0 {
		sec--
		rem += ticksPerSecond
	}
	return time.Unix(sec, rem*100).UTC()
}
