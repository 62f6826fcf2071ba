// Package version implements gem-style segment versions, requirement sets
// and the range algebra used by the resolver.
//
// A version is an ordered sequence of segments, each either a non-negative
// integer or a lowercase alphanumeric string. Trailing zero segments are
// insignificant for comparison (4.0 == 4.0.0) and a string segment marks the
// version as a prerelease.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is a single dot-separated element of a version. Exactly one of
// Num/Str is meaningful depending on Numeric.
type Segment struct {
	Numeric bool
	Num     int64
	Str     string
}

// Version holds a parsed version. The original text is retained so that
// display output matches the index byte for byte.
type Version struct {
	text     string
	segments []Segment
}

// Parse parses a version string. Segments are separated by '.'; within a
// segment a digit/letter boundary starts a new segment, so "1.0rc1" parses
// as [1, 0, rc, 1]. Leading whitespace is tolerated, empty input is not.
func Parse(input string) (Version, error) {
	s := strings.TrimLeft(input, " \t")
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}

	segments := make([]Segment, 0, 4)
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return Version{}, fmt.Errorf("invalid version %q: empty segment", input)
		}

		// Split runs of digits from runs of letters.
		start := 0
		for i := 1; i <= len(part); i++ {
			if i < len(part) && isDigit(part[i]) == isDigit(part[i-1]) {
				continue
			}
			run := part[start:i]
			seg, err := parseRun(run)
			if err != nil {
				return Version{}, fmt.Errorf("invalid version %q: %w", input, err)
			}
			segments = append(segments, seg)
			start = i
		}
	}

	return Version{text: s, segments: segments}, nil
}

func parseRun(run string) (Segment, error) {
	if isDigit(run[0]) {
		n, err := strconv.ParseInt(run, 10, 64)
		if err != nil {
			return Segment{}, fmt.Errorf("numeric segment %q: %w", run, err)
		}
		return Segment{Numeric: true, Num: n}, nil
	}
	for i := 0; i < len(run); i++ {
		c := run[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return Segment{}, fmt.Errorf("segment %q: unexpected character %q", run, c)
		}
	}
	return Segment{Str: strings.ToLower(run)}, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// MustParse parses the version and panics if it cannot be parsed.
func MustParse(input string) Version {
	v, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the original parsed text.
func (v Version) String() string {
	if v.text == "" {
		return "0"
	}
	return v.text
}

// Segments exposes the parsed segment sequence.
func (v Version) Segments() []Segment { return v.segments }

// Prerelease reports whether the version contains any string segment.
func (v Version) Prerelease() bool {
	for _, s := range v.segments {
		if !s.Numeric {
			return true
		}
	}
	return false
}

// segmentAt pads reads past the end with numeric zero.
func segmentAt(segs []Segment, i int) Segment {
	if i < len(segs) {
		return segs[i]
	}
	return Segment{Numeric: true}
}

// Compare returns an integer comparing two versions segment by segment.
// The result will be 0 if a == b, -1 if a < b, and +1 if a > b.
//
// Missing segments compare as zero against numeric segments, so trailing
// zeros are insignificant. A string segment always sorts before a numeric
// segment at the same position, which makes 1.0.beta < 1.0.
func Compare(a, b Version) int {
	max := len(a.segments)
	if len(b.segments) > max {
		max = len(b.segments)
	}

	for i := 0; i < max; i++ {
		left, right := segmentAt(a.segments, i), segmentAt(b.segments, i)

		switch {
		case left.Numeric && right.Numeric:
			if left.Num != right.Num {
				if left.Num < right.Num {
					return -1
				}
				return 1
			}
		case left.Numeric:
			return 1
		case right.Numeric:
			return -1
		default:
			if left.Str != right.Str {
				if left.Str < right.Str {
					return -1
				}
				return 1
			}
		}
	}

	return 0
}

// Equal reports whether the two versions compare as equivalent.
func (v Version) Equal(other Version) bool { return Compare(v, other) == 0 }

// GreaterThan reports whether v sorts after other.
func (v Version) GreaterThan(other Version) bool { return Compare(v, other) > 0 }

// LessThan reports whether v sorts before other.
func (v Version) LessThan(other Version) bool { return Compare(v, other) < 0 }

// bump returns the version obtained by incrementing the segment at index
// pivot and discarding everything after it. Used by the pessimistic
// operator expansion.
func (v Version) bump(pivot int) (Version, error) {
	if pivot < 0 {
		pivot = 0
	}
	if pivot >= len(v.segments) || !v.segments[pivot].Numeric {
		return Version{}, fmt.Errorf("cannot bump non-numeric segment of %s", v)
	}

	segs := make([]Segment, pivot+1)
	copy(segs, v.segments[:pivot+1])
	segs[pivot].Num++

	parts := make([]string, len(segs))
	for i, s := range segs {
		if s.Numeric {
			parts[i] = strconv.FormatInt(s.Num, 10)
		} else {
			parts[i] = s.Str
		}
	}
	return Version{text: strings.Join(parts, "."), segments: segs}, nil
}
