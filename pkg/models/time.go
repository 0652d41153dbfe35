// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

import (
	"fmt"
	"time"
)

// Time is the timestamp carried on the wire by goal ids, cancel requests and
// message headers. The zero value means "no stamp".
type Time struct {
	Sec  int64 `json:"sec"  yaml:"sec"`
	Nsec int64 `json:"nsec" yaml:"nsec"`
}

// NewTime converts a time.Time into a wire timestamp.
func NewTime(t time.Time) Time {
	if t.IsZero() {
		return Time{}
	}

	return Time{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Std converts the stamp back into a time.Time. A zero stamp yields the zero time.Time.
func (t Time) Std() time.Time {
	if t.IsZero() {
		return time.Time{}
	}

	return time.Unix(t.Sec, t.Nsec)
}

// IsZero reports whether the stamp is unset.
func (t Time) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

// Compare returns -1, 0 or +1 depending on whether t is before, equal to or after u.
func (t Time) Compare(u Time) int {
	switch {
	case t.Sec < u.Sec:
		return -1
	case t.Sec > u.Sec:
		return 1
	case t.Nsec < u.Nsec:
		return -1
	case t.Nsec > u.Nsec:
		return 1
	default:
		return 0
	}
}

func (t Time) Before(u Time) bool { return t.Compare(u) < 0 }

func (t Time) After(u Time) bool { return t.Compare(u) > 0 }

func (t Time) Equal(u Time) bool { return t.Compare(u) == 0 }

// Add returns the stamp shifted by d.
func (t Time) Add(d time.Duration) Time {
	return NewTime(t.Std().Add(d))
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec)
}
