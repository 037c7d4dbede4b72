// Copyright 2025 The gVisor Authors.
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

package seqnum

import "testing"

func TestWraparound(t *testing.T) {
	const top = Value(0xfffffff0)
	if !top.LessThan(top.Add(0x20)) {
		t.Errorf("%d should be before %d after wraparound", top, top.Add(0x20))
	}
	if got := top.Size(top.Add(0x20)); got != 0x20 {
		t.Errorf("Size across wrap = %d, want 32", got)
	}
	if !Value(5).InWindow(top, 0x20) {
		t.Errorf("5 should be inside window starting at %#x", top)
	}
	if Value(0x10).InWindow(top, 0x20) {
		t.Errorf("0x10 should be outside window starting at %#x", top)
	}
}

func TestOverlap(t *testing.T) {
	for _, tc := range []struct {
		a    Value
		b    Size
		x    Value
		y    Size
		want bool
	}{
		{a: 0, b: 10, x: 5, y: 10, want: true},
		{a: 0, b: 10, x: 10, y: 10, want: false},
		{a: 10, b: 10, x: 0, y: 11, want: true},
		{a: 0, b: 0, x: 0, y: 10, want: false},
	} {
		if got := Overlap(tc.a, tc.b, tc.x, tc.y); got != tc.want {
			t.Errorf("Overlap(%d, %d, %d, %d) = %t, want %t", tc.a, tc.b, tc.x, tc.y, got, tc.want)
		}
	}
}
