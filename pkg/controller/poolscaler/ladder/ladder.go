/*
Copyright 2025 The Aibrix Team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ladder implements the discrete capacity levels a pool may be set to.
package ladder

import (
	"fmt"
)

// Ladder is an ordered list of capacity levels with index-aligned per-unit maximums.
// A Ladder is immutable after construction.
type Ladder struct {
	levels     []float64
	perUnitMax []float64
}

// New validates and builds a Ladder. Levels must be strictly ascending and
// perUnitMax must be the same length.
func New(levels, perUnitMax []float64) (*Ladder, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("capacity ladder must not be empty")
	}
	if len(levels) != len(perUnitMax) {
		return nil, fmt.Errorf("capacity ladder has %d levels but %d per-unit maximums", len(levels), len(perUnitMax))
	}
	for i := 1; i < len(levels); i++ {
		if levels[i] <= levels[i-1] {
			return nil, fmt.Errorf("capacity ladder must be strictly ascending: %v at index %d follows %v", levels[i], i, levels[i-1])
		}
	}
	l := &Ladder{
		levels:     make([]float64, len(levels)),
		perUnitMax: make([]float64, len(perUnitMax)),
	}
	copy(l.levels, levels)
	copy(l.perUnitMax, perUnitMax)
	return l, nil
}

// Len returns the number of levels.
func (l *Ladder) Len() int {
	return len(l.levels)
}

// Levels returns a copy of the capacity levels.
func (l *Ladder) Levels() []float64 {
	out := make([]float64, len(l.levels))
	copy(out, l.levels)
	return out
}

// IndexOf returns the position of an exact match.
func (l *Ladder) IndexOf(level float64) (int, bool) {
	for i, v := range l.levels {
		if v == level {
			return i, true
		}
	}
	return -1, false
}

// Contains reports whether level is a ladder member.
func (l *Ladder) Contains(level float64) bool {
	_, ok := l.IndexOf(level)
	return ok
}

// NextHigher returns the level after index i, or the top level when i is the last.
func (l *Ladder) NextHigher(i int) float64 {
	if i+1 >= len(l.levels) {
		return l.levels[len(l.levels)-1]
	}
	if i < 0 {
		return l.levels[0]
	}
	return l.levels[i+1]
}

// NextLower returns the level before index i, or the bottom level when i is the first.
func (l *Ladder) NextLower(i int) float64 {
	if i <= 0 {
		return l.levels[0]
	}
	if i > len(l.levels) {
		return l.levels[len(l.levels)-1]
	}
	return l.levels[i-1]
}

// PerUnitMaxAt returns the per-unit maximum aligned with level.
func (l *Ladder) PerUnitMaxAt(level float64) (float64, bool) {
	i, ok := l.IndexOf(level)
	if !ok {
		return 0, false
	}
	return l.perUnitMax[i], true
}
