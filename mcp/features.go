// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"encoding/base64"
	"fmt"
	"slices"
	"sort"
)

// A featureSet is an ordered collection of named server features (tools,
// prompts, resources). Iteration order is by unique ID, so that list results
// and pagination are deterministic.
//
// It is not safe for concurrent use; callers hold the server mutex.
type featureSet[T any] struct {
	uniqueID func(T) string
	features map[string]T
	names    []string // sorted
}

func newFeatureSet[T any](uniqueID func(T) string) *featureSet[T] {
	return &featureSet[T]{
		uniqueID: uniqueID,
		features: make(map[string]T),
	}
}

// add adds each feature, replacing any existing feature with the same ID.
func (s *featureSet[T]) add(fs ...T) {
	for _, f := range fs {
		id := s.uniqueID(f)
		if _, ok := s.features[id]; !ok {
			i, _ := slices.BinarySearch(s.names, id)
			s.names = slices.Insert(s.names, i, id)
		}
		s.features[id] = f
	}
}

// remove removes the feature with the given ID, reporting whether it was
// present.
func (s *featureSet[T]) remove(id string) bool {
	if _, ok := s.features[id]; !ok {
		return false
	}
	delete(s.features, id)
	i, _ := slices.BinarySearch(s.names, id)
	s.names = slices.Delete(s.names, i, i+1)
	return true
}

func (s *featureSet[T]) get(id string) (T, bool) {
	f, ok := s.features[id]
	return f, ok
}

func (s *featureSet[T]) len() int { return len(s.features) }

// all returns the features in ID order.
func (s *featureSet[T]) all() []T {
	out := make([]T, 0, len(s.names))
	for _, id := range s.names {
		out = append(out, s.features[id])
	}
	return out
}

// page returns up to pageSize features after the cursor, and the cursor for
// the next page ("" when this is the last page). An empty cursor starts from
// the beginning. A pageSize of zero or less means no limit.
func (s *featureSet[T]) page(cursor string, pageSize int) ([]T, string, error) {
	start := 0
	if cursor != "" {
		after, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		// The feature the cursor names may have been removed; resume from the
		// first ID after it.
		start = sort.SearchStrings(s.names, after)
		if start < len(s.names) && s.names[start] == after {
			start++
		}
	}
	end := len(s.names)
	if pageSize > 0 && start+pageSize < end {
		end = start + pageSize
	}
	out := make([]T, 0, end-start)
	for _, id := range s.names[start:end] {
		out = append(out, s.features[id])
	}
	var next string
	if end < len(s.names) {
		next = encodeCursor(s.names[end-1])
	}
	return out, next, nil
}

// Cursors are opaque to clients; they encode the unique ID of the last
// feature on the page.

func encodeCursor(id string) string {
	return base64.URLEncoding.EncodeToString([]byte(id))
}

func decodeCursor(cursor string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("invalid cursor: %v", err)
	}
	return string(b), nil
}
