//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package event

import "strings"

// AppendTagString appends a tag to an existing tag string using TagDelimiter.
// It avoids duplicates and preserves any existing business tags.
func AppendTagString(existing, tag string) string {
	if tag == "" {
		return existing
	}
	if existing == "" {
		return tag
	}
	// Tags are treated case-sensitively to keep semantics simple.
	if ContainsTagString(existing, tag) {
		return existing
	}
	return existing + TagDelimiter + tag
}

// AddTag appends a tag to the given Event.Tag field without overwriting
// existing tags and avoiding duplicates.
func AddTag(e *Event, tag string) {
	if e == nil {
		return
	}
	e.Tag = AppendTagString(e.Tag, tag)
}

// ContainsTagString reports whether the delimited tag string contains the given tag.
// It performs an exact match on segments split by TagDelimiter.
func ContainsTagString(existing, tag string) bool {
	if existing == "" || tag == "" {
		return false
	}
	parts := strings.Split(existing, TagDelimiter)
	for _, p := range parts {
		if p == tag {
			return true
		}
	}
	return false
}

// HasTag reports whether the event currently contains the provided tag.
// It returns false for nil events or empty tag input.
func (e *Event) HasTag(tag string) bool {
	if e == nil || tag == "" {
		return false
	}
	return ContainsTagString(e.Tag, tag)
}
