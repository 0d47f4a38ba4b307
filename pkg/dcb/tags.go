package dcb

import (
	"sort"
	"strings"
)

// TagsToArray renders tags as the "key=value" strings used by the
// persistence schema's events.tags TEXT[] column, sorted for a stable
// on-disk representation.
func TagsToArray(tags []Tag) []string {
	if len(tags) == 0 {
		return []string{}
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.Key() + "=" + t.Value()
	}
	sort.Strings(out)
	return out
}

// ParseTagsArray reverses TagsToArray, tolerating malformed elements by
// skipping them rather than failing the whole read.
func ParseTagsArray(arr []string) []Tag {
	if len(arr) == 0 {
		return []Tag{}
	}
	tags := make([]Tag, 0, len(arr))
	for _, item := range arr {
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		tags = append(tags, NewTag(key, parts[1]))
	}
	return tags
}

// HasTag reports whether event carries a tag matching key/value exactly.
func HasTag(tags []Tag, key, value string) bool {
	for _, t := range tags {
		if t.Key() == key && t.Value() == value {
			return true
		}
	}
	return false
}

// TagValue returns the value of the first tag matching key, and whether it
// was found.
func TagValue(tags []Tag, key string) (string, bool) {
	for _, t := range tags {
		if t.Key() == key {
			return t.Value(), true
		}
	}
	return "", false
}
