package ui

import (
	"sort"
	"strings"
)

const (
	// DefaultMaxDistance is the largest edit distance still suggested
	DefaultMaxDistance = 3
	// DefaultMaxSuggestions caps the number of suggestions
	DefaultMaxSuggestions = 3
)

// FuzzyMatchOptions configures fuzzy matching
type FuzzyMatchOptions struct {
	MaxDistance    int  // default: 3
	MaxSuggestions int  // default: 3
	CaseSensitive  bool // default: false
}

type match struct {
	value    string
	distance int
}

// FindSimilar returns the candidates closest to target, nearest first.
// Ties keep candidate order.
//
//	FindSimilar("quickstrat", []string{"quickstart", "cifar10"}, nil)
//	// ["quickstart"]
func FindSimilar(target string, candidates []string, opts *FuzzyMatchOptions) []string {
	o := FuzzyMatchOptions{}
	if opts != nil {
		o = *opts
	}
	if o.MaxDistance == 0 {
		o.MaxDistance = DefaultMaxDistance
	}
	if o.MaxSuggestions == 0 {
		o.MaxSuggestions = DefaultMaxSuggestions
	}

	norm := func(s string) string {
		if o.CaseSensitive {
			return s
		}
		return strings.ToLower(s)
	}

	t := norm(target)
	var matches []match
	for _, c := range candidates {
		if d := LevenshteinDistance(t, norm(c)); d <= o.MaxDistance {
			matches = append(matches, match{value: c, distance: d})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].distance < matches[j].distance
	})

	out := make([]string, 0, o.MaxSuggestions)
	for i := 0; i < len(matches) && i < o.MaxSuggestions; i++ {
		out = append(out, matches[i].value)
	}
	return out
}

// SuggestFields is FindSimilar for dotted field paths: a candidate also
// matches when its last segment is close to the last segment of target,
// so "ground_truth.detection" finds "ground_truth.detections".
func SuggestFields(target string, paths []string) []string {
	found := FindSimilar(target, paths, nil)
	if len(found) > 0 {
		return found
	}

	leaf := target[strings.LastIndex(target, ".")+1:]
	var out []string
	for _, p := range paths {
		if LevenshteinDistance(strings.ToLower(leaf), strings.ToLower(p[strings.LastIndex(p, ".")+1:])) <= 1 {
			out = append(out, p)
			if len(out) == DefaultMaxSuggestions {
				break
			}
		}
	}
	return out
}

// LevenshteinDistance is the minimum number of single-byte insertions,
// deletions and substitutions turning s1 into s2
func LevenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	prev := make([]int, len(s2)+1)
	cur := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(s1); i++ {
		cur[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			cur[j] = minOf(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(s2)]
}

func minOf(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// FindBestMatch returns the closest candidate, or "" when none is close
func FindBestMatch(target string, candidates []string, opts *FuzzyMatchOptions) string {
	if m := FindSimilar(target, candidates, opts); len(m) > 0 {
		return m[0]
	}
	return ""
}
