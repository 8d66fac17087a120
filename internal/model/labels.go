package model

import (
	"sort"
	"strings"
)

// Location labels. A message carries at most one of these at a time.
const (
	LabelInbox   = "inbox"
	LabelSent    = "sent"
	LabelDrafts  = "drafts"
	LabelArchive = "archive"
	LabelTrash   = "trash"
)

// labelSeparator is used for the on-disk encoding of a label set.
const labelSeparator = ","

// LocationLabels lists the mutually exclusive folder labels.
var LocationLabels = []string{
	LabelInbox, LabelSent, LabelDrafts, LabelArchive, LabelTrash,
}

// IsLocation reports whether label is one of the folder labels.
func IsLocation(label string) bool {
	for _, l := range LocationLabels {
		if l == label {
			return true
		}
	}
	return false
}

// Labels is an unordered label set. The zero value is an empty set.
type Labels []string

// NewLabels builds a set from the given labels, dropping blanks and
// duplicates.
func NewLabels(labels ...string) Labels {
	var out Labels
	for _, l := range labels {
		out = out.Add(l)
	}
	return out
}

// ParseLabels decodes the delimited storage form.
func ParseLabels(s string) Labels {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return NewLabels(strings.Split(s, labelSeparator)...)
}

// String encodes the set in a stable (sorted) delimited form.
func (l Labels) String() string {
	sorted := append([]string(nil), l...)
	sort.Strings(sorted)
	return strings.Join(sorted, labelSeparator)
}

// Has reports whether label is in the set.
func (l Labels) Has(label string) bool {
	label = normalizeLabel(label)
	for _, x := range l {
		if x == label {
			return true
		}
	}
	return false
}

// Add returns the set with label added if absent.
func (l Labels) Add(label string) Labels {
	label = normalizeLabel(label)
	if label == "" || l.Has(label) {
		return l
	}
	return append(l, label)
}

// Remove returns the set without the given labels.
func (l Labels) Remove(labels ...string) Labels {
	out := make(Labels, 0, len(l))
	for _, x := range l {
		drop := false
		for _, r := range labels {
			if x == normalizeLabel(r) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, x)
		}
	}
	return out
}

// Location returns the folder label of the set, or "" if none.
func (l Labels) Location() string {
	for _, x := range l {
		if IsLocation(x) {
			return x
		}
	}
	return ""
}

// Locations returns every folder label in the set. A well-formed set
// has at most one.
func (l Labels) Locations() []string {
	var out []string
	for _, x := range l {
		if IsLocation(x) {
			out = append(out, x)
		}
	}
	return out
}

// Clone returns an independent copy.
func (l Labels) Clone() Labels {
	if l == nil {
		return nil
	}
	return append(Labels(nil), l...)
}

// Equal reports set equality, ignoring order.
func (l Labels) Equal(other Labels) bool {
	return l.String() == other.String()
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
