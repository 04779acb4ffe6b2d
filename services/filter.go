package services

import (
	"strings"

	"apartment-watcher/models"
)

// Evaluate applies the acceptance rules to a listing. It is deterministic
// and does no I/O. Rules run in a fixed order and the first failing rule
// names the reject reason:
//
//  1. negative keyword over title+description → "keyword:<matched>"
//  2. rooms outside [min,max]                 → "rooms"
//  3. size outside [min,max]                  → "size"
//  4. price outside [min,max]                 → "price"
//  5. location outside the allowed set        → "location"
//
// Absent rooms/size/price pass their rule rather than reject. A zero bound
// is not applied. An empty allowed-location set matches any location.
// A keyword mention directly preceded by a negating word does not count
// ("no WBS required" passes, "WBS required" rejects).
func Evaluate(l *models.Listing, c models.FilterCriteria) models.Decision {
	haystack := strings.ToLower(l.Title + " " + l.Description)
	for _, kw := range c.NegativeKeywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if keywordMatches(haystack, k) {
			return models.Decision{Reason: "keyword:" + strings.TrimSpace(kw)}
		}
	}

	if l.Rooms != nil {
		r := *l.Rooms
		if (c.MinRooms > 0 && r < c.MinRooms) || (c.MaxRooms > 0 && r > c.MaxRooms) {
			return models.Decision{Reason: "rooms"}
		}
	}

	if l.Size != nil {
		s := *l.Size
		if (c.MinSize > 0 && s < c.MinSize) || (c.MaxSize > 0 && s > c.MaxSize) {
			return models.Decision{Reason: "size"}
		}
	}

	if l.Price != nil {
		p := *l.Price
		if (c.MinPrice > 0 && p < c.MinPrice) || (c.MaxPrice > 0 && p > c.MaxPrice) {
			return models.Decision{Reason: "price"}
		}
	}

	if len(c.Locations) > 0 {
		loc := strings.ToLower(l.Location)
		matched := false
		for _, allowed := range c.Locations {
			if strings.Contains(loc, strings.ToLower(allowed)) {
				matched = true
				break
			}
		}
		if !matched {
			return models.Decision{Reason: "location"}
		}
	}

	return models.Decision{Accepted: true}
}

// negators are words that flip a keyword mention into its opposite
// ("no WBS required" advertises the absence of a WBS requirement).
var negators = map[string]struct{}{
	"no": {}, "not": {}, "without": {},
	"kein": {}, "keine": {}, "keinen": {}, "keiner": {},
	"ohne": {}, "nicht": {},
}

// keywordMatches reports whether keyword occurs in the lower-cased haystack
// as a plain substring, ignoring occurrences whose immediately preceding
// word negates them.
func keywordMatches(haystack, keyword string) bool {
	for from := 0; ; {
		idx := strings.Index(haystack[from:], keyword)
		if idx < 0 {
			return false
		}
		idx += from
		if _, negated := negators[precedingWord(haystack, idx)]; !negated {
			return true
		}
		from = idx + len(keyword)
	}
}

// precedingWord returns the word directly before position idx, or "".
func precedingWord(s string, idx int) string {
	end := idx
	for end > 0 && !isWordByte(s[end-1]) {
		end--
	}
	start := end
	for start > 0 && isWordByte(s[start-1]) {
		start--
	}
	return s[start:end]
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
