package main

import (
	"strconv"
	"strings"
)

// acceptEntry is one parsed element of an Accept header.
type acceptEntry struct {
	typ, subtype string
	q            float64
	params       int // count of non-q parameters; not used in ranking
}

func (e acceptEntry) matches(candidate string) bool {
	ct, cs, _ := strings.Cut(candidate, "/")
	if e.typ != "*" && e.typ != ct {
		return false
	}
	if e.subtype != "*" && e.subtype != cs {
		return false
	}
	return true
}

// specificity ranks a matching entry so an exact match outranks a
// subtype wildcard, which outranks a full wildcard.
func (e acceptEntry) specificity() int {
	switch {
	case e.typ != "*" && e.subtype != "*":
		return 2
	case e.typ != "*":
		return 1
	default:
		return 0
	}
}

func parseAccept(header string) []acceptEntry {
	if header == "" {
		return nil
	}
	var entries []acceptEntry
	for _, field := range strings.Split(header, ",") {
		parts := strings.Split(field, ";")
		mediaType := strings.TrimSpace(parts[0])
		if mediaType == "" {
			continue
		}
		typ, subtype, ok := strings.Cut(mediaType, "/")
		if !ok {
			continue
		}
		entry := acceptEntry{typ: typ, subtype: subtype, q: 1.0}
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			if name, value, ok := strings.Cut(p, "="); ok {
				if strings.EqualFold(strings.TrimSpace(name), "q") {
					if q, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
						entry.q = q
						continue
					}
				}
				entry.params++
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// bestMatch implements RFC 7231 §5.3.2 server-driven negotiation. Each
// candidate's effective (specificity, q) comes from the single most
// specific Accept entry that matches it — an explicit entry always
// overrides an overlapping wildcard for that candidate, even one with
// a lower q, exactly as "text/plain;q=0.9" overrides "*/*" for the
// text/plain candidate. Candidates are then ranked by
// (specificity desc, q desc), with ties broken by caller-supplied
// preference order. An empty or missing Accept header accepts the
// fallback. Returns "" if no candidate has a matching entry with q>0.
func bestMatch(header string, candidates []string, fallback string) string {
	entries := parseAccept(header)
	if len(entries) == 0 {
		return fallback
	}

	var (
		winner            string
		found             bool
		winnerSpecificity int
		winnerQ           float64
	)
	for _, c := range candidates {
		specificity, q, ok := mostSpecificMatch(entries, c)
		if !ok || q == 0 {
			continue
		}
		if !found || specificity > winnerSpecificity || (specificity == winnerSpecificity && q > winnerQ) {
			winner, found, winnerSpecificity, winnerQ = c, true, specificity, q
		}
	}
	if !found {
		return ""
	}
	return winner
}

// mostSpecificMatch finds the highest-specificity Accept entry that
// matches candidate and returns its specificity and q. ok is false if
// no entry matches at all.
func mostSpecificMatch(entries []acceptEntry, candidate string) (specificity int, q float64, ok bool) {
	best := -1
	for _, e := range entries {
		if !e.matches(candidate) {
			continue
		}
		if s := e.specificity(); !ok || s > best {
			best, q, ok = s, e.q, true
		}
	}
	return best, q, ok
}
