// Package alert groups new violations by owner and turns them into a
// single Slack message per rule.
package alert

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
)

// OwnerKind tells how an owner's identity was derived.
type OwnerKind int

const (
	// OwnerExtracted means the identity came from a parenthesized part,
	// as in "Jane Doe (jane@x.com)".
	OwnerExtracted OwnerKind = iota
	// OwnerRaw means no parenthesized part was found and the raw string
	// is the identity.
	OwnerRaw
)

func (k OwnerKind) String() string {
	if k == OwnerExtracted {
		return "extracted"
	}
	return "raw"
}

// Owner is a parsed owner string.
type Owner struct {
	Raw      string
	Identity string
	Kind     OwnerKind
}

var parenthesized = regexp.MustCompile(`\(([^)]+)\)`)

// ParseOwner extracts the first parenthesized substring of raw as the
// identity, falling back to the trimmed raw string. It never fails.
func ParseOwner(raw string) Owner {
	if m := parenthesized.FindStringSubmatch(raw); m != nil {
		if id := strings.TrimSpace(m[1]); id != "" {
			return Owner{Raw: raw, Identity: id, Kind: OwnerExtracted}
		}
	}
	return Owner{Raw: raw, Identity: strings.TrimSpace(raw), Kind: OwnerRaw}
}

// OwnerGroup is the violations of one owner, in input order.
type OwnerGroup struct {
	Owner Owner
	Rows  []domain.ViolationRow
}

// GroupByOwner groups rows by the trimmed value of ownerField. Groups are
// ordered by that value.
func GroupByOwner(rows []domain.ViolationRow, ownerField string) []OwnerGroup {
	idx := map[string]int{}
	var groups []OwnerGroup
	for _, r := range rows {
		raw := strings.TrimSpace(r.Value(ownerField))
		i, ok := idx[raw]
		if !ok {
			i = len(groups)
			idx[raw] = i
			groups = append(groups, OwnerGroup{Owner: ParseOwner(raw)})
		}
		groups[i].Rows = append(groups[i].Rows, r)
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a].Owner.Raw < groups[b].Owner.Raw })
	return groups
}
