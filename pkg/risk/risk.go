// Package risk scores proposed change text by the blast radius of the
// operations it mentions. The score is a deterministic weighted sum over
// case-insensitive pattern matches: destructive schema operations weigh
// far more than row-level writes, and a change that scopes itself to a
// single identified row earns a small reduction.
//
// Known weakness, kept on purpose: the single-row reduction is a textual
// heuristic and can be defeated by an always-true predicate. It exists
// to rank honest proposals, not to resist adversarial ones.
package risk

import (
	"regexp"
	"strings"
)

type pattern struct {
	re     *regexp.Regexp
	points int
}

var patterns = []pattern{
	{regexp.MustCompile(`\bdrop\b`), 80},
	{regexp.MustCompile(`\btruncate\b`), 70},
	{regexp.MustCompile(`\balter\b`), 40},
	{regexp.MustCompile(`\bcreate\b`), 30},
	{regexp.MustCompile(`\bdelete\b`), 25},
	{regexp.MustCompile(`\bupdate\b`), 20},
	{regexp.MustCompile(`\binsert\b`), 10},
	{regexp.MustCompile(`\brestart\b`), 15},
	{regexp.MustCompile(`\bdeploy\b`), 15},
	{regexp.MustCompile(`\bdatabase\b`), 10},
	{regexp.MustCompile(`\bwebhook\b`), 5},
}

// singleRow matches a change that pins itself to one identified row,
// which shrinks the blast radius.
var singleRow = regexp.MustCompile(`\bwhere\s+id\s*=\s*'?\d+'?`)

// Score computes the risk score for a proposed change. It is pure:
// identical input always yields an identical score, and the score is
// clamped to zero or above. Text matching no pattern scores 0.
func Score(changeText string) int {
	t := strings.ToLower(changeText)

	score := 0
	for _, p := range patterns {
		if p.re.MatchString(t) {
			score += p.points
		}
	}

	if singleRow.MatchString(t) {
		score -= 10
	}

	if score < 0 {
		return 0
	}
	return score
}
