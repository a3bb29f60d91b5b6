package scraper

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ranktracker/internal/constants"
	"ranktracker/internal/domain"
)

// Selector cascades, ordered by how reliably they have matched the upstream
// layout historically. The first row selector that yields at least one element
// wins; the heuristic text scan only runs when none of them match at all.
// Upstream markup drifts without notice, so the goal is to degrade to fewer
// but real entries instead of failing on every cosmetic change.
var rowSelectors = []string{
	".leaderboard_row",
	"[class*=leaderboard]",
	".player-row",
	"[class*=player]",
}

var nameSelectors = []string{
	".player-name",
	".name",
	"td:nth-child(2)",
}

var rankSelectors = []string{
	".rank",
	".position",
	"td:nth-child(1)",
}

var (
	teamTagRegex = regexp.MustCompile(`\[([^\[\]]+)\]`)
	digitsRegex  = regexp.MustCompile(`\d+`)
)

// headerWords are navigation/header lines the plain-text fallback must skip.
var headerWords = map[string]bool{
	"rank": true, "name": true, "player": true, "team": true,
	"country": true, "rating": true, "leaderboard": true, "region": true,
	"points": true, "wins": true, "losses": true,
}

// Extract parses raw leaderboard markup into an ordered entry list. Pure
// function: markup in, ranked list out, possibly empty. Duplicate names are
// not deduplicated here; downstream consumers tolerate them.
func Extract(region domain.Region, markup []byte) []domain.LeaderboardEntry {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil
	}

	entries := extractStructured(region, doc)
	if len(entries) == 0 {
		entries = extractHeuristic(region, doc)
	}

	if len(entries) > constants.MaxSnapshotEntries {
		entries = entries[:constants.MaxSnapshotEntries]
	}
	return entries
}

func extractStructured(region domain.Region, doc *goquery.Document) []domain.LeaderboardEntry {
	var rows *goquery.Selection
	for _, sel := range rowSelectors {
		if s := doc.Find(sel); s.Length() > 0 {
			rows = s
			break
		}
	}
	if rows == nil {
		return nil
	}

	var entries []domain.LeaderboardEntry
	rows.Each(func(i int, row *goquery.Selection) {
		name := extractName(row)
		if name == "" {
			return
		}
		name, tag := splitTeamTag(name)
		if name == "" {
			return
		}
		entries = append(entries, domain.LeaderboardEntry{
			Region:      region,
			Rank:        extractRank(row, len(entries)+1),
			DisplayName: name,
			TeamTag:     tag,
		})
	})
	return entries
}

func extractName(row *goquery.Selection) string {
	for _, sel := range nameSelectors {
		if s := row.Find(sel); s.Length() > 0 {
			if name := strings.TrimSpace(s.First().Text()); name != "" {
				return name
			}
		}
	}
	// last resort: the row's own text, useful for single-cell layouts
	text := strings.TrimSpace(row.Text())
	if len(text) > 0 && len(text) <= 80 {
		return text
	}
	return ""
}

func extractRank(row *goquery.Selection, position int) int {
	for _, sel := range rankSelectors {
		if s := row.Find(sel); s.Length() > 0 {
			if digits := digitsRegex.FindString(s.First().Text()); digits != "" {
				if rank, err := strconv.Atoi(digits); err == nil && rank > 0 {
					return rank
				}
			}
		}
	}
	return position
}

// splitTeamTag pulls a bracketed team tag out of a display name, returning the
// cleaned name and the tag separately.
func splitTeamTag(name string) (string, string) {
	m := teamTagRegex.FindStringSubmatch(name)
	if m == nil {
		return name, ""
	}
	cleaned := strings.TrimSpace(teamTagRegex.ReplaceAllString(name, " "))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return cleaned, m[1]
}

// extractHeuristic scans visible text lines when no structural selector
// matched, treating surviving lines as a positional ranking. Capped hard to
// bound false positives.
func extractHeuristic(region domain.Region, doc *goquery.Document) []domain.LeaderboardEntry {
	doc.Find("script, style, noscript").Remove()
	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}

	var entries []domain.LeaderboardEntry
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !plausibleNameLine(line) {
			continue
		}
		name, tag := splitTeamTag(line)
		if name == "" {
			continue
		}
		entries = append(entries, domain.LeaderboardEntry{
			Region:      region,
			Rank:        len(entries) + 1,
			DisplayName: name,
			TeamTag:     tag,
		})
		if len(entries) >= constants.MaxHeuristicEntries {
			break
		}
	}
	return entries
}

func plausibleNameLine(line string) bool {
	if len(line) < 2 || len(line) > 50 {
		return false
	}
	if headerWords[strings.ToLower(line)] {
		return false
	}
	hasAlnum := false
	allDigits := true
	for _, r := range line {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			hasAlnum = true
		}
		if r < '0' || r > '9' {
			allDigits = false
		}
	}
	return hasAlnum && !allDigits
}
