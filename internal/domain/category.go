package domain

import (
	"sort"
	"strings"
	"unicode"
)

// CategoryOther is used when no keyword matches.
const CategoryOther = "other"

// categoryKeywords clasifica mercados por palabras clave de la pregunta.
// Las entradas con espacio se buscan como frase, el resto como palabra completa.
var categoryKeywords = map[string][]string{
	"sports": {
		"nba", "nfl", "mlb", "nhl", "soccer", "football", "basketball", "baseball",
		"hockey", "tennis", "golf", "ufc", "boxing", "mma", "championship", "playoffs",
		"finals", "super bowl", "world series", "match", "vs", "lakers", "celtics",
		"warriors", "chiefs", "eagles", "cowboys", "patriots", "premier league",
	},
	"politics": {
		"election", "president", "congress", "senate", "governor", "vote", "democrat",
		"republican", "biden", "trump", "legislation", "campaign", "poll", "ballot",
		"primary", "electoral", "candidate", "impeach", "veto", "supreme court",
		"cabinet", "tariff",
	},
	"crypto": {
		"bitcoin", "btc", "ethereum", "eth", "crypto", "cryptocurrency", "blockchain",
		"defi", "nft", "token", "altcoin", "solana", "dogecoin", "xrp", "binance", "coinbase",
	},
	"entertainment": {
		"movie", "film", "oscar", "emmy", "grammy", "album", "celebrity", "netflix",
		"box office", "concert", "actor", "actress", "singer", "youtube", "tiktok",
	},
	"finance": {
		"stock", "nasdaq", "s&p", "dow", "fed", "interest rate", "inflation", "gdp",
		"recession", "earnings", "ipo", "merger", "acquisition",
	},
	"technology": {
		"ai", "openai", "chatgpt", "google", "apple", "microsoft", "meta", "amazon",
		"tesla", "nvidia", "semiconductor", "robot", "software",
	},
	"world_events": {
		"war", "military", "nato", "united nations", "russia", "ukraine", "china",
		"iran", "israel", "ceasefire", "climate", "earthquake", "hurricane", "pandemic",
	},
}

// Categories returns the known category names sorted, "other" last.
func Categories() []string {
	cats := make([]string, 0, len(categoryKeywords)+1)
	for c := range categoryKeywords {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return append(cats, CategoryOther)
}

// DetectCategory returns the category with most keyword hits in question.
// Ties resolve alphabetically so the result is stable.
func DetectCategory(question string) string {
	text := strings.ToLower(question)
	if text == "" {
		return CategoryOther
	}
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
	}) {
		words[w] = true
	}

	best, bestHits := CategoryOther, 0
	for _, cat := range Categories() {
		hits := 0
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(kw, " ") {
				if strings.Contains(text, kw) {
					hits++
				}
			} else if words[kw] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = cat, hits
		}
	}
	return best
}
