package catalog

import "strings"

// Keyword tables map free-text vendor labels onto the store vocabulary.
// Matching is case-insensitive substring, first match wins, so the
// order of entries is part of the contract with already-synced data.
// Do not reorder.

type keywordRule struct {
	keyword string
	name    string
}

var platformRules = []keywordRule{
	{"steam", "Steam"},
	{"epic", "Epic Games"},
	{"gog", "GOG"},
	{"origin", "EA App"},
	{"ea app", "EA App"},
	{"uplay", "Ubisoft Connect"},
	{"ubisoft", "Ubisoft Connect"},
	{"battle.net", "Battle.net"},
	{"battlenet", "Battle.net"},
	{"rockstar", "Rockstar"},
	{"xbox", "Xbox"},
	{"playstation", "PlayStation"},
	{"psn", "PlayStation"},
	{"ps4", "PlayStation"},
	{"ps5", "PlayStation"},
	{"nintendo", "Nintendo"},
	{"switch", "Nintendo"},
	{"microsoft", "Microsoft Store"},
	{"windows", "Microsoft Store"},
}

// DefaultPlatform is used when no keyword matches and the raw value is
// empty.
const DefaultPlatform = "PC"

var genreRules = []keywordRule{
	{"rpg", "RPG"},
	{"role-playing", "RPG"},
	{"role playing", "RPG"},
	{"shooter", "Shooter"},
	{"fps", "Shooter"},
	{"strategy", "Strategy"},
	{"rts", "Strategy"},
	{"simulat", "Simulation"},
	{"sport", "Sports"},
	{"racing", "Racing"},
	{"adventure", "Adventure"},
	{"puzzle", "Puzzle"},
	{"horror", "Horror"},
	{"survival", "Survival"},
	{"platform", "Platformer"},
	{"fighting", "Fighting"},
	{"mmo", "MMO"},
	{"indie", "Indie"},
	{"casual", "Casual"},
	{"action", "Action"},
}

// DefaultGenre is used when no keyword matches and the raw value is
// empty.
const DefaultGenre = "Action"

// NormalizePlatform maps a free-text vendor platform string to the
// closed store vocabulary.
func NormalizePlatform(raw string) string {
	return normalize(raw, platformRules, DefaultPlatform)
}

// NormalizeGenre maps a free-text vendor genre string to the closed
// store vocabulary.
func NormalizeGenre(raw string) string {
	return normalize(raw, genreRules, DefaultGenre)
}

func normalize(raw string, rules []keywordRule, fallback string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}

	lower := strings.ToLower(trimmed)
	for _, rule := range rules {
		if strings.Contains(lower, rule.keyword) {
			return rule.name
		}
	}

	return capitalizeWords(trimmed)
}

func capitalizeWords(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
