// Package card defines the canonical suit, rank and position vocabulary
// shared by every recognition backend.
package card

import "strings"

// Suit is a canonical card suit.
type Suit string

// Canonical suits. Unknown marks a value a backend could not resolve.
const (
	Spades      Suit = "spades"
	Hearts      Suit = "hearts"
	Diamonds    Suit = "diamonds"
	Clubs       Suit = "clubs"
	SuitUnknown Suit = ""
)

// Rank is a canonical card rank: A, 2-10, J, Q, K.
type Rank string

// RankUnknown marks a rank a backend could not resolve.
const RankUnknown Rank = ""

// Position slots on a table image: two groups of three.
const (
	Primary1   = "primary-1"
	Primary2   = "primary-2"
	Primary3   = "primary-3"
	Secondary1 = "secondary-1"
	Secondary2 = "secondary-2"
	Secondary3 = "secondary-3"
)

// Positions returns the six position labels in canonical order.
func Positions() []string {
	return []string{Primary1, Primary2, Primary3, Secondary1, Secondary2, Secondary3}
}

// ValidPosition reports whether label is one of the six canonical slots.
func ValidPosition(label string) bool {
	switch label {
	case Primary1, Primary2, Primary3, Secondary1, Secondary2, Secondary3:
		return true
	}
	return false
}

var suitAliases = map[string]Suit{
	"spades":   Spades,
	"hearts":   Hearts,
	"diamonds": Diamonds,
	"clubs":    Clubs,
	"s":        Spades,
	"h":        Hearts,
	"d":        Diamonds,
	"c":        Clubs,
}

var rankAliases = map[string]Rank{
	"a": "A", "2": "2", "3": "3", "4": "4", "5": "5",
	"6": "6", "7": "7", "8": "8", "9": "9", "10": "10",
	"j": "J", "q": "Q", "k": "K",
	// Some model vocabularies encode 10 as T.
	"t": "10",
}

// ParseSuit maps a backend suit label to its canonical value.
func ParseSuit(s string) Suit {
	if suit, ok := suitAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return suit
	}
	return SuitUnknown
}

// ParseRank maps a backend rank label to its canonical value.
func ParseRank(s string) Rank {
	if rank, ok := rankAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return rank
	}
	return RankUnknown
}

// ParseClassName splits a detector class name into suit and rank.
// Accepted formats: "spades_A", "hearts_10", "sA", "h10", "c_k".
func ParseClassName(class string) (Suit, Rank) {
	class = strings.ToLower(strings.TrimSpace(class))
	if class == "" {
		return SuitUnknown, RankUnknown
	}

	if i := strings.IndexByte(class, '_'); i > 0 {
		return ParseSuit(class[:i]), ParseRank(class[i+1:])
	}

	// Compact form: single-letter suit followed by the rank.
	return ParseSuit(class[:1]), ParseRank(class[1:])
}

// ClassNames returns the 52 detector class names in "suit_rank" form,
// matching the training vocabulary of the card detection model.
func ClassNames() []string {
	suits := []Suit{Spades, Hearts, Diamonds, Clubs}
	ranks := []Rank{"A", "2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K"}

	names := make([]string, 0, len(suits)*len(ranks))
	for _, s := range suits {
		for _, r := range ranks {
			names = append(names, string(s)+"_"+string(r))
		}
	}
	return names
}
