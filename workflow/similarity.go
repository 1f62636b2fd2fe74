package workflow

import (
	"sort"
	"strings"
	"unicode"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// identitySimilarity averages name, phone and email similarity over the fields both records carry.
// ok is false when the records share no identity field.
func identitySimilarity(a, g models.LedgerRecord, region string) (score float64, ok bool) {
	var total float64
	n := 0
	if x, y, both := presentPair(a.PayerName, g.PayerName); both {
		total += nameSimilarity(x, y)
		n++
	}
	if x, y, both := presentPair(a.PayerPhone, g.PayerPhone); both {
		total += phoneSimilarity(x, y, region)
		n++
	}
	// malformed addresses are treated as missing
	if x, y, both := presentPair(a.PayerEmail, g.PayerEmail); both && utils.IsValidEmail(x) && utils.IsValidEmail(y) {
		total += emailSimilarity(x, y)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return total / float64(n), true
}

func presentPair(a, b *string) (string, string, bool) {
	if a == nil || b == nil {
		return "", "", false
	}
	x, y := strings.TrimSpace(*a), strings.TrimSpace(*b)
	return x, y, x != "" && y != ""
}

// nameSimilarity takes the better of token overlap and edit ratio, so reordered names still score high.
func nameSimilarity(a, b string) float64 {
	ta, tb := nameTokens(a), nameTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	overlap := tokenOverlap(ta, tb)
	ratio := editRatio(strings.Join(ta, " "), strings.Join(tb, " "))
	if overlap > ratio {
		return overlap
	}
	return ratio
}

func phoneSimilarity(a, b, region string) float64 {
	na, nb := utils.NormalizePhoneNumber(a, region), utils.NormalizePhoneNumber(b, region)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return editRatio(utils.DigitsOnly(na), utils.DigitsOnly(nb))
}

func emailSimilarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1
	}
	return editRatio(a, b)
}

// nameTokens lowercases, strips punctuation and sorts the words of a name.
func nameTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	sort.Strings(fields)
	return fields
}

// tokenOverlap is the Jaccard index of two token sets.
func tokenOverlap(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// editRatio maps Levenshtein distance to [0,1]. With the default costs a substitution
// counts 2, so the distance never exceeds the combined rune length.
func editRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	distance := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	return 1 - float64(distance)/float64(total)
}
