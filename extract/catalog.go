package extract

import (
	"regexp"
	"strings"
)

// Clause keys are the stable vocabulary shared by the extractor, the
// band mapper and the analyzer.
const (
	KeyBoardComposition      = "board_composition"
	KeyDragAlong             = "drag_along"
	KeyTagAlong              = "tag_along"
	KeyRightOfFirstRefusal   = "right_of_first_refusal"
	KeyAntiDilution          = "anti_dilution"
	KeyLiquidationPreference = "liquidation_preference"
	KeyVesting               = "vesting"
	KeyInformationRights     = "information_rights"
	KeyProtectiveProvisions  = "protective_provisions"
	KeyNonCompete            = "non_compete"
	KeyDocumentOverview      = "document_overview"
)

// Rule describes how one clause type is recognized: keyword patterns
// matched against body text, and heading aliases matched against section
// titles (the fallback when a section's body carries no keywords).
type Rule struct {
	Key            string
	Title          string
	Keywords       *regexp.Regexp
	HeadingAliases []string
}

// Catalog is the recognition table, in a stable order.
var Catalog = []Rule{
	{
		Key:      KeyBoardComposition,
		Title:    "Board Composition",
		Keywords: regexp.MustCompile(`(?i)\bboard\s+(?:of\s+directors|compositions?|seats?)\b|\bboard\s+shall\s+consist\b|\bdirectors?\s+designated\b`),
		HeadingAliases: []string{
			"board of directors", "board composition", "the board", "directors",
		},
	},
	{
		Key:      KeyDragAlong,
		Title:    "Drag Along",
		Keywords: regexp.MustCompile(`(?i)\bdrag[- ]along\b`),
		HeadingAliases: []string{
			"drag along", "drag-along", "drag along rights",
		},
	},
	{
		Key:      KeyTagAlong,
		Title:    "Tag Along",
		Keywords: regexp.MustCompile(`(?i)\btag[- ]along\b|\bco[- ]sale\b`),
		HeadingAliases: []string{
			"tag along", "tag-along", "co-sale", "co-sale rights",
		},
	},
	{
		Key:      KeyRightOfFirstRefusal,
		Title:    "Right of First Refusal",
		Keywords: regexp.MustCompile(`(?i)\bright\s+of\s+first\s+(?:refusal|offer)\b|\brofr\b|\brofo\b|\bpre[- ]?emption\b|\bpre[- ]?emptive\s+rights?\b`),
		HeadingAliases: []string{
			"right of first refusal", "rofr", "preemption", "pre-emption rights",
		},
	},
	{
		Key:      KeyAntiDilution,
		Title:    "Anti-Dilution",
		Keywords: regexp.MustCompile(`(?i)\banti[- ]dilution\b|\bfull\s+ratchet\b|\bweighted\s+average\b|\bdown\s+round\b`),
		HeadingAliases: []string{
			"anti-dilution", "anti dilution", "anti-dilution protection",
		},
	},
	{
		Key:      KeyLiquidationPreference,
		Title:    "Liquidation Preference",
		Keywords: regexp.MustCompile(`(?i)\bliquidation\s+preference\b|\bliquidity\s+event\b|\bpreferred\s+return\b|\bparticipating\s+preferred\b`),
		HeadingAliases: []string{
			"liquidation preference", "liquidation", "preference on liquidation",
		},
	},
	{
		Key:      KeyVesting,
		Title:    "Founder Vesting",
		Keywords: regexp.MustCompile(`(?i)\bvest(?:s|ing|ed)\b|\bcliff\b|\breverse\s+vesting\b|\bgood\s+leaver\b|\bbad\s+leaver\b`),
		HeadingAliases: []string{
			"vesting", "founder vesting", "reverse vesting", "leaver provisions",
		},
	},
	{
		Key:      KeyInformationRights,
		Title:    "Information Rights",
		Keywords: regexp.MustCompile(`(?i)\binformation\s+rights?\b|\bmonthly\s+(?:management\s+)?accounts\b|\bfinancial\s+statements?\s+(?:shall|will)\s+be\s+(?:delivered|provided)\b`),
		HeadingAliases: []string{
			"information rights", "reporting", "financial information",
		},
	},
	{
		Key:      KeyProtectiveProvisions,
		Title:    "Protective Provisions",
		Keywords: regexp.MustCompile(`(?i)\bprotective\s+provisions?\b|\breserved\s+matters?\b|\binvestor\s+consent\b|\bveto\s+rights?\b`),
		HeadingAliases: []string{
			"protective provisions", "reserved matters", "investor consent",
		},
	},
	{
		Key:      KeyNonCompete,
		Title:    "Non-Compete",
		Keywords: regexp.MustCompile(`(?i)\bnon[- ]compet(?:e|ition)\b|\bnon[- ]solicit(?:ation)?\b|\brestrictive\s+covenants?\b`),
		HeadingAliases: []string{
			"non-compete", "non-competition", "restrictive covenants",
		},
	},
}

// RuleForKey looks up a catalog rule, or nil for unknown keys.
func RuleForKey(key string) *Rule {
	for i := range Catalog {
		if Catalog[i].Key == key {
			return &Catalog[i]
		}
	}
	return nil
}

// RuleForHeading matches a section title against the heading aliases,
// or nil when no rule claims it.
func RuleForHeading(heading string) *Rule {
	h := strings.ToLower(CleanText(heading))
	// Strip section numbering like "7." or "Article IV —".
	h = headingNumberRe.ReplaceAllString(h, "")
	h = strings.TrimSpace(h)
	for i := range Catalog {
		for _, alias := range Catalog[i].HeadingAliases {
			if h == alias || strings.HasPrefix(h, alias+" ") || strings.HasSuffix(h, " "+alias) {
				return &Catalog[i]
			}
		}
	}
	return nil
}

var headingNumberRe = regexp.MustCompile(`^(?:article\s+[ivxlc\d]+|section\s+\d+(?:\.\d+)*|\d+(?:\.\d+)*\.?)[\s.:—-]*`)
