package analyze

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Band names, ordered from founder-friendly to investor-friendly.
const (
	BandFounderFavorable  = "founder_favorable"
	BandMarket            = "market"
	BandInvestorFavorable = "investor_favorable"
	BandOffMarket         = "off_market"
)

// Leverage weights the two sides of the negotiation. Values are
// normalized shares; the document default is 0.6 investor / 0.4 founder.
type Leverage struct {
	Investor float64 `json:"investor"`
	Founder  float64 `json:"founder"`
}

// DefaultLeverage mirrors the document-row default.
var DefaultLeverage = Leverage{Investor: 0.6, Founder: 0.4}

// ParseLeverage decodes a leverage_json column value, falling back to
// the default for empty or malformed input.
func ParseLeverage(raw string) Leverage {
	if strings.TrimSpace(raw) == "" {
		return DefaultLeverage
	}
	var l Leverage
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return DefaultLeverage
	}
	if l.Investor <= 0 && l.Founder <= 0 {
		return DefaultLeverage
	}
	return l
}

// Finding is one observation about a clause.
type Finding struct {
	Code     string  `json:"code"`
	Message  string  `json:"message"`
	Severity string  `json:"severity"` // info | warn | flag
	Weight   float64 `json:"weight"`   // positive favors investors
}

// Result is the analyzer output for one clause.
type Result struct {
	ClauseKey string    `json:"clause_key"`
	BandName  string    `json:"band_name"`
	BandScore float64   `json:"band_score"` // 0 founder end .. 1 investor end
	Findings  []Finding `json:"findings"`
}

// signal ties a text pattern to a market-position weight. Positive
// weights pull toward the investor end.
type signal struct {
	code     string
	pattern  *regexp.Regexp
	weight   float64
	message  string
	severity string
}

// signals per clause key. The tables are the domain knowledge; scoring
// over them is plain arithmetic so results stay reproducible.
var signals = map[string][]signal{
	"drag_along": {
		{"drag.simple_majority", regexp.MustCompile(`(?i)\b(?:simple\s+)?majority\b`), 0.3,
			"drag triggered by simple majority is investor-leaning", "warn"},
		{"drag.supermajority", regexp.MustCompile(`(?i)\bsuper[- ]?majority\b|\btwo[- ]thirds\b|\b75\s*%|\bseventy[- ]five\b`), -0.3,
			"supermajority drag threshold protects minority holders", "info"},
		{"drag.no_floor", regexp.MustCompile(`(?i)\bany\s+price\b|\bwithout\s+(?:a\s+)?minimum\b`), 0.4,
			"drag without a price floor", "flag"},
	},
	"anti_dilution": {
		{"ad.full_ratchet", regexp.MustCompile(`(?i)\bfull\s+ratchet\b`), 0.6,
			"full ratchet anti-dilution is aggressive", "flag"},
		{"ad.weighted_average", regexp.MustCompile(`(?i)\bweighted\s+average\b`), 0.1,
			"weighted average anti-dilution is market standard", "info"},
		{"ad.broad_based", regexp.MustCompile(`(?i)\bbroad[- ]based\b`), -0.2,
			"broad-based formula softens the adjustment", "info"},
	},
	"liquidation_preference": {
		{"lp.participating", regexp.MustCompile(`(?i)\bparticipating\b`), 0.4,
			"participating preference double-dips", "flag"},
		{"lp.non_participating", regexp.MustCompile(`(?i)\bnon[- ]participating\b`), -0.3,
			"non-participating 1x is market standard", "info"},
		{"lp.multiple", regexp.MustCompile(`(?i)\b([2-9]|\d{2,})(?:\.\d+)?\s*x\b`), 0.5,
			"preference multiple above 1x", "flag"},
	},
	"board_composition": {
		{"board.investor_majority", regexp.MustCompile(`(?i)\binvestor(?:s)?\s+(?:shall\s+)?(?:designate|appoint)\s+(?:a\s+)?majority\b`), 0.5,
			"investor-controlled board", "flag"},
		{"board.independent", regexp.MustCompile(`(?i)\bindependent\s+director\b`), -0.1,
			"independent seat balances the board", "info"},
	},
	"vesting": {
		{"vest.cliff", regexp.MustCompile(`(?i)\bcliff\b`), 0.1,
			"cliff vesting present", "info"},
		{"vest.no_acceleration", regexp.MustCompile(`(?i)\bno\s+acceleration\b`), 0.3,
			"no acceleration on exit", "warn"},
		{"vest.double_trigger", regexp.MustCompile(`(?i)\bdouble[- ]trigger\b`), -0.2,
			"double-trigger acceleration is founder protection", "info"},
	},
	"right_of_first_refusal": {
		{"rofr.company_first", regexp.MustCompile(`(?i)\bcompany\s+(?:shall\s+)?(?:have|hold)s?\s+the\s+first\b`), -0.1,
			"company-first ROFR is standard", "info"},
		{"rofr.investor_only", regexp.MustCompile(`(?i)\bonly\s+the\s+investors?\b`), 0.3,
			"one-sided ROFR in favor of investors", "warn"},
	},
	"protective_provisions": {
		{"pp.broad_veto", regexp.MustCompile(`(?i)\bany\s+(?:material\s+)?(?:decision|action|expenditure)\b`), 0.4,
			"open-ended veto scope", "flag"},
	},
	"non_compete": {
		{"nc.long_term", regexp.MustCompile(`(?i)\b(?:three|four|five|[3-9])\s+years?\b`), 0.4,
			"non-compete longer than two years", "flag"},
	},
}

// Analyze classifies one clause. The leverage weights shift the band
// boundaries: a stronger investor side tolerates more investor-leaning
// terms before a clause reads as off-market.
func Analyze(clauseKey, text string, lev Leverage, attrs map[string]any) Result {
	total := lev.Investor + lev.Founder
	if total <= 0 {
		lev = DefaultLeverage
		total = 1
	}
	investorShare := lev.Investor / total

	var (
		findings []Finding
		score    float64
	)
	for _, sig := range signals[clauseKey] {
		if !sig.pattern.MatchString(text) {
			continue
		}
		findings = append(findings, Finding{
			Code:     sig.code,
			Message:  sig.message,
			Severity: sig.severity,
			Weight:   sig.weight,
		})
		score += sig.weight
	}

	// Map the summed signal weight to [0, 1] around a market midpoint.
	bandScore := clamp(0.5+score, 0, 1)

	// Leverage shifts the tolerance: the off-market threshold moves with
	// the investor share, so the same clause can be market under heavy
	// investor leverage and off-market under founder leverage.
	offMarketAt := 0.75 + 0.15*(investorShare-0.5)

	var band string
	switch {
	case len(findings) == 0:
		band = BandMarket
	case bandScore >= offMarketAt:
		band = BandOffMarket
	case bandScore > 0.6:
		band = BandInvestorFavorable
	case bandScore < 0.4:
		band = BandFounderFavorable
	default:
		band = BandMarket
	}

	if findings == nil {
		findings = []Finding{}
	}
	return Result{
		ClauseKey: clauseKey,
		BandName:  band,
		BandScore: bandScore,
		Findings:  findings,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
