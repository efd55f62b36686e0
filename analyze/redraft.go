package analyze

import (
	"fmt"
	"strings"
)

// redraftTemplates hold market-standard replacement language per clause
// key. Redraft falls back to a generic rebalancing note for keys without
// a template.
var redraftTemplates = map[string]string{
	"drag_along": "A sale of the Company may be compelled only with the approval of " +
		"holders of at least 75% of the voting shares, at a price not below the " +
		"most recent round's original issue price, with all holders selling on " +
		"identical terms.",
	"anti_dilution": "In the event of a down round, the conversion price of the " +
		"Preferred Shares shall be adjusted on a broad-based weighted average " +
		"basis, taking into account all outstanding shares and options.",
	"liquidation_preference": "On a liquidity event, holders of Preferred Shares " +
		"shall receive the greater of (a) one times the original issue price, " +
		"non-participating, or (b) the amount receivable on an as-converted basis.",
	"board_composition": "The Board shall comprise five directors: two designated " +
		"by the Founders, two designated by the Investors, and one independent " +
		"director approved by both.",
	"vesting": "Founder shares vest monthly over four years with a one-year cliff; " +
		"on a change of control followed by termination without cause, vesting " +
		"accelerates in full (double trigger).",
	"right_of_first_refusal": "Before any transfer, shares shall first be offered " +
		"to the Company and then pro rata to all existing holders on the same " +
		"terms as the proposed transfer.",
	"protective_provisions": "Investor consent is required only for the enumerated " +
		"reserved matters: amendments to share rights, new senior securities, " +
		"a sale of the Company, and annual budgets deviating materially from plan.",
	"non_compete": "The restrictive covenants shall run for no longer than twelve " +
		"months after a holder ceases to provide services, limited to the " +
		"Company's actual field of business.",
}

// Redraft proposes replacement text for a clause in the given band.
// Clauses already at or below market come back unchanged; off-market and
// investor-favorable clauses get the market-standard template.
func Redraft(clauseKey, text, band string) string {
	if band == BandMarket || band == BandFounderFavorable {
		return text
	}
	if tpl, ok := redraftTemplates[clauseKey]; ok {
		return tpl
	}
	return fmt.Sprintf("Rebalance toward market practice: %s", strings.TrimSpace(text))
}
