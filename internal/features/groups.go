package features

import (
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/opensource-finance/landwatch/internal/domain"
)

const dateLayout = "2006-01-02"

func priceFeatures(b *Builder, r *domain.NormalizedRecord, out *emitter) {
	price, market, area := r.Price, r.MarketValue, r.Area

	perArea := 0.0
	if area > 0 {
		perArea = price / area
	}

	deviation := 0.0
	if market > 0 {
		deviation = math.Abs(price-market) / market
	}

	out.set("price", price)
	out.set("market_value", market)
	out.set("price_per_area", perArea)
	out.set("price_deviation_ratio", deviation)
	out.flag("price_below_market", market > 0 && price < b.cfg.BelowMarketRatio*market)
	out.flag("price_above_market", market > 0 && price > b.cfg.AboveMarketRatio*market)
	out.flag("is_round_price", isMultiple(price, b.cfg.RoundPriceUnit))
	out.set("price_magnitude", math.Log10(math.Max(price, 0)+1))
}

func documentFeatures(b *Builder, r *domain.NormalizedRecord, out *emitter) {
	docs := make([]string, len(r.Documents))
	for i, d := range r.Documents {
		docs[i] = strings.ReplaceAll(strings.ToLower(d), "_", " ")
	}

	missing := 0
	for _, critical := range b.cfg.CriticalDocuments {
		if !anyContains(docs, strings.ReplaceAll(strings.ToLower(critical), "_", " ")) {
			missing++
		}
	}

	completeness := 0.0
	if b.cfg.CompleteDocCount > 0 {
		completeness = math.Min(float64(len(docs))/b.cfg.CompleteDocCount, 1)
	}

	out.set("document_count", float64(len(docs)))
	out.flag("has_sale_document", anyContains(docs, "sale"))
	out.flag("has_title_document", anyContains(docs, "title"))
	out.flag("has_tax_document", anyContains(docs, "tax"))
	out.set("missing_critical_docs", float64(missing))
	out.set("document_completeness", completeness)
}

func temporalFeatures(b *Builder, r *domain.NormalizedRecord, out *emitter) {
	registered, err := time.Parse(dateLayout, r.RegistrationDate)
	if err != nil {
		out.set("days_since_registration", -1)
		out.set("years_since_registration", -1)
		out.set("is_recent_registration", 0)
		out.set("registration_year", 2000)
		out.set("registration_month", 1)
		out.set("is_weekend_registration", 0)
		return
	}

	days := math.Floor(b.now().UTC().Sub(registered).Hours() / 24)
	weekday := registered.Weekday()

	out.set("days_since_registration", days)
	out.set("years_since_registration", days/365.25)
	out.flag("is_recent_registration", days < b.cfg.RecentDays)
	out.set("registration_year", float64(registered.Year()))
	out.set("registration_month", float64(registered.Month()))
	out.flag("is_weekend_registration", weekday == time.Saturday || weekday == time.Sunday)
}

func ownerFeatures(b *Builder, r *domain.NormalizedRecord, out *emitter) {
	name := r.OwnerName
	length := utf8.RuneCountInString(name)

	var hasDigit, hasSpecial bool
	for _, c := range name {
		switch {
		case unicode.IsDigit(c):
			hasDigit = true
		case unicode.IsLetter(c), c == ' ', c == '.', c == '-', c == '\'':
		default:
			hasSpecial = true
		}
	}

	out.set("owner_name_length", float64(length))
	out.flag("owner_name_too_short", length < b.cfg.ShortNameLength)
	out.set("owner_count", float64(r.OwnerCount))
	out.flag("has_multiple_owners", r.OwnerCount > 1)
	out.flag("seller_buyer_same", name != "" && r.SellerName != "" && strings.EqualFold(name, r.SellerName))
	out.flag("owner_name_has_digits", hasDigit)
	out.flag("owner_name_has_special_chars", hasSpecial)
}

func surveyFeatures(b *Builder, r *domain.NormalizedRecord, out *emitter) {
	area := r.Area

	out.flag("has_survey_number", r.SurveyNumber != "")
	out.set("survey_number_length", float64(utf8.RuneCountInString(r.SurveyNumber)))
	out.set("area", area)
	out.set("log_area", math.Log10(math.Max(area, 0)+1))
	out.flag("is_small_plot", area < b.cfg.SmallPlotArea)
	out.flag("is_medium_plot", area >= b.cfg.SmallPlotArea && area < b.cfg.LargePlotArea)
	out.flag("is_large_plot", area >= b.cfg.LargePlotArea)
	out.flag("is_round_area", isMultiple(area, b.cfg.RoundAreaUnit))
}

func transactionFeatures(b *Builder, r *domain.NormalizedRecord, out *emitter) {
	kind := r.TransactionType
	duty, fee, price := r.StampDuty, r.RegistrationFee, r.Price

	expected := price * b.cfg.StampDutyRate
	ratio := 0.0
	if price > 0 && expected > 0 {
		ratio = duty / expected
	}

	out.flag("is_sale", strings.Contains(kind, "sale"))
	out.flag("is_gift", strings.Contains(kind, "gift"))
	out.flag("is_inheritance", strings.Contains(kind, "inherit"))
	out.flag("is_lease", strings.Contains(kind, "lease"))
	out.set("stamp_duty", duty)
	out.set("registration_fee", fee)
	out.set("total_fees", duty+fee)
	out.set("stamp_duty_ratio", ratio)
	out.flag("underpaid_stamp_duty", price > 0 && duty < b.cfg.UnderpaidRatio*expected)
}

// isMultiple reports whether v is a positive exact multiple of unit.
func isMultiple(v, unit float64) bool {
	if v <= 0 || unit <= 0 {
		return false
	}
	return math.Mod(v, unit) == 0
}

func anyContains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}
