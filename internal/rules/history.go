package rules

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/landwatch/internal/domain"
)

const historyDateLayout = "2006-01-02"

// Summarize derives the transfer history summary for rule evaluation.
// Transfers come from the transaction list, or from ownership changes when
// no transactions are recorded. Undated entries count but are not timed.
func Summarize(record *domain.LandRecord, now time.Time) domain.HistorySummary {
	s := domain.HistorySummary{MinDaysBetweenTransfers: -1}
	if record == nil {
		return s
	}

	var dates []string
	if len(record.Transactions) > 0 {
		s.TransferCount = len(record.Transactions)
		for _, tx := range record.Transactions {
			dates = append(dates, tx.Date)
			if tx.Amount > s.MaxTransactionAmount && !math.IsInf(tx.Amount, 0) {
				s.MaxTransactionAmount = tx.Amount
			}
		}
	} else if len(record.OwnerHistory) > 1 {
		s.TransferCount = len(record.OwnerHistory) - 1
		for _, h := range record.OwnerHistory[1:] {
			dates = append(dates, h.Date)
		}
	}

	yearAgo := now.AddDate(-1, 0, 0)
	var parsed []time.Time
	for _, d := range dates {
		t, err := time.Parse(historyDateLayout, d)
		if err != nil {
			continue
		}
		parsed = append(parsed, t)
		if !t.Before(yearAgo) && !t.After(now) {
			s.TransfersLastYear++
		}
	}

	if len(parsed) >= 2 {
		sort.Slice(parsed, func(i, j int) bool { return parsed[i].Before(parsed[j]) })
		minDays := math.Inf(1)
		for i := 1; i < len(parsed); i++ {
			days := parsed[i].Sub(parsed[i-1]).Hours() / 24
			minDays = math.Min(minDays, days)
		}
		s.MinDaysBetweenTransfers = minDays
	}

	return s
}
