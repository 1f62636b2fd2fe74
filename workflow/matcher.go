package workflow

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	MatchMethodExact = "exact"
	MatchMethodFuzzy = "fuzzy"

	amountWeight   = 40.0
	dateWeight     = 30.0
	identityWeight = 30.0

	// amount credit reaches zero at this multiple of the effective tolerance
	amountDecayFactor = 3
)

// MatchSummary carries the counters and totals a run needs.
// Matched and AmountMismatch count pairs, not items.
type MatchSummary struct {
	Matched            int             `json:"matched"`
	AmountMismatch     int             `json:"amount_mismatch"`
	UnmatchedApp       int             `json:"unmatched_app"`
	UnmatchedGateway   int             `json:"unmatched_gateway"`
	DuplicateApp       int             `json:"duplicate_app"`
	DuplicateGateway   int             `json:"duplicate_gateway"`
	TotalAppAmount     decimal.Decimal `json:"total_app_amount"`
	TotalGatewayAmount decimal.Decimal `json:"total_gateway_amount"`
	TotalDiscrepancy   decimal.Decimal `json:"total_discrepancy"`
}

func (s MatchSummary) Duplicate() int {
	return s.DuplicateApp + s.DuplicateGateway
}

// AllMatched reports whether every record ended up in a matched pair.
func (s MatchSummary) AllMatched() bool {
	return s.AmountMismatch == 0 && s.UnmatchedApp == 0 && s.UnmatchedGateway == 0 && s.Duplicate() == 0
}

type MatchResult struct {
	Items   []models.ReconciliationItem `json:"items"`
	Summary MatchSummary                `json:"summary"`
}

// Matcher pairs app records with gateway records under a tolerance policy.
// It is deterministic for a given input and never modifies its inputs.
type Matcher struct {
	Policy models.TolerancePolicy
	// BetweenPasses is called after the exact pass; returning an error aborts matching.
	BetweenPasses func() error
	// PhoneRegion is the default region for phone numbers without a country prefix.
	PhoneRegion string
}

func NewMatcher(policy models.TolerancePolicy) *Matcher {
	return &Matcher{Policy: policy, PhoneRegion: utils.CountryCode}
}

type outcome struct {
	status      models.ItemStatus
	counterpart int
	duplicateOf int
	method      string
	key         string
	score       *float64
	dateDelta   *int
	tolerance   *decimal.Decimal
	currency    string
	notes       []string
}

type matchState struct {
	policy     models.TolerancePolicy
	app        []models.LedgerRecord
	gateway    []models.LedgerRecord
	appIds     []string
	gatewayIds []string
	appOut     []outcome
	gatewayOut []outcome
}

func (m *Matcher) Match(appRecords, gatewayRecords []models.LedgerRecord) (*MatchResult, error) {
	st := &matchState{
		policy:     m.Policy,
		app:        appRecords,
		gateway:    gatewayRecords,
		appIds:     recordIds(appRecords, models.LedgerSourceApp),
		gatewayIds: recordIds(gatewayRecords, models.LedgerSourceGateway),
		appOut:     newOutcomes(len(appRecords)),
		gatewayOut: newOutcomes(len(gatewayRecords)),
	}

	st.exactPass()

	if m.BetweenPasses != nil {
		if err := m.BetweenPasses(); err != nil {
			return nil, err
		}
	}

	st.fuzzyPass(m.PhoneRegion)
	st.residue()

	return st.result(), nil
}

func newOutcomes(n int) []outcome {
	out := make([]outcome, n)
	for i := range out {
		out[i].counterpart = -1
		out[i].duplicateOf = -1
	}
	return out
}

// recordIds returns a unique id per record: the source id when present, otherwise "<source>-<n>".
func recordIds(records []models.LedgerRecord, source models.LedgerSourceType) []string {
	ids := make([]string, len(records))
	seen := make(map[string]int, len(records))
	for i, r := range records {
		id := strings.TrimSpace(r.RecordId)
		if id == "" {
			id = fmt.Sprintf("%s-%d", source, i+1)
		}
		if n, ok := seen[id]; ok {
			seen[id] = n + 1
			id = fmt.Sprintf("%s#%d", id, n+1)
		} else {
			seen[id] = 1
		}
		ids[i] = id
	}
	return ids
}

func (st *matchState) exactPass() {
	index := make(map[string][]int)
	for gi, g := range st.gateway {
		if k := g.PrimaryKey(); k != "" {
			index[k] = append(index[k], gi)
		}
	}
	for _, group := range index {
		sort.SliceStable(group, func(i, j int) bool {
			return earlier(st.gateway[group[i]].TransactionDate, st.gateway[group[j]].TransactionDate)
		})
	}

	// key -> app record that took the key
	claimedBy := make(map[string]int)

	for ai, a := range st.app {
		keys := a.MatchKeys()
		if len(keys) == 0 {
			continue
		}
		paired := false
		for _, key := range keys {
			avail := st.unconsumedGateway(index[key])
			if len(avail) == 0 {
				continue
			}
			gi := avail[0]
			st.pair(ai, gi, MatchMethodExact, key, nil)
			for _, other := range avail[1:] {
				o := &st.gatewayOut[other]
				o.status = models.ItemStatusDuplicate
				o.duplicateOf = gi
				o.method = MatchMethodExact
				o.key = key
				o.notes = append(o.notes, fmt.Sprintf("duplicate of gateway record %s for key %s", st.gatewayIds[gi], key))
			}
			claimedBy[key] = ai
			paired = true
			break
		}
		if paired {
			continue
		}
		for _, key := range keys {
			owner, ok := claimedBy[key]
			if !ok {
				continue
			}
			o := &st.appOut[ai]
			o.status = models.ItemStatusDuplicate
			o.duplicateOf = owner
			o.counterpart = st.appOut[owner].counterpart
			o.method = MatchMethodExact
			o.key = key
			o.notes = append(o.notes, fmt.Sprintf("duplicate of app record %s for key %s", st.appIds[owner], key))
			break
		}
	}
}

func (st *matchState) unconsumedGateway(group []int) []int {
	var avail []int
	for _, gi := range group {
		if st.gatewayOut[gi].status == "" {
			avail = append(avail, gi)
		}
	}
	return avail
}

type fuzzyCandidate struct {
	app         int
	gateway     int
	score       float64
	dateDelta   int
	amountDelta decimal.Decimal
}

func (st *matchState) fuzzyPass(region string) {
	days := st.policy.DateToleranceDays
	byDay := make(map[int64][]int)
	for gi, g := range st.gateway {
		if st.gatewayOut[gi].status != "" || g.TransactionDate == nil {
			continue
		}
		day := dayNumber(*g.TransactionDate)
		byDay[day] = append(byDay[day], gi)
	}

	threshold := float64(st.policy.FuzzyMatchThreshold)
	var candidates []fuzzyCandidate
	for ai, a := range st.app {
		if st.appOut[ai].status != "" || a.TransactionDate == nil {
			continue
		}
		day := dayNumber(*a.TransactionDate)
		for offset := -days; offset <= days; offset++ {
			for _, gi := range byDay[day+int64(offset)] {
				g := st.gateway[gi]
				if currencyDiffers(a, g) {
					continue
				}
				c := st.score(a, g, region)
				if c.score < threshold {
					continue
				}
				c.app, c.gateway = ai, gi
				candidates = append(candidates, c)
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.score != cj.score {
			return ci.score > cj.score
		}
		if ci.dateDelta != cj.dateDelta {
			return ci.dateDelta < cj.dateDelta
		}
		if cmp := ci.amountDelta.Cmp(cj.amountDelta); cmp != 0 {
			return cmp < 0
		}
		if ci.gateway != cj.gateway {
			return ci.gateway < cj.gateway
		}
		return ci.app < cj.app
	})

	for _, c := range candidates {
		if st.appOut[c.app].status != "" || st.gatewayOut[c.gateway].status != "" {
			continue
		}
		score := c.score
		st.pair(c.app, c.gateway, MatchMethodFuzzy, "", &score)
	}
}

// score is the composite 0-100 similarity of a candidate pair.
// Identity weight is dropped and the rest renormalised when neither side carries identity fields in common.
func (st *matchState) score(a, g models.LedgerRecord, region string) fuzzyCandidate {
	delta := a.Amount.Sub(g.Amount).Abs()
	tolerance := st.policy.EffectiveTolerance(a.Amount, g.Amount)
	amountScore := amountCloseness(delta, tolerance)

	dateDelta := utils.DaysBetween(*a.TransactionDate, *g.TransactionDate)
	dateScore := 1.0
	if st.policy.DateToleranceDays > 0 {
		dateScore = 1 - float64(dateDelta)/float64(st.policy.DateToleranceDays)
	} else if dateDelta > 0 {
		dateScore = 0
	}

	var score float64
	if identity, ok := identitySimilarity(a, g, region); ok {
		score = amountWeight*amountScore + dateWeight*dateScore + identityWeight*identity
	} else {
		score = (amountWeight*amountScore + dateWeight*dateScore) / (amountWeight + dateWeight) * 100
	}
	return fuzzyCandidate{
		score:       score,
		dateDelta:   dateDelta,
		amountDelta: delta,
	}
}

func amountCloseness(delta, tolerance decimal.Decimal) float64 {
	if delta.LessThanOrEqual(tolerance) {
		return 1
	}
	if tolerance.IsZero() {
		return 0
	}
	ceiling := tolerance.Mul(decimal.NewFromInt(amountDecayFactor))
	if delta.GreaterThanOrEqual(ceiling) {
		return 0
	}
	return ceiling.Sub(delta).Div(ceiling.Sub(tolerance)).InexactFloat64()
}

func (st *matchState) pair(ai, gi int, method, key string, score *float64) {
	a, g := st.app[ai], st.gateway[gi]
	tolerance := st.policy.EffectiveTolerance(a.Amount, g.Amount)
	status := models.ItemStatusMatched
	var notes []string
	if !st.policy.AmountsMatch(a.Amount, g.Amount) {
		status = models.ItemStatusAmountMismatch
		notes = append(notes, fmt.Sprintf("amount differs by %s (tolerance %s)", a.Amount.Sub(g.Amount).StringFixed(2), tolerance.StringFixed(2)))
	}
	// amounts are compared as written; a currency difference is only reported
	currency := ""
	if currencyDiffers(a, g) {
		currency = strings.ToUpper(strings.TrimSpace(a.Currency)) + "/" + strings.ToUpper(strings.TrimSpace(g.Currency))
		notes = append(notes, "currency mismatch "+currency)
	}
	if method == MatchMethodFuzzy && score != nil {
		rounded := math.Round(*score*100) / 100
		score = &rounded
		notes = append(notes, fmt.Sprintf("fuzzy match score %.2f", rounded))
	}

	var dateDelta *int
	if a.TransactionDate != nil && g.TransactionDate != nil {
		dd := utils.DaysBetween(*a.TransactionDate, *g.TransactionDate)
		dateDelta = &dd
	}

	for _, o := range []*outcome{&st.appOut[ai], &st.gatewayOut[gi]} {
		o.status = status
		o.method = method
		o.key = key
		o.score = score
		o.dateDelta = dateDelta
		tol := tolerance
		o.tolerance = &tol
		o.currency = currency
		o.notes = append(o.notes, notes...)
	}
	st.appOut[ai].counterpart = gi
	st.gatewayOut[gi].counterpart = ai
}

func (st *matchState) residue() {
	for ai := range st.appOut {
		o := &st.appOut[ai]
		if o.status != "" {
			continue
		}
		o.status = models.ItemStatusUnmatchedApp
		if st.app[ai].TransactionDate == nil {
			o.notes = append(o.notes, "no transaction date; excluded from fuzzy matching")
		}
	}
	for gi := range st.gatewayOut {
		o := &st.gatewayOut[gi]
		if o.status != "" {
			continue
		}
		o.status = models.ItemStatusUnmatchedGateway
		if st.gateway[gi].TransactionDate == nil {
			o.notes = append(o.notes, "no transaction date; excluded from fuzzy matching")
		}
	}
}

type itemMetadata struct {
	Method             string           `json:"method,omitempty"`
	Key                string           `json:"key,omitempty"`
	Score              *float64         `json:"score,omitempty"`
	DateDeltaDays      *int             `json:"date_delta_days,omitempty"`
	EffectiveTolerance *decimal.Decimal `json:"effective_tolerance,omitempty"`
	DuplicateOf        string           `json:"duplicate_of,omitempty"`
	CurrencyMismatch   string           `json:"currency_mismatch,omitempty"`
}

func (st *matchState) result() *MatchResult {
	summary := MatchSummary{
		TotalAppAmount:     decimal.Zero,
		TotalGatewayAmount: decimal.Zero,
		TotalDiscrepancy:   decimal.Zero,
	}
	items := make([]models.ReconciliationItem, 0, len(st.app)+len(st.gateway))

	for ai, a := range st.app {
		o := st.appOut[ai]
		summary.TotalAppAmount = summary.TotalAppAmount.Add(a.Amount)
		item := newItem(a, models.LedgerSourceApp, st.appIds[ai], len(items))
		item.ReconciliationStatus = o.status
		if o.counterpart >= 0 {
			item.MatchReference = stringPtr(st.gatewayIds[o.counterpart])
		}
		duplicateOf := ""
		switch o.status {
		case models.ItemStatusMatched:
			summary.Matched++
		case models.ItemStatusAmountMismatch:
			summary.AmountMismatch++
			diff := a.Amount.Sub(st.gateway[o.counterpart].Amount)
			item.DiscrepancyAmount = decimal.NewNullDecimal(diff)
			summary.TotalDiscrepancy = summary.TotalDiscrepancy.Add(diff.Abs())
		case models.ItemStatusUnmatchedApp:
			summary.UnmatchedApp++
		case models.ItemStatusDuplicate:
			summary.DuplicateApp++
			duplicateOf = st.appIds[o.duplicateOf]
		}
		finishItem(&item, o, duplicateOf)
		items = append(items, item)
	}

	for gi, g := range st.gateway {
		o := st.gatewayOut[gi]
		summary.TotalGatewayAmount = summary.TotalGatewayAmount.Add(g.Amount)
		item := newItem(g, models.LedgerSourceGateway, st.gatewayIds[gi], len(items))
		item.ReconciliationStatus = o.status
		duplicateOf := ""
		switch o.status {
		case models.ItemStatusMatched:
			item.MatchReference = stringPtr(st.appIds[o.counterpart])
		case models.ItemStatusAmountMismatch:
			item.MatchReference = stringPtr(st.appIds[o.counterpart])
			item.DiscrepancyAmount = decimal.NewNullDecimal(st.app[o.counterpart].Amount.Sub(g.Amount))
		case models.ItemStatusUnmatchedGateway:
			summary.UnmatchedGateway++
		case models.ItemStatusDuplicate:
			summary.DuplicateGateway++
			duplicateOf = st.gatewayIds[o.duplicateOf]
		}
		finishItem(&item, o, duplicateOf)
		items = append(items, item)
	}

	return &MatchResult{Items: items, Summary: summary}
}

func newItem(r models.LedgerRecord, source models.LedgerSourceType, id string, position int) models.ReconciliationItem {
	return models.ReconciliationItem{
		Position:        position,
		Source:          source,
		RecordId:        id,
		TransactionId:   cloneString(r.TransactionId),
		Reference:       r.Reference,
		Amount:          r.Amount,
		Currency:        r.Currency,
		TransactionDate: cloneTime(r.TransactionDate),
		PayerName:       cloneString(r.PayerName),
		PayerPhone:      cloneString(r.PayerPhone),
		PayerEmail:      cloneString(r.PayerEmail),
		County:          cloneString(r.County),
		ProviderStatus:  r.Status,
	}
}

func finishItem(item *models.ReconciliationItem, o outcome, duplicateOf string) {
	item.Notes = strings.Join(o.notes, "; ")
	meta := itemMetadata{
		Method:             o.method,
		Key:                o.key,
		Score:              o.score,
		DateDeltaDays:      o.dateDelta,
		EffectiveTolerance: o.tolerance,
		DuplicateOf:        duplicateOf,
		CurrencyMismatch:   o.currency,
	}
	if meta == (itemMetadata{}) {
		return
	}
	item.Metadata = utils.MustMarshalJSON(meta)
}

func currencyDiffers(a, g models.LedgerRecord) bool {
	ca, cg := strings.TrimSpace(a.Currency), strings.TrimSpace(g.Currency)
	return ca != "" && cg != "" && !strings.EqualFold(ca, cg)
}

// earlier orders dated records first, oldest first.
func earlier(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Before(*b)
	}
}

func dayNumber(t time.Time) int64 {
	return utils.DateOnlyUTC(t).Unix() / 86400
}

func stringPtr(s string) *string { return &s }

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
