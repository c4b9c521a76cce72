package domain

// User is an Administration Store principal. It carries no credentials of
// its own — identity is asserted by an external collaborator and merely
// looked up here.
type User struct {
	UserID   string
	MayQuery bool
}

// BudgetEntry is the privacy budget a User holds against one Dataset.
// Spent fields increase with every debit and decrease only when a debit is
// compensated; they never exceed the corresponding Initial field.
type BudgetEntry struct {
	UserID      string
	DatasetName string

	InitialEpsilon float64
	InitialDelta   float64
	SpentEpsilon   float64
	SpentDelta     float64

	// Version is the CAS token; every successful debit increments it.
	Version int64
}

// Remaining returns the unspent (epsilon, delta) budget. Never negative —
// callers must not debit past what Remaining reports at read time, though
// the actual check happens via the CAS loop against the stored Version.
func (b BudgetEntry) Remaining() (epsilon, delta float64) {
	epsilon = b.InitialEpsilon - b.SpentEpsilon
	delta = b.InitialDelta - b.SpentDelta
	if epsilon < 0 {
		epsilon = 0
	}
	if delta < 0 {
		delta = 0
	}
	return epsilon, delta
}

// CanAfford reports whether debiting (epsilon, delta) keeps both spent
// totals within their initial allocation (additive/sum composition;
// advanced composition is explicitly out of scope).
func (b BudgetEntry) CanAfford(epsilon, delta float64) bool {
	return b.SpentEpsilon+epsilon <= b.InitialEpsilon && b.SpentDelta+delta <= b.InitialDelta
}
