package domain

// Term is one entry of an owner's keyword or exception policy. Terms are
// unique per (owner, term) and matched case-insensitively as substrings.
type Term struct {
	ID   int64
	Term string
}

// Owner is an end user of the bot. Owners are auto-registered on first
// contact; whether they may use the service is a separate whitelist check.
type Owner struct {
	ID        string
	Handle    string
	FirstName string
}

// AllowedUser is a whitelist entry.
type AllowedUser struct {
	OwnerID string
	Handle  string
	AddedBy string
}

// OwnerStats is the aggregate the /my_stats command renders.
type OwnerStats struct {
	TotalMessages int64
	MatchedCount  int64
	KeywordCount  int64
	SessionCount  int64
}
