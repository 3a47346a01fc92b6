package domain

// OutcomeKind tags the result of one driver invocation
type OutcomeKind int

const (
	// OutcomeUnknown is the zero value and is treated as a driver fault
	OutcomeUnknown OutcomeKind = iota
	OutcomeConnectWebsite
	OutcomeDownloading
	OutcomeUpdateComplete
	OutcomeNothing
	OutcomeRecords
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeUnknown:        "UNKNOWN",
	OutcomeConnectWebsite: "CONNECT_WEBSITE",
	OutcomeDownloading:    "DOWNLOADING",
	OutcomeUpdateComplete: "HANDLE_UPDATE_COMPLETE",
	OutcomeNothing:        "NOTHING",
	OutcomeRecords:        "RECORDS",
}

func (k OutcomeKind) String() string {
	if s, ok := outcomeNames[k]; ok {
		return s
	}
	return outcomeNames[OutcomeUnknown]
}

// ParseOutcomeKind maps a wire signal back to its kind. Unrecognized
// signals map to OutcomeUnknown.
func ParseOutcomeKind(s string) OutcomeKind {
	for k, name := range outcomeNames {
		if name == s {
			return k
		}
	}
	return OutcomeUnknown
}

// Outcome is what a driver hands back to the orchestrator
type Outcome struct {
	Kind    OutcomeKind
	Records []Record
	// Final closes the run out after Records are appended
	Final bool
}

var (
	ConnectWebsite = Outcome{Kind: OutcomeConnectWebsite}
	Downloading    = Outcome{Kind: OutcomeDownloading}
	UpdateComplete = Outcome{Kind: OutcomeUpdateComplete}
	Nothing        = Outcome{Kind: OutcomeNothing}
)

// Records returns an outcome carrying harvested records. The run keeps
// running and may be re-invoked on the next continuation event.
func Records(recs ...Record) Outcome {
	return Outcome{Kind: OutcomeRecords, Records: recs}
}

// FinalRecords is like Records but closes the run as successful
func FinalRecords(recs ...Record) Outcome {
	return Outcome{Kind: OutcomeRecords, Records: recs, Final: true}
}

func (o Outcome) String() string {
	return o.Kind.String()
}
