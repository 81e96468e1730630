package ddns

import (
	"fmt"
	"time"
)

// Outcome classifies a provider response.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeUnknown
	OutcomeSyntax
	OutcomeAccount
	OutcomeAuth
	OutcomeHostname
	OutcomeAbuse
	OutcomeServer
)

var outcomeNames = [...]string{
	OutcomeSuccess:  "success",
	OutcomeUnknown:  "unknown",
	OutcomeSyntax:   "syntax",
	OutcomeAccount:  "account",
	OutcomeAuth:     "auth",
	OutcomeHostname: "hostname",
	OutcomeAbuse:    "abuse",
	OutcomeServer:   "server",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// DefaultFreeze is how long an account is frozen after a transient provider failure.
const DefaultFreeze = 30 * time.Minute

// Report is the normalized decode of a provider response.
//
// Lock and Freeze are recommendations made by the backend that produced the report.
// The controller applies them as given.
type Report struct {
	Outcome   Outcome       `json:"outcome"`
	Lock      bool          `json:"lock,omitempty"`
	Freeze    bool          `json:"freeze,omitempty"`
	FreezeFor time.Duration `json:"freeze_for,omitempty"`
	Code      string        `json:"code,omitempty"` // provider-native return code
	Info      string        `json:"info,omitempty"`
}

// NewReport builds a report for outcome with the default lock and freeze policy:
// server errors and unrecognized replies freeze the account, every other failure locks it.
func NewReport(outcome Outcome, code, info string) Report {
	r := Report{Outcome: outcome, Code: code, Info: info}
	switch outcome {
	case OutcomeSuccess:
	case OutcomeServer, OutcomeUnknown:
		r.Freeze, r.FreezeFor = true, DefaultFreeze
	default:
		r.Lock = true
	}
	return r
}

func (r Report) String() string {
	if r.Code == "" {
		return fmt.Sprintf("%s: %s", r.Outcome, r.Info)
	}
	return fmt.Sprintf("%s (%s): %s", r.Outcome, r.Code, r.Info)
}
