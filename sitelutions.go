package ddns

import (
	"net/netip"
	"net/url"
)

var sitelutionsCodes = []returnCode{
	{"success", OutcomeSuccess, "Record has been updated successfully."},
	{"noauth", OutcomeAuth, "User authentication failed (user e-mail address or password invalid)."},
	{"failure (invalid ip)", OutcomeSyntax, "You provided an invalid IP address (or didn't provide one at all)."},
	{"failure (invalid ttl)", OutcomeSyntax, "You provided an invalid time-to-live."},
	{"failure (no record)", OutcomeSyntax, "You failed to provide a record ID to update."},
	{"failure (not owner)", OutcomeHostname, "You are not the owner of the record you are trying to update."},
	{"failure (dberror)", OutcomeServer, "A database error of some sort occurred."},
}

// Sitelutions passes credentials in the query string. The hostname is the record ID.
func Sitelutions() *HTTPService {
	return &HTTPService{
		name:  "sitelutions",
		host:  "www.sitelutions.com",
		port:  80,
		build: buildSitelutions,
		parse: parseSitelutions,
	}
}

func buildSitelutions(s *HTTPService, acct AccountConfig, ip netip.Addr) ([]byte, error) {
	q := url.Values{}
	q.Set("id", acct.Hostname)
	q.Set("user", acct.Username)
	q.Set("pass", acct.Password)
	q.Set("ip", ip.String())
	return httpGet(s.host, "/dnsup?"+q.Encode()), nil
}

func parseSitelutions(resp []byte) Report {
	_, body := splitResponse(resp)
	if rc, ok := matchLine(body, sitelutionsCodes); ok {
		return NewReport(rc.outcome, rc.code, rc.info)
	}
	return unknownReport()
}
