package ddns

import (
	"bytes"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
)

// HTTPService is a Service spoken over one plain HTTP/1.0 GET.
// The built-in providers are all HTTPServices.
type HTTPService struct {
	name  string
	host  string
	port  int
	build func(s *HTTPService, acct AccountConfig, ip netip.Addr) ([]byte, error)
	parse func(resp []byte) Report
}

func (s *HTTPService) Name() string { return s.name }
func (s *HTTPService) Server() (host string, port int) { return s.host, s.port }

func (s *HTTPService) BuildRequest(acct AccountConfig, ip netip.Addr) ([]byte, error) {
	if !ip.Is4() {
		return nil, fmt.Errorf("%s: %s is not an IPv4 address", s.name, ip)
	}
	return s.build(s, acct, ip)
}

func (s *HTTPService) ParseResponse(resp []byte) Report {
	return s.parse(resp)
}

// At returns a copy of s that sends its requests to host:port.
// It is used for self-hosted servers that speak a provider's protocol.
func (s *HTTPService) At(host string, port int) *HTTPService {
	c := *s
	c.host, c.port = host, port
	return &c
}

// Named returns a copy of s registered under name.
func (s *HTTPService) Named(name string) *HTTPService {
	c := *s
	c.name = name
	return &c
}

type returnCode struct {
	code    string
	outcome Outcome
	info    string
}

// dynDNSCodes are the return codes of the DynDNS remote access API.
// Other providers implementing /nic/update use a subset of them.
var dynDNSCodes = []returnCode{
	{"badauth", OutcomeAuth, "Bad authorization (username or password)."},
	{"badsys", OutcomeSyntax, "The system parameter given was not valid."},
	{"badagent", OutcomeSyntax, "The useragent your client sent has been blocked at the access level."},
	{"good", OutcomeSuccess, "Update good and successful, IP updated."},
	{"nochg", OutcomeSuccess, "No changes, IP address is current."},
	{"nohost", OutcomeHostname, "The hostname specified does not exist."},
	{"!donator", OutcomeAccount, "A feature was requested that is not available to the user."},
	{"!yours", OutcomeHostname, "The hostname specified exists, but not under the username currently being used."},
	{"!active", OutcomeHostname, "The hostname specified is not activated."},
	{"abuse", OutcomeAbuse, "The hostname specified is blocked for abuse."},
	{"notfqdn", OutcomeHostname, "The hostname specified is not a fully-qualified domain name."},
	{"numhost", OutcomeHostname, "Too many or too few hosts found."},
	{"dnserr", OutcomeServer, "DNS error encountered."},
	{"911", OutcomeServer, "A fatal error on the provider side such as a database outage."},
}

// NewDynDNSService returns a service speaking the DynDNS /nic/update protocol to host:port.
func NewDynDNSService(name, host string, port int) *HTTPService {
	return &HTTPService{
		name:  name,
		host:  host,
		port:  port,
		build: buildNicUpdate(""),
		parse: parseDynDNS,
	}
}

func DynDNS() *HTTPService {
	s := NewDynDNSService("dyndns", "members.dyndns.org", 80)
	s.build = buildNicUpdate("system=dyndns")
	return s
}

func NoIP() *HTTPService {
	return NewDynDNSService("no-ip", "dynupdate.no-ip.com", 80)
}

func OVH() *HTTPService {
	s := NewDynDNSService("ovh", "www.ovh.com", 80)
	s.build = buildNicUpdate("system=dyndns")
	return s
}

// ChangeIP speaks /nic/update but answers with a status line instead of DynDNS return codes.
func ChangeIP() *HTTPService {
	return &HTTPService{
		name:  "changeip",
		host:  "nic.changeip.com",
		port:  80,
		build: buildNicUpdate(""),
		parse: parseChangeIP,
	}
}

func buildNicUpdate(system string) func(*HTTPService, AccountConfig, netip.Addr) ([]byte, error) {
	return func(s *HTTPService, acct AccountConfig, ip netip.Addr) ([]byte, error) {
		q := "/nic/update?"
		if system != "" {
			q += system + "&"
		}
		q += "hostname=" + url.QueryEscape(acct.Hostname) + "&myip=" + ip.String()
		return httpGet(s.host, q, "Authorization", "Basic "+BasicAuth(acct.Username, acct.Password)), nil
	}
}

func parseDynDNS(resp []byte) Report {
	status, body := splitResponse(resp)
	if status == 401 {
		return NewReport(OutcomeAuth, "badauth", "Bad authorization (username or password).")
	}
	if status != 0 && (status < 200 || status > 299) {
		return NewReport(OutcomeServer, strconv.Itoa(status), "Unexpected HTTP status.")
	}
	if rc, ok := matchLine(body, dynDNSCodes); ok {
		return NewReport(rc.outcome, rc.code, rc.info)
	}
	return unknownReport()
}

func parseChangeIP(resp []byte) Report {
	switch {
	case bytes.Contains(resp, []byte("200 Successful Update")):
		return NewReport(OutcomeSuccess, "good", "Update good and successful, IP updated.")
	case bytes.Contains(resp, []byte("401 Access Denied")), bytes.Contains(resp, []byte("401 Unauthorized")):
		return NewReport(OutcomeAccount, "badauth", "Bad authorization (username or password).")
	}
	return unknownReport()
}

// matchLine returns the first code found, scanning body line by line.
func matchLine(body []byte, codes []returnCode) (returnCode, bool) {
	for _, line := range bytes.Split(body, []byte("\n")) {
		for _, rc := range codes {
			if bytes.Contains(line, []byte(rc.code)) {
				return rc, true
			}
		}
	}
	return returnCode{}, false
}

func unknownReport() Report {
	return NewReport(OutcomeUnknown, "unknown", "Unknown return message received.")
}
