package ddns

import (
	"fmt"
	"sort"
	"time"
)

// Plan lists account names by what a reload does to them.
type Plan struct {
	Create []string `json:"create,omitempty"`
	Update []string `json:"update,omitempty"`
	Mirror []string `json:"mirror,omitempty"`
	Delete []string `json:"delete,omitempty"`
}

// Empty reports whether the plan leaves every account as it is.
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// Diff compares two account lists by name. An account whose settings differ in any field is updated.
func Diff(old, new []AccountConfig) Plan {
	var p Plan
	next := make(map[string]AccountConfig, len(new))
	for _, a := range new {
		next[a.Name] = a
	}
	prev := make(map[string]bool, len(old))
	for _, o := range old {
		prev[o.Name] = true
		n, ok := next[o.Name]
		switch {
		case !ok:
			p.Delete = append(p.Delete, o.Name)
		case n != o:
			p.Update = append(p.Update, o.Name)
		default:
			p.Mirror = append(p.Mirror, o.Name)
		}
	}
	for _, n := range new {
		if !prev[n.Name] {
			p.Create = append(p.Create, n.Name)
		}
	}
	sort.Strings(p.Create)
	sort.Strings(p.Update)
	sort.Strings(p.Mirror)
	sort.Strings(p.Delete)
	return p
}

// Reconcile replaces the controller's accounts with accounts.
//
// Every account is validated first; on any error nothing changes.
// Deleted accounts have their requests cancelled before they are dropped.
// Updated accounts lose their update, lock and freeze state and any request in flight.
// Mirrored accounts keep their state. New accounts start hatched.
func (c *Controller) Reconcile(accounts []AccountConfig) (Plan, error) {
	if errs := validateAccounts(accounts, c.registry); len(errs) > 0 {
		return Plan{}, invalidConfig(errs)
	}
	plan := Diff(c.configs(), accounts)
	next := make(map[string]AccountConfig, len(accounts))
	for _, a := range accounts {
		next[a.Name] = a
	}

	for _, name := range plan.Delete {
		a := c.accounts[name]
		n := c.engine.CancelAllFor(a)
		if c.engine.Pending(a) != 0 {
			panic(fmt.Sprintf("ddns: account %s still owns requests after cancellation", name))
		}
		delete(c.accounts, name)
		c.logger.Printf("account %s: removed (%d requests cancelled)", name, n)
	}
	for _, name := range plan.Update {
		a, cfg := c.accounts[name], next[name]
		c.engine.CancelAllFor(a)
		backend, _ := c.registry.Lookup(cfg.Service)
		a.cfg, a.backend = cfg, backend
		a.updated, a.locked, a.frozen = false, false, false
		a.freezeStart, a.freezeInterval = time.Time{}, 0
		c.logger.Printf("account %s: configuration changed", name)
	}
	for _, name := range plan.Mirror {
		c.accounts[name].cfg = next[name]
	}
	for _, name := range plan.Create {
		cfg := next[name]
		backend, _ := c.registry.Lookup(cfg.Service)
		c.accounts[name] = &Account{cfg: cfg, backend: backend, status: StatusHatched}
		c.logger.Printf("account %s: added (%s %s)", name, cfg.Service, cfg.Hostname)
	}
	c.observe()
	return plan, nil
}
