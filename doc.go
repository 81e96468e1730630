/*
Package ddns keeps dynamic DNS records pointed at the host's public IPv4 address.

Usage will usually start with [ddns.New],
which takes a [Config] listing the accounts to keep updated and how to discover the WAN address,
and returns a [Daemon] whose Run method drives everything on a single goroutine.

The parts can also be used on their own:
[Engine] multiplexes non-blocking outbound requests,
[Controller] decides when each account is updated and applies provider verdicts,
and [Controller.Reconcile] swaps in a new account list without disturbing unchanged accounts.
Providers are [Service] or [Updater] implementations held in a [Registry].
*/
package ddns
