// Command relayctl inspects and repairs the event pipeline: outbox backlog, dead letters,
// the dedup ledger and derived aggregates.
package main

import "github.com/md-rashed-zaman/eventrelay/tools/relayctl/cmd"

func main() {
	cmd.Execute()
}
