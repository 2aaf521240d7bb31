package common

// Method is a JSON-RPC method served on /jsonrpc.
type Method string

const (
	METHOD_VERSION         Method = "system.getVersion"
	METHOD_COLLECT         Method = "race.collect"
	METHOD_SCRAPE          Method = "race.scrape"
	METHOD_RACE_LIST       Method = "race.list"
	METHOD_SNAPSHOT_LATEST Method = "snapshot.latest"
	METHOD_SNAPSHOT_GET    Method = "snapshot.get"
	METHOD_TRIGGER_LIST    Method = "trigger.list"
)
