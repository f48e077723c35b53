package indexer

// SharedStringPrefix marks ids of hardcoded strings. Ids handed out by a
// store are always below it.
const SharedStringPrefix int64 = 1 << 61

// Hardcoded strings common to every org. Their ids never change: new strings
// are only ever appended.
var sharedStrings = []string{
	// release health
	"abnormal",
	"crashed",
	"environment",
	"errored",
	"exited",
	"healthy",
	"init",
	"production",
	"release",
	"session.status",
	"c:sessions/session@none",
	"s:sessions/user@none",
	"s:sessions/error@none",
	"d:sessions/duration@second",
	// performance
	"transaction",
	"transaction.status",
	"transaction.op",
	"http.method",
	"browser.name",
	"os.name",
	"satisfaction",
	"satisfied",
	"tolerated",
	"frustrated",
	"d:transactions/duration@millisecond",
	"d:transactions/measurements.lcp@millisecond",
	"c:transactions/count_per_root_project@none",
	"s:transactions/user@none",
}

var (
	staticIDs     = make(map[string]int64, len(sharedStrings))
	staticStrings = make(map[int64]string, len(sharedStrings))
)

func init() {
	for i, s := range sharedStrings {
		id := SharedStringPrefix + int64(i) + 1
		staticIDs[s] = id
		staticStrings[id] = s
	}
}

// StaticID returns the hardcoded id of s, if it has one.
func StaticID(s string) (int64, bool) {
	id, ok := staticIDs[s]
	return id, ok
}

// StaticString returns the hardcoded string with the given id.
func StaticString(id int64) (string, bool) {
	s, ok := staticStrings[id]
	return s, ok
}
