package log

var (
	JournalField = journalField
	MapPriority  = mapPriority
)
