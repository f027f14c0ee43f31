package dispatcher

// historyMax caps how many recent commands are remembered per topic.
const historyMax = 20

// recordHistory appends text to (userID, threadID)'s ring buffer,
// deduplicating a repeat of the immediately preceding entry and
// trimming the oldest entry once historyMax is exceeded.
func (d *Dispatcher) recordHistory(userID, threadID int64, text string) {
	key := historyKey{userID, threadID}
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.history[key]
	if len(entries) > 0 && entries[len(entries)-1] == text {
		return
	}
	entries = append(entries, text)
	if len(entries) > historyMax {
		entries = entries[len(entries)-historyMax:]
	}
	d.history[key] = entries
}

// commandHistory returns (userID, threadID)'s recorded commands,
// newest first, capped at limit.
func (d *Dispatcher) commandHistory(userID, threadID int64, limit int) []string {
	key := historyKey{userID, threadID}
	d.mu.Lock()
	entries := append([]string{}, d.history[key]...)
	d.mu.Unlock()

	out := make([]string, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out
}
