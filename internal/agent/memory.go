package agent

import "time"

// DiaryEntry is one private diary write. EntryIndex is gap-free and
// per-agent, starting at 1; LifeIndex ties the entry to whichever life
// (pre- or post-respawn) produced it.
type DiaryEntry struct {
	LifeIndex  int
	EntryIndex int
	TickMsLeft int
	Text       string
	Tags       []string
	CreatedAt  time.Time
}

// Diary is the append-only sequence of an agent's DiaryEntry values.
// Entries never shrink or reorder.
type Diary struct {
	Entries []DiaryEntry
}

// Add appends entry to the diary.
func (d *Diary) Add(entry DiaryEntry) {
	d.Entries = append(d.Entries, entry)
}

// Latest returns the most recent entry, or false if the diary is
// empty.
func (d *Diary) Latest() (DiaryEntry, bool) {
	if len(d.Entries) == 0 {
		return DiaryEntry{}, false
	}
	return d.Entries[len(d.Entries)-1], true
}

// Memory is the lifecycle-aware capsule holding an agent's diary and
// the life_index its entries are counted against.
type Memory struct {
	Diary     Diary
	LifeIndex int
}

// StartNewLife increments LifeIndex on respawn. Past diary entries
// keep the life_index they were written under.
func (m *Memory) StartNewLife() {
	m.LifeIndex++
}

// Remember appends a new DiaryEntry stamped with the current
// life_index and the next gap-free entry_index.
func (m *Memory) Remember(text string, tickMsLeft int, tags []string) DiaryEntry {
	entry := DiaryEntry{
		LifeIndex:  m.LifeIndex,
		EntryIndex: len(m.Diary.Entries) + 1,
		TickMsLeft: tickMsLeft,
		Text:       text,
		Tags:       tags,
		CreatedAt:  time.Now().UTC(),
	}
	m.Diary.Add(entry)
	return entry
}
