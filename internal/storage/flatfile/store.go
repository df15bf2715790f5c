package flatfile

// Store binds the codec to the two files on disk.
// Every mutation is a full read-modify-atomic-write; no state is cached.
type Store struct {
	JobsPath     string
	SchedulePath string
}

// NewStore creates a store for the given jobs database and schedule file.
func NewStore(jobsPath, schedulePath string) *Store {
	return &Store{JobsPath: jobsPath, SchedulePath: schedulePath}
}

// ReadDatabase loads the jobs database. A missing file is an empty database.
func (s *Store) ReadDatabase() (*Database, error) {
	data, err := ReadOptional(s.JobsPath)
	if err != nil {
		return nil, err
	}
	return DecodeDatabase(data)
}

// ReadSchedule loads the schedule file. A missing file has no entries.
func (s *Store) ReadSchedule() (*Schedule, error) {
	data, err := ReadOptional(s.SchedulePath)
	if err != nil {
		return nil, err
	}
	return DecodeSchedule(data), nil
}

// WriteDatabase atomically replaces the jobs database.
func (s *Store) WriteDatabase(db *Database) error {
	return WriteAtomic(s.JobsPath, db.Encode())
}

// Commit replaces the jobs database and prunes the schedule file as one
// commit: either both files change or neither does.
func (s *Store) Commit(db *Database, sched *Schedule, consumed map[int]bool) error {
	return WriteAtomicSet(
		File{Path: s.JobsPath, Data: db.Encode()},
		File{Path: s.SchedulePath, Data: sched.Without(consumed)},
	)
}
