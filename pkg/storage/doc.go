/*
Package storage persists the worker pool's shared state: one worker record per
control-plane port, the job requests those workers execute, an index from
request uuid to worker port, and a pid-addressed signal queue.

Two implementations satisfy Store:

	BoltStore    <data_dir>/exaworker.db      buckets: workers, requests,
	                                          request_workers, signals
	SQLiteStore  <data_dir>/exaworker.sqlite  tables of the same names

Every worker process, the factory and the CLI open the same datastore. There is
no lock manager: writes are last-writer-wins, and the sync_lock column on a
worker record is an advisory owner stamp that callers set and clear through
AcquireSyncLock/ReleaseSyncLock (a compare-and-set on the stamp). WithSyncLock
and AssignRequest are built on top of it.

BoltStore opens the database file for each transaction because bbolt keeps an
exclusive file lock for as long as a read-write handle is open.
*/
package storage
