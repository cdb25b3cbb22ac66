package sqlite

const queryUpsertEvent = `
INSERT INTO events (id, name, start_date, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    start_date = excluded.start_date,
    updated_at = excluded.updated_at
`

const queryGetEvent = `
SELECT id, name, start_date, status, created_at, updated_at
FROM events
WHERE id = ?
`

const queryGetEventStatus = `
SELECT status FROM events WHERE id = ?
`

// %s is the placeholder list for the allowed source statuses.
const queryUpdateEventStatus = `
UPDATE events
SET status = ?, updated_at = ?
WHERE id = ?
  AND status IN (%s)
`

const queryUpsertJob = `
INSERT INTO scheduled_jobs (event_id, event_name, scheduled_time, status, retry_count, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO UPDATE SET
    event_name = excluded.event_name,
    scheduled_time = excluded.scheduled_time,
    status = excluded.status,
    retry_count = excluded.retry_count,
    error_message = excluded.error_message,
    updated_at = excluded.updated_at
`

const queryGetJob = `
SELECT event_id, event_name, scheduled_time, status, retry_count, error_message, created_at, updated_at
FROM scheduled_jobs
WHERE event_id = ?
`

const queryGetJobStatus = `
SELECT status FROM scheduled_jobs WHERE event_id = ?
`

const queryUpdateJobStatus = `
UPDATE scheduled_jobs
SET status = ?, error_message = ?, updated_at = ?
WHERE event_id = ?
  AND status IN (%s)
`

const queryMarkJobRetrying = `
UPDATE scheduled_jobs
SET status = 'retrying', retry_count = retry_count + 1, error_message = ?, updated_at = ?
WHERE event_id = ?
  AND status = 'processing'
`

const queryGetJobsByStatus = `
SELECT
    j.event_id, j.event_name, j.scheduled_time, j.status, j.retry_count, j.error_message,
    j.created_at, j.updated_at,
    e.id, e.name, e.start_date, e.status, e.created_at, e.updated_at
FROM scheduled_jobs j
JOIN events e ON j.event_id = e.id
WHERE j.status IN (%s)
ORDER BY j.scheduled_time ASC
`

const queryListEventsByStatus = `
SELECT id, name, start_date, status, created_at, updated_at
FROM events
WHERE status = ?
ORDER BY start_date ASC
LIMIT ?
`

const queryCountEventsByStatus = `
SELECT status, COUNT(*) FROM events GROUP BY status
`

const queryCountJobsByStatus = `
SELECT status, COUNT(*) FROM scheduled_jobs GROUP BY status
`

const queryUpcomingJobs = `
SELECT event_id, event_name, scheduled_time, status, retry_count, error_message, created_at, updated_at
FROM scheduled_jobs
WHERE status = ?
ORDER BY scheduled_time ASC
LIMIT ?
`

const queryRecentJobs = `
SELECT event_id, event_name, scheduled_time, status, retry_count, error_message, created_at, updated_at
FROM scheduled_jobs
ORDER BY updated_at DESC
LIMIT ?
`

const queryDeleteExpiredJobs = `
DELETE FROM scheduled_jobs
WHERE event_id IN (
    SELECT id FROM events
    WHERE status IN ('processed', 'failed', 'cancelled')
      AND start_date < ?
)
`

const queryDeleteExpiredEvents = `
DELETE FROM events
WHERE status IN ('processed', 'failed', 'cancelled')
  AND start_date < ?
`
