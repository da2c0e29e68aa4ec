package job

import (
	"database/sql"
	"encoding/json"
)

// scanArgs holds the nullable columns of a job row.
type scanArgs struct {
	Description     sql.NullString
	Payload         sql.NullString
	ExecutionHandle sql.NullString
	Result          sql.NullString
	ErrorMsg        sql.NullString
}

// scanTargets returns scan destinations for the job and its nullable
// columns, in the order of selectColumns.
func scanTargets(j *Job, args *scanArgs) []interface{} {
	return []interface{}{
		&j.ID,
		&j.Owner,
		&j.Name,
		&args.Description,
		&args.Payload,
		&j.Status,
		&j.ScheduledTime,
		&args.ExecutionHandle,
		&args.Result,
		&args.ErrorMsg,
		&j.AttemptCount,
		&j.MaxAttempts,
		&j.CreatedAt,
		&j.UpdatedAt,
	}
}

// applyScanArgs copies scanned nullable columns into the job struct.
func applyScanArgs(j *Job, args *scanArgs) {
	if args.Description.Valid {
		j.Description = args.Description.String
	}
	if args.Payload.Valid {
		j.Payload = json.RawMessage(args.Payload.String)
	}
	if args.ExecutionHandle.Valid {
		j.ExecutionHandle = args.ExecutionHandle.String
	}
	if args.Result.Valid {
		j.Result = json.RawMessage(args.Result.String)
	}
	if args.ErrorMsg.Valid {
		j.Error = args.ErrorMsg.String
	}
}

// scanRow scans a single job from a sql.Row.
func scanRow(row *sql.Row, j *Job) error {
	args := &scanArgs{}
	if err := row.Scan(scanTargets(j, args)...); err != nil {
		return err
	}
	applyScanArgs(j, args)
	return nil
}

// scanRows scans a single job from sql.Rows (for use in loops).
func scanRows(rows *sql.Rows, j *Job) error {
	args := &scanArgs{}
	if err := rows.Scan(scanTargets(j, args)...); err != nil {
		return err
	}
	applyScanArgs(j, args)
	return nil
}

// selectColumns is the standard column list for job SELECT queries.
const selectColumns = `id, owner, name, description, payload, status,
	scheduled_time, execution_handle, result, error,
	attempt_count, max_attempts, created_at, updated_at`
