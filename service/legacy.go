package service

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/Clukay-Fun/OmniAgent/errors"
	"github.com/Clukay-Fun/OmniAgent/jobs/cron"
	"github.com/Clukay-Fun/OmniAgent/jobs/delay"
)

// migrateLegacyQueues imports queue state from the old NDJSON queue files
// into SQLite. Each file is renamed to <path>.migrated afterwards so the
// import runs once; rows that already exist are skipped.
func (s *AutomationService) migrateLegacyQueues() error {
	if path := s.cfg.Cron.LegacyQueuePath; path != "" {
		imported, err := importLegacyFile(path, func(line []byte) error {
			var job cron.Job
			if err := json.Unmarshal(line, &job); err != nil {
				return errors.NewInvalidRequestError("malformed cron job line: %v", err)
			}
			return s.CronStore.Restore(&job)
		}, s)
		if err != nil {
			return err
		}
		if imported > 0 {
			s.logger.Infow("Legacy cron queue migrated", "path", path, "jobs", imported)
		}
	}

	if path := s.cfg.Delay.LegacyQueuePath; path != "" {
		imported, err := importLegacyFile(path, func(line []byte) error {
			var task delay.Task
			if err := json.Unmarshal(line, &task); err != nil {
				return errors.NewInvalidRequestError("malformed delayed task line: %v", err)
			}
			return s.DelayStore.Restore(&task)
		}, s)
		if err != nil {
			return err
		}
		if imported > 0 {
			s.logger.Infow("Legacy delay queue migrated", "path", path, "tasks", imported)
		}
	}

	return nil
}

// importLegacyFile feeds each non-empty line of an NDJSON file to restore,
// then renames the file so it is not imported again. A missing file is not
// an error. Parse failures and duplicates skip the line; other restore
// errors abort the import with the file left in place.
func importLegacyFile(path string, restore func(line []byte) error, s *AutomationService) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "failed to open legacy queue file %s", path)
	}

	imported := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := restore(line); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				s.logger.Debugw("Legacy queue row already imported", "path", path)
				continue
			}
			if errors.Is(err, errors.ErrInvalidRequest) {
				s.logger.Warnw("Skipping malformed legacy queue line", "path", path, "error", err)
				continue
			}
			f.Close()
			return imported, err
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return imported, errors.Wrapf(err, "failed to read legacy queue file %s", path)
	}
	f.Close()

	if err := os.Rename(path, path+".migrated"); err != nil {
		return imported, errors.Wrapf(err, "failed to archive legacy queue file %s", path)
	}
	return imported, nil
}
